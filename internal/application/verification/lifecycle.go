package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-verify-broker/internal/domain"
)

// runPollLoop drives one active session: poll on a fixed interval until a
// code arrives, the expiry deadline passes, or the session is cancelled.
// A panic here must never take down other sessions, so the loop boundary
// recovers and converts to a Failed transition.
func (s *service) runPollLoop(ctx context.Context, ls *liveSession) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("poll loop panicked", "session_id", ls.sess.SessionID, "panic", r)
			ls.mu.Lock()
			failed := s.transitionLocked(ls, domain.StateFailed)
			out := copySession(ls.sess)
			ls.mu.Unlock()
			if failed {
				s.finishSession(ls, domain.SessionEvent(domain.EventFailed, out))
			}
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := s.pollOnce(ctx, ls); done {
				return
			}
		}
	}
}

// pollOnce performs one poll cycle and reports whether the loop should stop.
func (s *service) pollOnce(ctx context.Context, ls *liveSession) bool {
	ls.mu.Lock()
	state := ls.sess.State
	activationID := ls.sess.ActivationID
	sessionID := ls.sess.SessionID
	userID := ls.sess.UserID
	expired := time.Now().After(ls.sess.ExpiresAt)
	ls.mu.Unlock()

	if state != domain.StateActive {
		// Cancelled (or otherwise finished) out from under us.
		return true
	}

	if expired {
		s.expire(ls, activationID)
		return true
	}

	code, found, err := s.provider.PollForCode(ctx, activationID)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown raced the tick; not a provider fault, no event.
			return true
		}
		if errors.Is(err, domain.ErrActivationNotFound) {
			// The provider forgot the activation; the session can never finish.
			ls.mu.Lock()
			failed := s.transitionLocked(ls, domain.StateFailed)
			out := copySession(ls.sess)
			ls.mu.Unlock()
			if failed {
				s.finishSession(ls, domain.SessionEvent(domain.EventFailed, out))
			}
			return true
		}
		slog.Warn("poll failed, will retry next cycle", "session_id", sessionID, "err", err)
		s.events.Deliver(userID, domain.Event{
			Kind:      domain.EventProviderError,
			UserID:    userID,
			SessionID: sessionID,
			Message:   "temporary provider error while waiting for code",
		})
		return false
	}
	if !found {
		slog.Debug("no code yet", "session_id", sessionID)
		return false
	}

	ls.mu.Lock()
	completed := s.transitionLocked(ls, domain.StateCompleted)
	if completed {
		ls.sess.Code = code
	}
	out := copySession(ls.sess)
	ls.mu.Unlock()
	if completed {
		s.finishSession(ls, domain.SessionEvent(domain.EventCodeReceived, out))
	}
	return true
}

// expire moves an Active session through Expired into Refunded.
func (s *service) expire(ls *liveSession, activationID string) {
	ls.mu.Lock()
	expired := s.transitionLocked(ls, domain.StateExpired)
	if expired {
		s.refundLocked(ls)
	}
	out := copySession(ls.sess)
	ls.mu.Unlock()
	if !expired {
		return
	}

	s.finishSession(ls, domain.SessionEvent(domain.EventRefunded, out))

	// finishSession cancelled the poll context, so the provider cancel
	// needs its own deadline or it aborts before reaching upstream.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.provider.CancelActivation(ctx, activationID); err != nil {
		slog.Warn("provider cancel after expiry failed", "session_id", out.SessionID, "err", err)
	}
}

// transitionLocked applies one state-machine edge. Caller holds ls.mu.
// Illegal transitions are refused, which is what makes duplicate expiry and
// cancellation signals race-safe: only the first one wins.
func (s *service) transitionLocked(ls *liveSession, to domain.SessionState) bool {
	from := ls.sess.State
	if !domain.CanTransition(from, to) {
		slog.Debug("transition refused", "session_id", ls.sess.SessionID, "from", from, "to", to)
		return false
	}
	ls.sess.State = to
	slog.Info("session transition", "session_id", ls.sess.SessionID, "from", from, "to", to)
	return true
}

// refundLocked applies the partial refund and completes the Refunded edge.
// The refund-applied flag keeps the amount from ever doubling. Caller holds ls.mu.
func (s *service) refundLocked(ls *liveSession) {
	if !ls.sess.RefundApplied {
		ls.sess.RefundAmount = ls.sess.Cost / 2
		ls.sess.RefundApplied = true
	}
	s.transitionLocked(ls, domain.StateRefunded)
}

// finishSession persists the terminal state, emits its single notification
// event, stops the poll loop, and drops the session from the live table.
func (s *service) finishSession(ls *liveSession, ev domain.Event) {
	ls.mu.Lock()
	sess := copySession(ls.sess)
	cancelPoll := ls.cancelPoll
	ls.mu.Unlock()

	s.persistTerminal(sess)
	s.events.Deliver(sess.UserID, ev)
	if cancelPoll != nil {
		cancelPoll()
	}

	s.mu.Lock()
	delete(s.live, sess.SessionID)
	s.mu.Unlock()
}

// persist writes the session to the history store. History is best-effort:
// a failed write is logged, not propagated, so one slow table never blocks
// lifecycle progress.
func (s *service) persist(sess *domain.VerificationSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Put(ctx, sess); err != nil {
		slog.Warn("failed to persist session", "session_id", sess.SessionID, "state", sess.State, "err", err)
	}
}

// persistTerminal patches the stored row with the fields a terminal
// transition can change; the full record was written at creation.
func (s *service) persistTerminal(sess *domain.VerificationSession) {
	updates := map[string]interface{}{"state": sess.State}
	if sess.Code != "" {
		updates["code"] = sess.Code
	}
	if sess.RefundApplied {
		updates["refund_amount"] = sess.RefundAmount
		updates["refund_applied"] = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Update(ctx, sess.SessionID, updates); err != nil {
		slog.Warn("failed to persist terminal state", "session_id", sess.SessionID, "state", sess.State, "err", err)
	}
}
