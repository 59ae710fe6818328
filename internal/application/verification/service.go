package verification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-verify-broker/internal/domain"
	"github.com/go-verify-broker/internal/infrastructure/provider"
	"github.com/go-verify-broker/internal/pkg/id"
	"github.com/go-verify-broker/internal/pkg/validate"
)

// ProviderClient is the slice of the provider client the orchestrator needs.
type ProviderClient interface {
	Enabled() bool
	PurchaseNumber(ctx context.Context, serviceID, countryCode string) (provider.Activation, error)
	PollForCode(ctx context.Context, activationID string) (string, bool, error)
	CancelActivation(ctx context.Context, activationID string) error
	GetHealth(ctx context.Context) provider.Health
}

// SessionStore persists session history. Terminal sessions are read back
// from here when clients poll instead of holding a live connection.
type SessionStore interface {
	Put(ctx context.Context, s *domain.VerificationSession) error
	Get(ctx context.Context, sessionID string) (*domain.VerificationSession, error)
	ListByUser(ctx context.Context, userID string) ([]domain.VerificationSession, error)
	Update(ctx context.Context, sessionID string, updates map[string]interface{}) error
}

// EventSink receives lifecycle events for fanout to the owning user.
type EventSink interface {
	Deliver(userID string, ev domain.Event)
}

// CreateSessionRequest is the session creation payload.
type CreateSessionRequest struct {
	Service string `json:"service" validate:"required"`
	Country string `json:"country" validate:"required,uppercase,len=2"`
}

type Service interface {
	Create(ctx context.Context, userID string, req CreateSessionRequest) (*domain.VerificationSession, error)
	Get(ctx context.Context, sessionID, userID string) (*domain.VerificationSession, error)
	List(ctx context.Context, userID string) ([]domain.VerificationSession, error)
	Cancel(ctx context.Context, sessionID, userID string) (*domain.VerificationSession, error)
	Health(ctx context.Context) provider.Health
	Shutdown()
}

// ServiceDeps bundles the orchestrator's collaborators.
type ServiceDeps struct {
	Provider     ProviderClient
	SessionRepo  SessionStore
	Events       EventSink
	PollInterval time.Duration
	SessionTTL   time.Duration
}

// liveSession is an in-flight session plus its poll-loop controls. The mutex
// is the safe checkpoint for external signals: the poll loop re-reads state
// under it after every provider call, so a cancellation landing while the
// loop is suspended on I/O is honored without aborting the in-flight call.
type liveSession struct {
	mu         sync.Mutex
	sess       *domain.VerificationSession
	cancelPoll context.CancelFunc
}

type service struct {
	provider     ProviderClient
	store        SessionStore
	events       EventSink
	pollInterval time.Duration
	sessionTTL   time.Duration

	mu   sync.Mutex
	live map[string]*liveSession

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(deps ServiceDeps) Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &service{
		provider:     deps.Provider,
		store:        deps.SessionRepo,
		events:       deps.Events,
		pollInterval: deps.PollInterval,
		sessionTTL:   deps.SessionTTL,
		live:         make(map[string]*liveSession),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

func (s *service) Create(ctx context.Context, userID string, req CreateSessionRequest) (*domain.VerificationSession, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrBadRequest)
	}
	if !s.provider.Enabled() {
		return nil, fmt.Errorf("verification service unavailable: %w", domain.ErrProviderUnavailable)
	}

	sess := &domain.VerificationSession{
		SessionID:   id.New(),
		UserID:      userID,
		ServiceName: req.Service,
		CountryCode: req.Country,
		State:       domain.StateRequested,
		RequestedAt: time.Now().UTC(),
	}

	act, err := s.provider.PurchaseNumber(ctx, req.Service, req.Country)
	if err != nil {
		sess.State = domain.StateFailed
		s.persist(sess)
		s.events.Deliver(userID, domain.SessionEvent(domain.EventFailed, sess))
		return nil, fmt.Errorf("number purchase failed: %w", err)
	}

	sess.PhoneNumber = act.PhoneNumber
	sess.ActivationID = act.ID
	sess.Cost = act.Cost
	sess.State = domain.StateActive
	sess.ExpiresAt = sess.RequestedAt.Add(s.sessionTTL)
	s.persist(sess)

	ls := &liveSession{sess: sess}
	pollCtx, cancelPoll := context.WithCancel(s.baseCtx)
	ls.cancelPoll = cancelPoll

	s.mu.Lock()
	s.live[sess.SessionID] = ls
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runPollLoop(pollCtx, ls)

	return snapshot(ls), nil
}

func (s *service) Get(ctx context.Context, sessionID, userID string) (*domain.VerificationSession, error) {
	s.mu.Lock()
	ls, ok := s.live[sessionID]
	s.mu.Unlock()

	var sess *domain.VerificationSession
	if ok {
		sess = snapshot(ls)
	} else {
		stored, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		sess = stored
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("session belongs to another user: %w", domain.ErrForbidden)
	}
	return sess, nil
}

func (s *service) List(ctx context.Context, userID string) ([]domain.VerificationSession, error) {
	return s.store.ListByUser(ctx, userID)
}

// Cancel requests cancellation of an active session. The transition happens
// under the session mutex, so it is safe even while the poll loop is
// suspended on a provider call; cancelling a terminal session is a no-op.
func (s *service) Cancel(ctx context.Context, sessionID, userID string) (*domain.VerificationSession, error) {
	s.mu.Lock()
	ls, ok := s.live[sessionID]
	s.mu.Unlock()

	if !ok {
		stored, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if stored.UserID != userID {
			return nil, fmt.Errorf("session belongs to another user: %w", domain.ErrForbidden)
		}
		// Already terminal; nothing to cancel.
		return stored, nil
	}

	ls.mu.Lock()
	if ls.sess.UserID != userID {
		ls.mu.Unlock()
		return nil, fmt.Errorf("session belongs to another user: %w", domain.ErrForbidden)
	}
	activationID := ls.sess.ActivationID
	cancelled := s.transitionLocked(ls, domain.StateCancelled)
	if cancelled {
		s.refundLocked(ls)
	}
	out := copySession(ls.sess)
	ls.mu.Unlock()

	if cancelled {
		s.finishSession(ls, domain.SessionEvent(domain.EventRefunded, out))
		if err := s.provider.CancelActivation(ctx, activationID); err != nil {
			slog.Warn("provider cancel failed", "session_id", sessionID, "activation_id", activationID, "err", err)
		}
	}
	return out, nil
}

func (s *service) Health(ctx context.Context) provider.Health {
	return s.provider.GetHealth(ctx)
}

// Shutdown stops every poll loop and waits for them to drain.
func (s *service) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// snapshot returns a copy of a live session safe to hand to callers.
func snapshot(ls *liveSession) *domain.VerificationSession {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return copySession(ls.sess)
}

func copySession(sess *domain.VerificationSession) *domain.VerificationSession {
	c := *sess
	return &c
}
