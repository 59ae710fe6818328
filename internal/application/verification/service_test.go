package verification

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-verify-broker/internal/domain"
	"github.com/go-verify-broker/internal/infrastructure/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockProvider struct{ mock.Mock }

func (m *mockProvider) Enabled() bool {
	return m.Called().Bool(0)
}
func (m *mockProvider) PurchaseNumber(ctx context.Context, serviceID, countryCode string) (provider.Activation, error) {
	args := m.Called(ctx, serviceID, countryCode)
	return args.Get(0).(provider.Activation), args.Error(1)
}
func (m *mockProvider) PollForCode(ctx context.Context, activationID string) (string, bool, error) {
	args := m.Called(ctx, activationID)
	return args.String(0), args.Bool(1), args.Error(2)
}
func (m *mockProvider) CancelActivation(ctx context.Context, activationID string) error {
	return m.Called(ctx, activationID).Error(0)
}
func (m *mockProvider) GetHealth(ctx context.Context) provider.Health {
	return m.Called(ctx).Get(0).(provider.Health)
}

// memStore is an in-memory SessionStore; async persist makes testify mocks awkward here.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.VerificationSession
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]domain.VerificationSession)}
}

func (s *memStore) Put(_ context.Context, sess *domain.VerificationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = *sess
	return nil
}

func (s *memStore) Get(_ context.Context, sessionID string) (*domain.VerificationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("verification session not found: %w", domain.ErrNotFound)
	}
	return &sess, nil
}

func (s *memStore) Update(_ context.Context, sessionID string, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("verification session not found: %w", domain.ErrNotFound)
	}
	for k, v := range updates {
		switch k {
		case "state":
			sess.State = v.(domain.SessionState)
		case "code":
			sess.Code = v.(string)
		case "refund_amount":
			sess.RefundAmount = v.(float64)
		case "refund_applied":
			sess.RefundApplied = v.(bool)
		}
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *memStore) ListByUser(_ context.Context, userID string) ([]domain.VerificationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VerificationSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out, nil
}

// captureSink records every delivered event.
type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Deliver(_ string, ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) byKind(kind domain.EventKind) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// --- helpers ---

func newTestService(p *mockProvider, store *memStore, sink *captureSink, ttl time.Duration) Service {
	return NewService(ServiceDeps{
		Provider:     p,
		SessionRepo:  store,
		Events:       sink,
		PollInterval: 10 * time.Millisecond,
		SessionTTL:   ttl,
	})
}

func activation() provider.Activation {
	return provider.Activation{ID: "act-7", PhoneNumber: "+15550001", Cost: 0.50}
}

func createReq() CreateSessionRequest {
	return CreateSessionRequest{Service: "demo-app", Country: "US"}
}

// --- Create ---

func TestCreate_Success(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").Return("", false, nil)
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())

	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, sess.State)
	assert.Equal(t, "+15550001", sess.PhoneNumber)
	assert.Equal(t, 0.50, sess.Cost)
	assert.NotEmpty(t, sess.SessionID)
	assert.True(t, sess.ExpiresAt.After(sess.RequestedAt))

	stored, err := store.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, stored.State)
}

func TestCreate_RejectedWhileProviderDisabled(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(false)
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	_, err := svc.Create(context.Background(), "user-1", createReq())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	p.AssertNotCalled(t, "PurchaseNumber", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreate_ValidationFailure(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	_, err := svc.Create(context.Background(), "user-1", CreateSessionRequest{Service: "", Country: "usa"})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestCreate_PurchaseDenialBecomesFailed(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").
		Return(provider.Activation{}, fmt.Errorf("provider returned 409: %w", domain.ErrInsufficientBalance))
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	_, err := svc.Create(context.Background(), "user-1", createReq())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.Len(t, sink.byKind(domain.EventFailed), 1)
}

// --- polling lifecycle ---

func TestLifecycle_CodeReceivedCompletesSession(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").Return("482913", true, nil)
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
		return err == nil && got.State == domain.StateCompleted
	}, time.Second, 5*time.Millisecond)

	got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "482913", got.Code)
	assert.Eventually(t, func() bool {
		return len(sink.byKind(domain.EventCodeReceived)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLifecycle_ExpiryRefundsHalfAndEmitsOneEvent(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	var polls, cancels, liveCtxCancels atomic.Int64
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").
		Run(func(mock.Arguments) { polls.Add(1) }).Return("", false, nil)
	p.On("CancelActivation", mock.Anything, "act-7").
		Run(func(args mock.Arguments) {
			cancels.Add(1)
			if args.Get(0).(context.Context).Err() == nil {
				liveCtxCancels.Add(1)
			}
		}).Return(nil)
	svc := newTestService(p, store, sink, 35*time.Millisecond)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
		return err == nil && got.State == domain.StateRefunded
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return cancels.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, cancels.Load(), liveCtxCancels.Load(),
		"provider cancel after expiry must run on a live context")

	got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.RefundAmount, "refund must be exactly half the charged cost")

	// Several empty poll cycles happened before expiry.
	assert.GreaterOrEqual(t, polls.Load(), int64(2))

	refunded := sink.byKind(domain.EventRefunded)
	require.Len(t, refunded, 1, "expiry must emit exactly one refunded event")
	assert.Equal(t, sess.SessionID, refunded[0].SessionID)
	assert.Equal(t, 0.25, refunded[0].Refund)
	assert.Empty(t, sink.byKind(domain.EventCodeReceived))
}

func TestLifecycle_ActivationGoneForcesFailed(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").
		Return("", false, fmt.Errorf("provider returned 404: %w", domain.ErrActivationNotFound))
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
		return err == nil && got.State == domain.StateFailed
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(sink.byKind(domain.EventFailed)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLifecycle_TransientPollErrorKeepsPolling(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	var polls atomic.Int64
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").
		Run(func(mock.Arguments) { polls.Add(1) }).
		Return("", false, fmt.Errorf("timeout: %w", domain.ErrProviderUnavailable))
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return polls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State, "transient errors must not transition the session")
}

func TestLifecycle_DeadContextPollEmitsNoProviderError(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").
		Return("", false, fmt.Errorf("poll aborted: %w", domain.ErrProviderUnavailable))
	svc := NewService(ServiceDeps{
		Provider:     p,
		SessionRepo:  store,
		Events:       sink,
		PollInterval: time.Hour, // the loop must not tick on its own here
		SessionTTL:   time.Hour,
	})
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	impl := svc.(*service)
	impl.mu.Lock()
	ls := impl.live[sess.SessionID]
	impl.mu.Unlock()
	require.NotNil(t, ls)

	// A tick can race shutdown and run against an already-cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := impl.pollOnce(ctx, ls)

	assert.True(t, done, "a dead context must stop the loop")
	assert.Empty(t, sink.byKind(domain.EventProviderError),
		"shutdown must not surface as a provider error to the user")
	got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
}

// --- cancellation ---

func TestCancel_ActiveSessionRefundsOnce(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").Return("", false, nil)
	p.On("CancelActivation", mock.Anything, "act-7").Return(nil)
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	got, err := svc.Cancel(context.Background(), sess.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, got.State)
	assert.Equal(t, 0.25, got.RefundAmount)

	// Cancelling again is a no-op against the stored terminal session.
	again, err := svc.Cancel(context.Background(), sess.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, again.State)
	assert.Equal(t, 0.25, again.RefundAmount)
	require.Len(t, sink.byKind(domain.EventRefunded), 1)
}

func TestCancel_ConcurrentDuplicatesRefundOnce(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").Return("", false, nil)
	p.On("CancelActivation", mock.Anything, "act-7").Return(nil)
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Cancel(context.Background(), sess.SessionID, "user-1")
		}()
	}
	wg.Wait()

	got, err := svc.Get(context.Background(), sess.SessionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, got.State)
	assert.Equal(t, 0.25, got.RefundAmount)
	require.Len(t, sink.byKind(domain.EventRefunded), 1, "duplicate cancels must refund at most once")
}

func TestCancel_UnknownSession(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	_, err := svc.Cancel(context.Background(), "missing", "user-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// --- access control ---

func TestGet_OtherUsersSessionForbidden(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("Enabled").Return(true)
	p.On("PurchaseNumber", mock.Anything, "demo-app", "US").Return(activation(), nil)
	p.On("PollForCode", mock.Anything, "act-7").Return("", false, nil)
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	sess, err := svc.Create(context.Background(), "user-1", createReq())
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), sess.SessionID, "intruder")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Cancel(context.Background(), sess.SessionID, "intruder")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// --- health ---

func TestHealth_DelegatesToProvider(t *testing.T) {
	p, store, sink := &mockProvider{}, newMemStore(), &captureSink{}
	p.On("GetHealth", mock.Anything).
		Return(provider.Health{Status: provider.StatusOperational, Balance: 12.50, Currency: "USD"})
	svc := newTestService(p, store, sink, time.Hour)
	defer svc.Shutdown()

	h := svc.Health(context.Background())

	assert.Equal(t, provider.StatusOperational, h.Status)
	assert.Equal(t, 12.50, h.Balance)
	assert.Equal(t, "USD", h.Currency)
}
