package domain

// EventKind identifies what a notification event is about.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventCodeReceived  EventKind = "code_received"
	EventExpired       EventKind = "expired"
	EventRefunded      EventKind = "refunded"
	EventFailed        EventKind = "failed"
	EventProviderError EventKind = "provider_error"
	EventSystemNotice  EventKind = "system_notice"
)

// Event is a transient notification pushed to a user's live connections.
// It is constructed, fanned out, and discarded; nothing persists it.
type Event struct {
	Kind      EventKind    `json:"kind"`
	UserID    string       `json:"-"`
	SessionID string       `json:"session_id,omitempty"`
	State     SessionState `json:"state,omitempty"`
	Code      string       `json:"code,omitempty"`
	Refund    float64      `json:"refund,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// SessionEvent builds an event describing a session's transition for its owner.
func SessionEvent(kind EventKind, s *VerificationSession) Event {
	return Event{
		Kind:      kind,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		State:     s.State,
		Code:      s.Code,
		Refund:    s.RefundAmount,
	}
}
