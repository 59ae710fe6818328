package domain

import "time"

// SessionState is the lifecycle state of a verification session.
type SessionState string

const (
	StateRequested SessionState = "requested"
	StateActive    SessionState = "active"
	StateCompleted SessionState = "completed"
	StateExpired   SessionState = "expired"
	StateCancelled SessionState = "cancelled"
	StateRefunded  SessionState = "refunded"
	StateFailed    SessionState = "failed"
)

// transitions holds the only legal state-machine edges. Expired and Cancelled
// are pass-through states on the way to Refunded; everything else is terminal.
var transitions = map[SessionState][]SessionState{
	StateRequested: {StateActive, StateFailed},
	StateActive:    {StateCompleted, StateExpired, StateCancelled, StateFailed},
	StateExpired:   {StateRefunded},
	StateCancelled: {StateRefunded},
}

// CanTransition reports whether moving from one state to another is a legal
// edge. Terminal states have no outgoing edges.
func CanTransition(from, to SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a session state permits no further transitions.
func (s SessionState) Terminal() bool {
	return len(transitions[s]) == 0
}

// VerificationSession tracks one phone-number verification attempt from
// purchase through code delivery, expiry, or cancellation.
// PK: session_id, GSI: user_id-index for per-user history queries.
type VerificationSession struct {
	SessionID     string       `json:"session_id" dynamodbav:"session_id"`
	UserID        string       `json:"user_id" dynamodbav:"user_id"`
	ServiceName   string       `json:"service" dynamodbav:"service"`
	CountryCode   string       `json:"country" dynamodbav:"country"`
	PhoneNumber   string       `json:"phone_number,omitempty" dynamodbav:"phone_number"`
	ActivationID  string       `json:"-" dynamodbav:"activation_id"`
	State         SessionState `json:"state" dynamodbav:"state"`
	Code          string       `json:"code,omitempty" dynamodbav:"code"`
	Cost          float64      `json:"cost" dynamodbav:"cost"`
	RefundAmount  float64      `json:"refund_amount,omitempty" dynamodbav:"refund_amount"`
	RefundApplied bool         `json:"-" dynamodbav:"refund_applied"`
	RequestedAt   time.Time    `json:"requested_at" dynamodbav:"requested_at"`
	ExpiresAt     time.Time    `json:"expires_at" dynamodbav:"expires_at"`
}
