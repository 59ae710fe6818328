package notify

import (
	"log/slog"
	"sync"

	"github.com/go-verify-broker/internal/domain"
)

// Handle is one live duplex connection bound to a single user. Multiple
// handles per user is the normal case (multi-tab, multi-device).
// Send must be safe to call from concurrent deliveries.
type Handle interface {
	Send(ev domain.Event) error
}

// userConns serializes register/unregister/deliver for one user. Operations
// on different users only share the hub's map lock for the entry lookup.
type userConns struct {
	mu      sync.Mutex
	handles map[Handle]struct{}
}

// Hub tracks live connections per user and fans events out to all of them.
// Delivery is best-effort and at-most-once per handle: a handle whose Send
// fails is dropped as part of the same delivery. Nothing is queued for users
// with no connections; the session status endpoint is the pull fallback.
type Hub struct {
	mu    sync.Mutex
	users map[string]*userConns
}

func NewHub() *Hub {
	return &Hub{users: make(map[string]*userConns)}
}

// Register adds a handle to the user's connection set.
func (h *Hub) Register(userID string, handle Handle) {
	h.mu.Lock()
	uc, ok := h.users[userID]
	if !ok {
		uc = &userConns{handles: make(map[Handle]struct{})}
		h.users[userID] = uc
	}
	h.mu.Unlock()

	uc.mu.Lock()
	uc.handles[handle] = struct{}{}
	uc.mu.Unlock()
}

// Unregister removes a handle. When the user's last handle goes away the
// user entry is dropped entirely.
func (h *Hub) Unregister(userID string, handle Handle) {
	h.mu.Lock()
	uc, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return
	}

	uc.mu.Lock()
	delete(uc.handles, handle)
	empty := len(uc.handles) == 0
	uc.mu.Unlock()

	if empty {
		h.dropIfEmpty(userID)
	}
}

// dropIfEmpty removes the user entry unless a concurrent Register repopulated it.
func (h *Hub) dropIfEmpty(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uc, ok := h.users[userID]
	if !ok {
		return
	}
	uc.mu.Lock()
	empty := len(uc.handles) == 0
	uc.mu.Unlock()
	if empty {
		delete(h.users, userID)
	}
}

// Deliver sends the event to every handle the user has. A failed handle never
// blocks the rest; it is treated as dead and removed before Deliver returns.
func (h *Hub) Deliver(userID string, ev domain.Event) {
	h.mu.Lock()
	uc, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		// No live connection; the caller's state stays queryable via pull.
		return
	}

	uc.mu.Lock()
	var dead []Handle
	for handle := range uc.handles {
		if err := handle.Send(ev); err != nil {
			slog.Warn("dropping dead connection", "user_id", userID, "kind", ev.Kind, "err", err)
			dead = append(dead, handle)
		}
	}
	for _, handle := range dead {
		delete(uc.handles, handle)
	}
	empty := len(uc.handles) == 0
	uc.mu.Unlock()

	if empty {
		h.dropIfEmpty(userID)
	}
}

// Connections reports how many live handles a user currently has.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	uc, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.handles)
}

// Broadcast delivers a system-wide notice to every registered user.
func (h *Hub) Broadcast(ev domain.Event) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		ev.UserID = id
		h.Deliver(id, ev)
	}
}
