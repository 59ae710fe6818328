package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-verify-broker/internal/domain"
	jwtinfra "github.com/go-verify-broker/internal/infrastructure/jwt"
	"github.com/go-verify-broker/internal/notify"
	"github.com/gorilla/websocket"
)

// wsHandle adapts a websocket connection to the hub's Handle contract.
// The mutex serializes writes; gorilla allows only one concurrent writer.
type wsHandle struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (h *wsHandle) Send(ev domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return h.conn.WriteJSON(ev)
}

// WSHandler is the duplex connection entrypoint. It authenticates the
// handshake, registers the connection with the hub, and enforces
// ping/pong liveness; a silent connection is closed and unregistered.
type WSHandler struct {
	hub          *notify.Hub
	jwtProvider  *jwtinfra.Provider
	pongTimeout  time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func NewWSHandler(hub *notify.Hub, jwtProvider *jwtinfra.Provider, pongTimeout, pingInterval time.Duration) *WSHandler {
	return &WSHandler{
		hub:          hub,
		jwtProvider:  jwtProvider,
		pongTimeout:  pongTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin filtering happens in the CORS layer; tokens gate access here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Connect upgrades the request and services the connection until it drops.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	claims, err := h.jwtProvider.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Warn("websocket upgrade failed", "user_id", claims.UserID, "err", err)
		return
	}

	handle := &wsHandle{conn: conn}
	h.hub.Register(claims.UserID, handle)
	slog.Info("websocket connected", "user_id", claims.UserID)

	if err := handle.Send(domain.Event{Kind: domain.EventConnected, UserID: claims.UserID, Message: "connected"}); err != nil {
		h.hub.Unregister(claims.UserID, handle)
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	go h.writePings(conn, done)
	h.readLoop(conn, claims.UserID, handle, done)
}

// readLoop consumes client frames. Pongs (and any client frame) refresh the
// read deadline; a deadline hit means the peer went silent and the
// connection is torn down and unregistered.
func (h *WSHandler) readLoop(conn *websocket.Conn, userID string, handle *wsHandle, done chan struct{}) {
	defer func() {
		close(done)
		h.hub.Unregister(userID, handle)
		_ = conn.Close()
		slog.Info("websocket disconnected", "user_id", userID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	}
}

// writePings keeps the connection warm so intermediaries don't drop it and
// the peer has something to pong.
func (h *WSHandler) writePings(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
