// Package notify delivers terminal events to the requesting identity over
// per-user WebSocket channels.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/m-mizutani/goerr/v2"

	"vibegen/pkg/model"
	"vibegen/pkg/utils/logging"
)

// Publisher emits exactly one terminal event per run to the identity's channel
type Publisher interface {
	Publish(ctx context.Context, userID string, event *model.TerminalEvent) error
}

// Hub is a WebSocket fan-out publisher. Subscribers register under their
// identity; Publish delivers only to that identity's connections. A publish
// with no subscribers is not an error: the event is simply unobserved.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*websocket.Conn]struct{})
	}
	h.subs[userID][conn] = struct{}{}
}

func (h *Hub) unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[userID], conn)
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

// Subscribers returns the number of open connections for an identity.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Publish sends the event to every connection of the given identity.
func (h *Hub) Publish(ctx context.Context, userID string, event *model.TerminalEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return goerr.Wrap(err, "failed to encode terminal event")
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.subs[userID]))
	for conn := range h.subs[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			logging.From(ctx).Debug("failed to deliver terminal event", "user_id", userID, "error", err)
		}
	}

	logging.From(ctx).Info("terminal event published",
		"user_id", userID, "project_id", event.ProjectID, "status", event.Status)
	return nil
}

// ServeHTTP upgrades the request to a WebSocket subscription for the identity
// resolved by the caller via the X-User-ID header.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logging.From(r.Context()).Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}

	h.register(userID, conn)
	defer h.unregister(userID, conn)
	defer conn.Close(websocket.StatusNormalClosure, "subscription ended")

	// Drain the connection until the client goes away. Subscribers never
	// send application data.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
