package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/auction-engine/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type watcher struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	userID    string
	closeOnce sync.Once
}

func (w *watcher) close() {
	w.closeOnce.Do(func() { close(w.send) })
}

// Hub pushes events to WebSocket watchers. A watcher joins the group of the
// session it follows and the group of its own user ID. Outbid events go to
// the previous leader's user group, every other event to the session group.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*watcher]struct{}
	users    map[string]map[*watcher]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

var _ event.Publisher = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*watcher]struct{}),
		users:    make(map[string]map[*watcher]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Watchers returns the number of connected watchers.
func (h *Hub) Watchers() int {
	seen := make(map[*watcher]struct{})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, group := range h.sessions {
		for w := range group {
			seen[w] = struct{}{}
		}
	}
	for _, group := range h.users {
		for w := range group {
			seen[w] = struct{}{}
		}
	}
	return len(seen)
}

// Publish never fails. A watcher whose buffer is full is disconnected.
func (h *Hub) Publish(ctx context.Context, events ...event.Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to encode event for watchers",
				slog.String("event_id", e.ID),
				slog.Any("error", err),
			)
			continue
		}

		var targets map[*watcher]struct{}
		h.mu.RLock()
		if e.Type == event.Outbid {
			var d event.OutbidData
			if err := e.Decode(&d); err == nil {
				targets = h.users[d.PreviousLeaderID]
			}
		} else {
			targets = h.sessions[e.SessionID]
		}
		var slow []*watcher
		for w := range targets {
			select {
			case w.send <- data:
			default:
				slow = append(slow, w)
			}
		}
		h.mu.RUnlock()

		for _, w := range slow {
			h.logger.WarnContext(ctx, "dropping slow watcher",
				slog.String("session_id", w.sessionID),
				slog.String("user_id", w.userID),
			)
			h.unregister(w)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and keeps the watcher registered until the
// connection closes. Query parameters: session, user (at least one).
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	userID := r.URL.Query().Get("user")
	if sessionID == "" && userID == "" {
		http.Error(rw, "session or user query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	w := &watcher{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: sessionID,
		userID:    userID,
	}
	h.register(w)
	h.logger.DebugContext(r.Context(), "watcher connected",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
	)

	go h.writeLoop(w)
	h.readLoop(w)
}

func (h *Hub) register(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w.sessionID != "" {
		addTo(h.sessions, w.sessionID, w)
	}
	if w.userID != "" {
		addTo(h.users, w.userID, w)
	}
}

func (h *Hub) unregister(w *watcher) {
	h.mu.Lock()
	removeFrom(h.sessions, w.sessionID, w)
	removeFrom(h.users, w.userID, w)
	h.mu.Unlock()
	w.close()
}

func addTo(groups map[string]map[*watcher]struct{}, key string, w *watcher) {
	group, ok := groups[key]
	if !ok {
		group = make(map[*watcher]struct{})
		groups[key] = group
	}
	group[w] = struct{}{}
}

func removeFrom(groups map[string]map[*watcher]struct{}, key string, w *watcher) {
	group, ok := groups[key]
	if !ok {
		return
	}
	delete(group, w)
	if len(group) == 0 {
		delete(groups, key)
	}
}

// readLoop discards client messages and returns when the connection drops.
func (h *Hub) readLoop(w *watcher) {
	defer func() {
		h.unregister(w)
		w.conn.Close()
	}()

	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(w *watcher) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
