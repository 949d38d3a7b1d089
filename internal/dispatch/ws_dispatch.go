// Package dispatch pushes the session view to connected websocket clients.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/squarejellyfish/ntuber/internal/observability"
	"github.com/squarejellyfish/ntuber/internal/session"
)

const writeWait = 5 * time.Second

// ViewSource is the session as seen by the hub.
type ViewSource interface {
	View(ctx context.Context) (session.View, error)
	Changes() (<-chan struct{}, func())
}

// WSSession is one connected view stream.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v session.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Hub fans every session change out to all connected clients.
type Hub struct {
	src    ViewSource
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
}

func NewHub(src ViewSource, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{src: src, logger: logger.With("component", "ws_hub"), sessions: make(map[*WSSession]struct{})}
}

// Add registers conn, sends it the current view and reads until the peer
// goes away.
func (h *Hub) Add(ctx context.Context, conn *websocket.Conn) {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	observability.WSClients.Inc()

	if v, err := h.src.View(ctx); err == nil {
		if err := s.Send(v); err != nil {
			h.remove(s)
			return
		}
	}

	go func() {
		defer h.remove(s)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(s *WSSession) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		observability.WSClients.Dec()
		_ = s.conn.Close()
	}
}

// Count reports connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Run broadcasts the view after every change until ctx ends, then closes
// all connections.
func (h *Hub) Run(ctx context.Context) {
	changes, stop := h.src.Changes()
	defer stop()
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			v, err := h.src.View(ctx)
			if err != nil {
				h.logger.Debug("view unavailable", "error", err)
				continue
			}
			h.Broadcast(v)
		}
	}
}

func (h *Hub) Broadcast(v session.View) {
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			h.logger.Debug("ws send error", "error", err)
			h.remove(s)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.remove(s)
	}
}
