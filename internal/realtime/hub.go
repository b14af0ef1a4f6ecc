package realtime

import (
	"context"
	"errors"
	"sync"

	"print-workflow/internal/models"
	"print-workflow/internal/util"

	"go.uber.org/zap"
)

// ErrHubStopped is returned by Publish once the hub has stopped
var ErrHubStopped = errors.New("realtime hub stopped")

// Hub tracks active sessions and routes change notifications to them
type Hub struct {
	sessions   map[*Session]struct{}
	register   chan *Session
	unregister chan *Session
	events     chan models.ChangeEvent
	stopped    chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		events:     make(chan models.ChangeEvent, 256),
		stopped:    make(chan struct{}),
		logger:     util.Named("realtime"),
	}
}

// Register adds a session. If the hub has stopped the session is closed.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.stopped:
		s.Close()
	}
}

// Unregister removes and closes a session
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.stopped:
		s.Close()
	}
}

// Publish hands a change notification to the hub
func (h *Hub) Publish(ctx context.Context, ev models.ChangeEvent) error {
	select {
	case <-h.stopped:
		return ErrHubStopped
	default:
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionCount returns the number of registered sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Run routes notifications until ctx is cancelled, then closes every session
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.stopped) })

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("Realtime hub stopped")
			return ctx.Err()

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			n := len(h.sessions)
			h.mu.Unlock()
			go s.Run(ctx)
			util.RealtimeClients.Set(float64(n))
			h.logger.Info("Realtime session opened",
				zap.String("role", s.Identity().Role.String()),
				zap.Int("total_sessions", n))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
			}
			n := len(h.sessions)
			h.mu.Unlock()
			s.Close()
			util.RealtimeClients.Set(float64(n))
			h.logger.Info("Realtime session closed", zap.Int("total_sessions", n))

		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev models.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.sessions {
		if ev.IsResync() || s.Watches(ev.Table) {
			s.Refresh()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.sessions {
		s.Close()
		delete(h.sessions, s)
	}
	util.RealtimeClients.Set(0)
}
