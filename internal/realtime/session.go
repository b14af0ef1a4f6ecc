// Package realtime keeps every connected client's role view current.
//
// Row change notifications are routed to the sessions whose role watches the
// changed table. A notified session re-reads its whole view from the store and
// pushes it to the client; nothing is patched incrementally. Refreshes are
// coalesced per session: while one fetch is in flight at most one more is
// queued, however many notifications arrive.
package realtime

import (
	"context"
	"sync"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/models"
	"print-workflow/internal/util"

	"go.uber.org/zap"
)

// Message types exchanged with clients
const (
	MessageTypeView    = "view"
	MessageTypeError   = "error"
	MessageTypePing    = "ping"
	MessageTypePong    = "pong"
	MessageTypeRefresh = "refresh"
)

const fetchTimeout = 10 * time.Second

// Message is a websocket message
type Message struct {
	Type string      `json:"type"`
	Role string      `json:"role,omitempty"`
	Data interface{} `json:"data"`
}

// ViewFetcher reads the authoritative view of a role
type ViewFetcher interface {
	FetchView(ctx context.Context, id auth.Identity) (interface{}, error)
}

// TablesFor lists the tables whose changes invalidate the role's view
func TablesFor(role auth.Role) []string {
	switch role {
	case auth.RoleIntake:
		return []string{models.TableOrders, models.TableOrderItems}
	case auth.RoleCashier:
		return []string{models.TableOrders, models.TablePayments}
	case auth.RoleOperator:
		return []string{models.TableWorkOrders}
	case auth.RoleUnknown:
		return nil
	}
	return nil
}

// Session is one client's subscription to its role view
type Session struct {
	identity auth.Identity
	tables   map[string]struct{}
	fetcher  ViewFetcher
	deliver  func(Message) bool
	logger   *zap.Logger

	refresh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session. deliver must not block; it reports whether
// the message was accepted. A rejected message closes the session. The first
// refresh is already queued.
func NewSession(identity auth.Identity, fetcher ViewFetcher, deliver func(Message) bool) *Session {
	tables := make(map[string]struct{})
	for _, t := range TablesFor(identity.Role) {
		tables[t] = struct{}{}
	}

	s := &Session{
		identity: identity,
		tables:   tables,
		fetcher:  fetcher,
		deliver:  deliver,
		logger:   util.Named("realtime"),
		refresh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.Refresh()
	return s
}

// Identity returns the session owner
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// Watches reports whether changes to table affect this session
func (s *Session) Watches(table string) bool {
	_, ok := s.tables[table]
	return ok
}

// Refresh requests a re-fetch. It never blocks.
func (s *Session) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Run serves refresh requests until ctx is cancelled or the session closes
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.refresh:
			s.fetch(ctx)
		}
	}
}

func (s *Session) fetch(ctx context.Context) {
	role := s.identity.Role.String()
	util.RealtimeRefetchTotal.WithLabelValues(role).Inc()

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	view, err := s.fetcher.FetchView(fctx, s.identity)
	if err != nil {
		util.RealtimeRefetchFailures.WithLabelValues(role).Inc()
		s.logger.Warn("View refresh failed",
			zap.String("user_id", s.identity.UserID.String()),
			zap.String("role", role),
			zap.Error(err))
		s.push(Message{Type: MessageTypeError, Role: role, Data: map[string]string{"message": "view refresh failed"}})
		return
	}

	s.push(Message{Type: MessageTypeView, Role: role, Data: view})
}

// push hands msg to the client. A client that cannot accept it would keep a
// stale view, so the session is closed and the client must reconnect, which
// starts a new session with a fresh fetch.
func (s *Session) push(msg Message) {
	if s.deliver(msg) {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.logger.Warn("Client send buffer full, closing session",
		zap.String("user_id", s.identity.UserID.String()),
		zap.String("message_type", msg.Type))
	s.Close()
}
