package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"print-workflow/internal/models"
	"print-workflow/internal/util"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// NotifyChannel is the LISTEN/NOTIFY channel the row triggers publish on
const NotifyChannel = "workflow_changes"

// Listener is a ChangeFeed over PostgreSQL LISTEN/NOTIFY
type Listener struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

var _ ChangeFeed = (*Listener)(nil)

// NewListener creates a change feed for the database at dsn
func NewListener(dsn string, minReconnect, maxReconnect time.Duration) *Listener {
	return &Listener{
		dsn:          dsn,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		pingInterval: 90 * time.Second,
		logger:       util.GetLogger(),
	}
}

// Listen subscribes to the notify channel. The driver reconnects on its own
// with backoff; every reconnect is surfaced as a resync event because
// notifications sent while disconnected are lost.
func (l *Listener) Listen(ctx context.Context) (<-chan models.ChangeEvent, error) {
	pl := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			l.logger.Warn("Change feed disconnected", zap.Error(err))
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.Warn("Change feed reconnect failed", zap.Error(err))
		case pq.ListenerEventReconnected:
			l.logger.Info("Change feed reconnected")
		}
	})

	if err := pl.Listen(NotifyChannel); err != nil {
		_ = pl.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	events := make(chan models.ChangeEvent, 64)

	go func() {
		defer close(events)
		defer pl.Close()

		ticker := time.NewTicker(l.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case n, ok := <-pl.Notify:
				if !ok {
					return
				}

				var ev models.ChangeEvent
				if n == nil {
					ev = models.NewResyncEvent()
				} else {
					decoded, err := DecodeNotification(n.Extra)
					if err != nil {
						l.logger.Error("Invalid change notification", zap.String("payload", n.Extra), zap.Error(err))
						continue
					}
					ev = decoded
				}

				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}

			case <-ticker.C:
				if err := pl.Ping(); err != nil {
					l.logger.Warn("Change feed ping failed", zap.Error(err))
				}
			}
		}
	}()

	return events, nil
}

type notification struct {
	Table string    `json:"table"`
	Op    string    `json:"op"`
	ID    uuid.UUID `json:"id"`
}

// DecodeNotification parses a trigger payload
func DecodeNotification(payload string) (models.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if n.Table == "" {
		return models.ChangeEvent{}, fmt.Errorf("notification without table")
	}
	return models.NewChangeEvent(n.Table, n.Op, n.ID), nil
}
