package worker

import (
	"context"
	"time"

	"print-workflow/internal/broker"
	"print-workflow/internal/models"
	"print-workflow/internal/realtime"
	"print-workflow/internal/store"
	"print-workflow/internal/util"

	"go.uber.org/zap"
)

// Backoff bounds the delay between change feed resubscriptions
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff is used when no backoff is configured
var DefaultBackoff = Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second}

// handleFunc receives one change notification
type handleFunc func(ctx context.Context, ev models.ChangeEvent) error

// follow subscribes to feed until ctx is cancelled. Whenever a subscription
// is lost or could not be opened, the next successful subscription starts
// with a resync event.
func follow(ctx context.Context, name string, feed store.ChangeFeed, backoff Backoff, handle handleFunc) error {
	logger := util.Named(name)
	delay := backoff.Min
	resync := false

	for {
		events, err := feed.Listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Change feed subscribe failed", zap.Duration("retry_in", delay), zap.Error(err))
			resync = true
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay, backoff)
			continue
		}

		if resync {
			util.ChangeFeedReconnectsTotal.Inc()
			logger.Info("Change feed resubscribed")
			if err := handle(ctx, models.NewResyncEvent()); err != nil {
				logger.Warn("Failed to handle resync", zap.Error(err))
			}
		}
		delay = backoff.Min

		for ev := range events {
			util.ChangeEventsTotal.WithLabelValues(ev.Table).Inc()
			if err := handle(ctx, ev); err != nil {
				logger.Warn("Failed to handle change event",
					zap.String("table", ev.Table),
					zap.String("event_id", ev.EventID),
					zap.Error(err))
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Change feed closed, resubscribing", zap.Duration("retry_in", delay))
		resync = true
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay, backoff)
	}
}

func nextDelay(d time.Duration, b Backoff) time.Duration {
	d *= 2
	if d > b.Max {
		d = b.Max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SyncWorker forwards change notifications to the realtime hub
type SyncWorker struct {
	feed    store.ChangeFeed
	hub     *realtime.Hub
	backoff Backoff
	logger  *zap.Logger
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(feed store.ChangeFeed, hub *realtime.Hub, backoff Backoff) *SyncWorker {
	return &SyncWorker{
		feed:    feed,
		hub:     hub,
		backoff: backoff,
		logger:  util.Named("sync-worker"),
	}
}

// Start runs the worker until ctx is cancelled
func (w *SyncWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sync worker...")
	return follow(ctx, "sync-worker", w.feed, w.backoff, w.hub.Publish)
}

// RelayWorker copies database notifications onto the change topic so other
// instances can follow them without a database connection of their own
type RelayWorker struct {
	feed      store.ChangeFeed
	publisher *broker.EventPublisher
	backoff   Backoff
	logger    *zap.Logger
}

// NewRelayWorker creates a new relay worker
func NewRelayWorker(feed store.ChangeFeed, publisher *broker.EventPublisher, backoff Backoff) *RelayWorker {
	return &RelayWorker{
		feed:      feed,
		publisher: publisher,
		backoff:   backoff,
		logger:    util.Named("relay-worker"),
	}
}

// Start runs the worker until ctx is cancelled
func (w *RelayWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting relay worker...")
	return follow(ctx, "relay-worker", w.feed, w.backoff, w.publisher.PublishChange)
}
