package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"print-workflow/internal/models"
	"print-workflow/internal/store"
	"print-workflow/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher relays store change notifications to the change topic
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishChange publishes a change notification keyed by table and row so
// changes to one row stay ordered within a partition
func (ep *EventPublisher) PublishChange(ctx context.Context, event models.ChangeEvent) error {
	key := fmt.Sprintf("%s-%s", event.Table, event.RowID)
	if event.IsResync() {
		key = models.EventTypeResync
	}
	return ep.producer.PublishEvent(ctx, key, event)
}

// DecodeChange parses a change topic message
func DecodeChange(msg kafka.Message) (models.ChangeEvent, error) {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeRowChanged, models.EventTypeResync:
		var event models.ChangeEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return models.ChangeEvent{}, fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
		}
		return event, nil
	}
	return models.ChangeEvent{}, fmt.Errorf("unhandled event type: %q", baseEvent.EventType)
}

// Feed is a ChangeFeed over the change topic. Every Listen opens a fresh
// reader that starts at the newest offset; earlier changes are covered by
// the initial view fetch.
type Feed struct {
	brokers []string
	topic   string
	groupID string
	logger  *zap.Logger
}

var _ store.ChangeFeed = (*Feed)(nil)

// NewFeed creates a change feed for the topic. groupID must be unique per
// process so every instance sees every change.
func NewFeed(brokers []string, topic, groupID string) *Feed {
	return &Feed{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		logger:  util.Named("broker"),
	}
}

// Listen implements store.ChangeFeed. The channel closes when the reader
// fails; the caller resubscribes.
func (f *Feed) Listen(ctx context.Context) (<-chan models.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	consumer := NewConsumer(f.brokers, f.topic, f.groupID, kafka.LastOffset)
	events := make(chan models.ChangeEvent, 64)

	go func() {
		defer close(events)
		defer consumer.Close()

		f.logger.Info("Consuming change topic", zap.String("topic", f.topic), zap.String("group_id", f.groupID))

		for {
			msg, err := consumer.ConsumeMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("Change topic read failed", zap.Error(err))
				}
				return
			}

			event, err := DecodeChange(msg)
			if err != nil {
				f.logger.Warn("Skipping change message", zap.Int64("offset", msg.Offset), zap.Error(err))
			} else {
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}

			if err := consumer.CommitMessage(ctx, msg); err != nil {
				f.logger.Warn("Error committing message", zap.Error(err))
			}
		}
	}()

	return events, nil
}
