package memory

import (
	"context"

	"print-workflow/internal/models"
)

// Listen implements store.ChangeFeed. A subscriber that falls behind by more
// than its buffer is disconnected so the consumer resubscribes and re-reads.
func (s *Store) Listen(ctx context.Context) (<-chan models.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan models.ChangeEvent, subscriberBuffer)
	gone := make(chan struct{})

	s.subMu.Lock()
	s.subscribers[ch] = gone
	s.subMu.Unlock()

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		select {
		case <-ctx.Done():
			s.unsubscribe(ch)
		case <-gone:
		}
	}()

	return ch, nil
}

// Disconnect drops every subscriber, as if the feed connection was lost
func (s *Store) Disconnect() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subscribers {
		s.drop(ch)
	}
}

func (s *Store) unsubscribe(ch chan models.ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if _, ok := s.subscribers[ch]; ok {
		s.drop(ch)
	}
}

// drop closes a subscriber and releases its watcher. Callers hold subMu.
func (s *Store) drop(ch chan models.ChangeEvent) {
	close(s.subscribers[ch])
	delete(s.subscribers, ch)
	close(ch)
}

func (s *Store) publish(events ...models.ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subscribers {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				s.drop(ch)
			}
			if _, ok := s.subscribers[ch]; !ok {
				break
			}
		}
	}
}
