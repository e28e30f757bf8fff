package app

import (
	"sync"

	"quiz-attempt-service/internal/domain"
)

// ProgressBroker fans AttemptCompleted events out to per-user subscribers.
// Purely display-side: losing an event never affects stored state, so slow
// consumers drop the oldest buffered event instead of blocking publishers.
type ProgressBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan domain.AttemptCompleted]struct{}
}

func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		subscribers: make(map[string]map[chan domain.AttemptCompleted]struct{}),
	}
}

// Subscribe returns a channel receiving the user's completion events.
// The caller must invoke the returned cancel function to avoid leaks.
func (b *ProgressBroker) Subscribe(userID string) (<-chan domain.AttemptCompleted, func()) {
	ch := make(chan domain.AttemptCompleted, 8)

	b.mu.Lock()
	subs, ok := b.subscribers[userID]
	if !ok {
		subs = make(map[chan domain.AttemptCompleted]struct{})
		b.subscribers[userID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subscribers[userID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subscribers, userID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its user.
func (b *ProgressBroker) Publish(event domain.AttemptCompleted) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.UserID] {
		select {
		case ch <- event:
		default:
			// Dropping the stale event keeps slow clients from blocking the
			// completion path.
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}
