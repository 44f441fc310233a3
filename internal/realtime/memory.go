package realtime

import (
	"context"
	"sync"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

// MemoryBus is an in-process Bus. Publishing never blocks and never drops:
// each subscriber has its own unbounded queue drained by a pump goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers evt to every current subscriber of topic
func (b *MemoryBus) Publish(ctx context.Context, topic string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evt.Topic = topic

	b.mu.RLock()
	subs := make([]*memorySubscription, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(evt)
	}
	metrics.BusPublishTotal.WithLabelValues(topicKind(topic), "success").Inc()
	return nil
}

// Subscribe registers a subscriber on topics. The subscription is closed when ctx ends.
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	s := &memorySubscription{
		bus:    b,
		topics: topics,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	for _, t := range topics {
		if b.topics[t] == nil {
			b.topics[t] = make(map[*memorySubscription]struct{})
		}
		b.topics[t][s] = struct{}{}
	}
	b.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// SubscriberCount reports the number of subscribers of topic
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *MemoryBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range s.topics {
		delete(b.topics[t], s)
		if len(b.topics[t]) == 0 {
			delete(b.topics, t)
		}
	}
}

type memorySubscription struct {
	bus    *MemoryBus
	topics []string

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) enqueue(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) Events() <-chan Event {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
	return nil
}
