package pull

import "sync"

// subscriber buffer; publishes never block, the oldest queued item is
// dropped when a subscriber falls behind.
const subscriberBuffer = 16

// Subscriber receives published values for one key until unsubscribed.
type Subscriber[T any] struct {
	ch     chan T
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C is the receive channel. It is closed on unsubscribe.
func (s *Subscriber[T]) C() <-chan T {
	return s.ch
}

// Done returns a channel that's closed when the subscriber is removed.
func (s *Subscriber[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.ch)
	}
}

// Broker fans values out to subscribers keyed by an arbitrary string
// (an image name, a container id). Publishing is non-blocking: a full
// subscriber drops its oldest value to make room for the new one.
type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber[T]]struct{}
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[string]map[*Subscriber[T]]struct{})}
}

// Subscribe registers a new subscriber for key.
func (b *Broker[T]) Subscribe(key string) *Subscriber[T] {
	sub := &Subscriber[T]{
		ch:   make(chan T, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[*Subscriber[T]]struct{})
	}
	b.subs[key][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Broker[T]) Unsubscribe(key string, sub *Subscriber[T]) {
	b.mu.Lock()
	if set, ok := b.subs[key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers v to every subscriber of key without blocking.
func (b *Broker[T]) Publish(key string, v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[key] {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- v:
		default:
			// full: drop the oldest, then retry once
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- v:
			default:
			}
		}
		sub.mu.Unlock()
	}
}
