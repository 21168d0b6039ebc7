// Package bus is the in-process publish/subscribe primitive behind live
// notification delivery. Topics are "identity:<id>", "role:<role>" or
// "broadcast". Delivery order within one topic matches publish order; a
// publish with zero subscribers is a no-op.
package bus

import (
	"log"
	"sync"

	"campusfeed/internal/model"
)

// Handler receives every notification published on a subscribed topic.
type Handler func(model.Notification)

type subscriber struct {
	queue   chan model.Notification
	done    chan struct{}
	once    sync.Once
	topic   *topic
	handler Handler
}

type topic struct {
	name string
	// mu serializes publishes on the topic so per-topic delivery order is
	// publish order even with concurrent publishers.
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// Bus fans notifications out to per-subscriber bounded queues. A full queue
// drops the notification for that subscriber; the authoritative snapshot
// store makes the loss recoverable.
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topic
	queueSize int
	closed    bool
	wg        sync.WaitGroup
}

// New builds a stopped-state free bus. queueSize bounds each subscriber's
// pending deliveries.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		topics:    make(map[string]*topic),
		queueSize: queueSize,
	}
}

// Subscription is the unsubscribe handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Subscribe registers handler on topicName and starts a goroutine that
// drains the subscriber queue in order.
func (b *Bus) Subscribe(topicName string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &Subscription{bus: b}
	}
	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{name: topicName, subs: make(map[*subscriber]struct{})}
		b.topics[topicName] = t
	}
	sub := &subscriber{
		queue:   make(chan model.Notification, b.queueSize),
		done:    make(chan struct{}),
		topic:   t,
		handler: handler,
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case n := <-sub.queue:
				sub.handler(n)
			case <-sub.done:
				// Drain anything already queued, then stop.
				for {
					select {
					case n := <-sub.queue:
						_ = n
					default:
						return
					}
				}
			}
		}
	}()
	return &Subscription{bus: b, sub: sub}
}

// Close unsubscribes. It is idempotent; pending queued deliveries for the
// subscriber are discarded.
func (s *Subscription) Close() {
	if s == nil || s.sub == nil {
		return
	}
	s.sub.once.Do(func() {
		t := s.sub.topic
		t.mu.Lock()
		delete(t.subs, s.sub)
		t.mu.Unlock()
		close(s.sub.done)
	})
}

// Publish delivers n to every current subscriber of topicName. Publish never
// blocks: subscribers whose queue is full miss the notification.
func (b *Bus) Publish(topicName string, n model.Notification) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		select {
		case sub.queue <- n:
		default:
			log.Printf("bus: dropped %s notification on %s: subscriber queue full", n.Kind, topicName)
		}
	}
}

// Close tears the bus down and waits for subscriber goroutines to exit.
// Further publishes and subscribes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			s := sub
			s.once.Do(func() { close(s.done) })
		}
		t.subs = make(map[*subscriber]struct{})
		t.mu.Unlock()
	}
	b.wg.Wait()
}
