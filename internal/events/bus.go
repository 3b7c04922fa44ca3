package events

import (
	"log"
	"sync"
	"time"
)

// DefaultQueueSize bounds each topic queue. Publishes beyond it are dropped;
// market-data loss is preferred over unbounded memory.
const DefaultQueueSize = 1000

// Handler consumes one published payload. Handlers for the same topic run in
// registration order, serialized with respect to each other; handlers for
// different topics may progress in parallel.
type Handler func(topic Topic, payload any)

// Bus is the in-process publish/subscribe broker. One dispatch goroutine per
// topic keeps per-topic ordering while topics progress independently.
type Bus struct {
	mu      sync.RWMutex
	topics  map[Topic]*topicQueue
	running bool
	wg      sync.WaitGroup
}

type topicQueue struct {
	topic      Topic
	ch         chan any
	dropOldest bool

	hmu      sync.RWMutex
	handlers []Handler
}

// NewBus creates a stopped event bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[Topic]*topicQueue)}
}

// Register adds a handler for a topic. Registration is allowed before or
// after Start; a handler registered late sees only subsequent publishes.
func (b *Bus) Register(topic Topic, h Handler) {
	q := b.queueFor(topic)
	q.hmu.Lock()
	q.handlers = append(q.handlers, h)
	q.hmu.Unlock()
}

// Publish enqueues a payload without ever invoking handlers on the caller's
// path. On overflow the publish is dropped with a warning; the tick topic
// drops the oldest entry instead so fresh quotes win.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return
	}
	q, ok := b.topics[topic]
	if !ok {
		// Nobody registered and bus already running: create lazily.
		b.mu.RUnlock()
		q = b.queueFor(topic)
		b.mu.RLock()
		if !b.running {
			return
		}
	}

	select {
	case q.ch <- payload:
		return
	default:
	}

	if q.dropOldest {
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- payload:
			return
		default:
		}
	}
	log.Printf("event bus: queue full, dropping %s payload", topic)
}

// Start begins dispatch for all known topics.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	for _, q := range b.topics {
		b.wg.Add(1)
		go b.loop(q)
	}
}

// Stop rejects further publishes, closes the topic queues and waits for the
// in-flight handlers to drain within the grace period.
func (b *Bus) Stop(grace time.Duration) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	for _, q := range b.topics {
		close(q.ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("event bus: drain grace period expired")
	}
}

func (b *Bus) queueFor(topic Topic) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.topics[topic]; ok {
		return q
	}
	q := &topicQueue{
		topic:      topic,
		ch:         make(chan any, DefaultQueueSize),
		dropOldest: topic == TopicTickUpdate,
	}
	b.topics[topic] = q
	if b.running {
		b.wg.Add(1)
		go b.loop(q)
	}
	return q
}

func (b *Bus) loop(q *topicQueue) {
	defer b.wg.Done()
	for payload := range q.ch {
		q.dispatch(payload)
	}
}

// dispatch runs the topic's handlers in registration order. A failing handler
// is logged and isolated from its siblings.
func (q *topicQueue) dispatch(payload any) {
	q.hmu.RLock()
	handlers := make([]Handler, len(q.handlers))
	copy(handlers, q.handlers)
	q.hmu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("event bus: handler panic on %s: %v", q.topic, r)
				}
			}()
			h(q.topic, payload)
		}()
	}
}
