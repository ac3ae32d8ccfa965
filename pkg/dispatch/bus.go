// Package dispatch is the in-process pub/sub bus connecting the pipeline
// components: neuron ticks, miner discoveries and candidate decisions all
// travel through it.
package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topic identifies a class of bus events.
type Topic string

const (
	TopicStateChanged       Topic = "state_changed"
	TopicMoodChanged        Topic = "mood_changed"
	TopicRuleDiscovered     Topic = "rule_discovered"
	TopicCandidateCreated   Topic = "candidate_created"
	TopicCandidateAccepted  Topic = "candidate_accepted"
	TopicCandidateDismissed Topic = "candidate_dismissed"
	TopicZoneEntered        Topic = "zone_entered"
	TopicZoneLeft           Topic = "zone_left"
	TopicPresenceChanged    Topic = "presence_changed"
)

// lifecycleTopics are delivered with blocking semantics: publication waits
// for queue space instead of dropping. Everything else is telemetry and
// drops oldest on overflow.
var lifecycleTopics = map[Topic]bool{
	TopicCandidateCreated:   true,
	TopicCandidateAccepted:  true,
	TopicCandidateDismissed: true,
}

// Event is one bus message. Source scopes the FIFO ordering guarantee:
// events from the same source reach each subscriber in publish order.
type Event struct {
	Topic       Topic          `json:"topic"`
	Source      string         `json:"source"`
	TimestampMS int64          `json:"ts_ms"`
	Payload     any            `json:"payload,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Handler consumes bus events. Handlers run on the subscriber's own
// goroutine and must not block on external I/O.
type Handler func(Event)

// subscriber owns one bounded FIFO queue drained by one goroutine, so a
// slow consumer never stalls publishers or its peers.
type subscriber struct {
	id      int
	topics  map[Topic]bool
	queue   chan Event
	handler Handler
	done    chan struct{}
}

func (s *subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Bus fans events out to subscribers. Each subscriber gets its own queue;
// handler panics are contained to the event that caused them.
type Bus struct {
	logger    *zap.Logger
	queueSize int

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	statsMu   sync.Mutex
	published uint64
	dropped   uint64
	panics    uint64
}

// NewBus creates a bus whose subscriber queues hold queueSize events.
func NewBus(queueSize int, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:    logger,
		queueSize: queueSize,
		subs:      make(map[int]*subscriber),
	}
}

// Subscribe registers a handler for the given topics. An empty topic list
// subscribes to everything. The returned function unsubscribes and waits
// for the subscriber goroutine to finish.
func (b *Bus) Subscribe(handler Handler, topics ...Topic) (unsubscribe func()) {
	sub := &subscriber{
		topics:  make(map[Topic]bool, len(topics)),
		queue:   make(chan Event, b.queueSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.queue)
			}
			b.mu.Unlock()
			<-sub.done
		})
	}
}

// drain is the per-subscriber delivery loop.
func (b *Bus) drain(sub *subscriber) {
	defer close(sub.done)
	for ev := range sub.queue {
		b.deliver(sub, ev)
	}
}

// deliver invokes the handler with panic containment.
func (b *Bus) deliver(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.statsMu.Lock()
			b.panics++
			b.statsMu.Unlock()
			b.logger.Error("subscriber panic",
				zap.Int("subscriber", sub.id),
				zap.String("topic", string(ev.Topic)),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ev)
}

// Publish fans the event out. Telemetry topics drop the oldest queued
// event when a subscriber queue is full; lifecycle topics block until the
// subscriber makes room.
func (b *Bus) Publish(ev Event) {
	if ev.TimestampMS == 0 {
		ev.TimestampMS = time.Now().UnixMilli()
	}

	// The read lock is held across delivery so no queue can be closed
	// underneath a send. Drains do not take the lock, so blocking sends
	// still make progress.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.statsMu.Lock()
	b.published++
	b.statsMu.Unlock()

	blocking := lifecycleTopics[ev.Topic]
	for _, sub := range b.subs {
		if !sub.wants(ev.Topic) {
			continue
		}
		if blocking {
			sub.queue <- ev
			continue
		}
		for {
			select {
			case sub.queue <- ev:
			default:
				// Full: drop the oldest queued event and retry.
				select {
				case old := <-sub.queue:
					b.statsMu.Lock()
					b.dropped++
					b.statsMu.Unlock()
					b.logger.Debug("dropped queued event",
						zap.Int("subscriber", sub.id),
						zap.String("topic", string(old.Topic)))
				default:
				}
				continue
			}
			break
		}
	}
}

// Stats reports bus counters.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return map[string]any{
		"subscribers": subs,
		"published":   b.published,
		"dropped":     b.dropped,
		"panics":      b.panics,
		"queue_size":  b.queueSize,
	}
}

// Close stops the bus. Queued events are still delivered; Close waits for
// every subscriber goroutine to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
