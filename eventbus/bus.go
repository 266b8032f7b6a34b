// Package eventbus is a topic-per-job publish/subscribe broker.
//
// Publishing never blocks: each subscriber owns a bounded queue and a
// subscriber that falls behind is cut loose rather than slowing the
// publisher or its peers. Each topic retains a bounded ring of recent
// events so late joiners can replay the tail before going live.
package eventbus

import (
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/4406arthur/verity/domain"
)

var (
	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verity_bus_events_published_total",
		Help: "The total number of events appended to topics",
	})
	subscriberOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verity_bus_subscriber_overflows_total",
		Help: "The number of subscribers disconnected for falling behind",
	})
)

//CloseReason explains why a subscription's channel was closed.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonUnsubscribed
	ReasonOverflow
	ReasonRetired
)

//Subscription is one subscriber's handle on a topic. C is closed when the
//subscriber is removed for any reason; Reason tells the consumer which.
type Subscription struct {
	JobID string
	ID    string
	C     chan domain.Event

	mu     sync.Mutex
	closed bool
	reason CloseReason
}

//Reason ...
func (s *Subscription) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) close(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.C)
}

type topic struct {
	mu   sync.Mutex
	ring []domain.Event
	cap  int
	subs map[string]*Subscription
	sent uint64
}

func (t *topic) retain(ev domain.Event) {
	if len(t.ring) == t.cap {
		// drop-oldest; late joiners only ever need the recent tail
		copy(t.ring, t.ring[1:])
		t.ring[len(t.ring)-1] = ev
		return
	}
	t.ring = append(t.ring, ev)
}

//Bus fans events out to the subscribers of each job topic.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]*topic
	bufferCap int
	queueCap  int
}

//New builds a Bus. bufferCap bounds the retained ring per topic, queueCap
//bounds each subscriber's outbound queue.
func New(bufferCap, queueCap int) *Bus {
	if bufferCap <= 0 {
		bufferCap = 50
	}
	if queueCap <= 0 {
		queueCap = 64
	}
	return &Bus{
		topics:    make(map[string]*topic),
		bufferCap: bufferCap,
		queueCap:  queueCap,
	}
}

//CreateTopic registers the topic for a newly submitted job. Idempotent.
func (b *Bus) CreateTopic(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[jobID]; ok {
		return
	}
	b.topics[jobID] = &topic{
		ring: make([]domain.Event, 0, b.bufferCap),
		cap:  b.bufferCap,
		subs: make(map[string]*Subscription),
	}
}

//Publish appends the event to the topic's retained ring and delivers it to
//every current subscriber without blocking. A subscriber whose queue is full
//is removed and its channel closed with ReasonOverflow; other subscribers are
//unaffected. Returns ErrNotFound for an unknown or retired topic.
func (b *Bus) Publish(jobID string, ev domain.Event) error {
	b.mu.RLock()
	t, ok := b.topics[jobID]
	b.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.retain(ev)
	eventsPublished.Inc()

	for id, sub := range t.subs {
		select {
		case sub.C <- ev:
			t.sent++
		default:
			log.Printf("[Info] slow subscriber %s on job %s: disconnecting", id, jobID)
			delete(t.subs, id)
			subscriberOverflows.Inc()
			sub.close(ReasonOverflow)
		}
	}
	return nil
}

//Subscribe registers a subscriber and returns its subscription together with
//the retained replay. The snapshot and the registration happen under the
//topic lock, so the caller sees the replay followed by every later event with
//no gap and no overlap.
func (b *Bus) Subscribe(jobID, subID string) (*Subscription, []domain.Event, error) {
	b.mu.RLock()
	t, ok := b.topics[jobID]
	b.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.subs[subID]; ok {
		old.close(ReasonUnsubscribed)
	}

	sub := &Subscription{
		JobID: jobID,
		ID:    subID,
		C:     make(chan domain.Event, b.queueCap),
	}
	t.subs[subID] = sub

	replay := make([]domain.Event, len(t.ring))
	copy(replay, t.ring)
	return sub, replay, nil
}

//Unsubscribe removes a subscriber. Idempotent: unknown topics and unknown
//subscriber ids are no-ops.
func (b *Bus) Unsubscribe(jobID, subID string) {
	b.mu.RLock()
	t, ok := b.topics[jobID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[subID]; ok {
		delete(t.subs, subID)
		sub.close(ReasonUnsubscribed)
	}
}

//Retire frees a terminal job's topic and its buffer. Remaining subscribers
//are closed with ReasonRetired.
func (b *Bus) Retire(jobID string) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.close(ReasonRetired)
	}
}

//Stats is a point-in-time snapshot of one topic.
type Stats struct {
	Retained    int
	Subscribers int
	Sent        uint64
}

//TopicStats returns the stats for one job topic.
func (b *Bus) TopicStats(jobID string) (Stats, bool) {
	b.mu.RLock()
	t, ok := b.topics[jobID]
	b.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Retained: len(t.ring), Subscribers: len(t.subs), Sent: t.sent}, true
}
