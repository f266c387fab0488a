// Package memory provides the in-process fallback queue and stream adapters
// and the Broker they share.
//
// Streams are best-effort: a consumer group is a single shared cursor with a
// redelivery list for records whose handler failed. There is no partitioning
// and nothing survives the process.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Broker holds every in-memory queue and stream of a process, keyed by
// channel name. Each queue and stream has its own mutex.
type Broker struct {
	mu      sync.Mutex
	queues  map[string]*queue
	streams map[string]*stream
}

// NewBroker returns an empty Broker. Tests create one per case.
func NewBroker() *Broker {
	return &Broker{
		queues:  make(map[string]*queue),
		streams: make(map[string]*stream),
	}
}

var (
	defaultBrokerOnce sync.Once
	defaultBroker     *Broker
)

// DefaultBroker is the process-wide broker used when none is injected.
func DefaultBroker() *Broker {
	defaultBrokerOnce.Do(func() {
		defaultBroker = NewBroker()
	})

	return defaultBroker
}

type queueItem struct {
	id   string
	body []byte
}

type queue struct {
	mu       sync.Mutex
	ready    []queueItem
	inflight map[string][]queueItem
	signal   chan struct{}
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &queue{inflight: make(map[string][]queueItem), signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}

	return q
}

// Enqueue appends body to the named queue and returns the new depth.
func (b *Broker) Enqueue(name, id string, body []byte) int {
	q := b.queue(name)

	q.mu.Lock()
	q.ready = append(q.ready, queueItem{id: id, body: append([]byte(nil), body...)})
	depth := len(q.ready)
	q.mu.Unlock()

	q.notify()

	return depth
}

// QueueDepth returns the ready and in-flight counts of a queue.
func (b *Broker) QueueDepth(name string) (ready, inflight int) {
	q := b.queue(name)

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, copies := range q.inflight {
		inflight += len(copies)
	}

	return len(q.ready), inflight
}

// dequeue moves up to count ready items to in-flight, waiting up to timeout
// for the first one.
func (b *Broker) dequeue(ctx context.Context, name string, count int, timeout time.Duration) ([]queueItem, error) {
	if count <= 0 {
		return nil, nil
	}

	q := b.queue(name)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if items := q.take(count); len(items) > 0 {
			return items, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.take(count), nil
		case <-q.signal:
		}
	}
}

// Settle removes the oldest in-flight copy of id, putting it back at the
// head of the queue when requeue is set. It reports whether the id was in
// flight. Copies of a resent message are settled in delivery order.
func (b *Broker) Settle(name, id string, requeue bool) bool {
	q := b.queue(name)

	q.mu.Lock()

	copies := q.inflight[id]
	ok := len(copies) > 0

	if ok {
		item := copies[0]

		if len(copies) == 1 {
			delete(q.inflight, id)
		} else {
			q.inflight[id] = copies[1:]
		}

		if requeue {
			q.ready = append([]queueItem{item}, q.ready...)
		}
	}

	q.mu.Unlock()

	if ok && requeue {
		q.notify()
	}

	return ok
}

func (q *queue) take(count int) []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(count, len(q.ready))
	if n == 0 {
		return nil
	}

	items := make([]queueItem, n)
	copy(items, q.ready[:n])
	q.ready = q.ready[n:]

	for _, item := range items {
		q.inflight[item.id] = append(q.inflight[item.id], item)
	}

	if len(q.ready) > 0 {
		q.notify()
	}

	return items
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type streamEntry struct {
	id   string
	body []byte
}

type consumerGroup struct {
	next      int
	redeliver []int
}

type stream struct {
	mu      sync.Mutex
	entries []streamEntry
	groups  map[string]*consumerGroup
	signal  chan struct{}
}

func (b *Broker) stream(name string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*consumerGroup), signal: make(chan struct{}, 1)}
		b.streams[name] = s
	}

	return s
}

// Append adds a record to the named stream and returns its sequence id.
func (b *Broker) Append(name string, body []byte) string {
	s := b.stream(name)

	s.mu.Lock()
	id := strconv.Itoa(len(s.entries)+1) + "-0"
	s.entries = append(s.entries, streamEntry{id: id, body: append([]byte(nil), body...)})
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}

	return id
}

// StreamLength returns the number of records ever appended to a stream.
func (b *Broker) StreamLength(name string) int {
	s := b.stream(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// claim hands the next record to a group member. New groups start at the
// beginning of the stream.
func (s *stream) claim(group string) (int, streamEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		g = &consumerGroup{}
		s.groups[group] = g
	}

	if len(g.redeliver) > 0 {
		idx := g.redeliver[0]
		g.redeliver = g.redeliver[1:]

		return idx, s.entries[idx], true
	}

	if g.next >= len(s.entries) {
		return 0, streamEntry{}, false
	}

	idx := g.next
	g.next++

	return idx, s.entries[idx], true
}

func (s *stream) release(group string, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[group]; ok {
		g.redeliver = append(g.redeliver, idx)
	}
}
