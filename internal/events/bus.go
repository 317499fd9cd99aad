// Package events provides the per-job progress event bus: a bounded ring
// of recent events plus live fan-out to subscribers. New subscribers get
// the latest ring entry as a snapshot, then the live tail in seq order.
package events

import (
	"sync"
	"time"
)

// Event is one progress update for a job. Seq is strictly increasing per
// job; there is no cross-job ordering.
type Event struct {
	Seq         uint64    `json:"seq"`
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase"`
	Percent     int       `json:"percent"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// DefaultRingSize is the per-job ring capacity when none is configured.
const DefaultRingSize = 128

// defaultSubscriberBuffer is the per-subscriber send queue. A subscriber
// that falls this far behind is dropped and must reconnect to resync
// from the snapshot.
const defaultSubscriberBuffer = 32

// subscriber is one live event consumer.
type subscriber struct {
	ch     chan Event
	closed bool
}

// jobStream holds the ring and subscribers for a single job.
type jobStream struct {
	mu       sync.Mutex
	ring     []Event
	head     int // next write position
	size     int // number of valid entries
	seq      uint64
	subs     map[*subscriber]struct{}
	terminal bool
}

// Bus fans progress events out to per-job subscribers. Delivery is
// best-effort within a single process.
type Bus struct {
	mu       sync.RWMutex
	streams  map[string]*jobStream
	ringSize int
}

// NewBus creates a Bus with the given per-job ring capacity.
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Bus{
		streams:  make(map[string]*jobStream),
		ringSize: ringSize,
	}
}

// stream returns the jobStream for a job, creating it if needed.
func (b *Bus) stream(jobID string) *jobStream {
	b.mu.RLock()
	s, ok := b.streams[jobID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.streams[jobID]; ok {
		return s
	}
	s = &jobStream{
		ring: make([]Event, b.ringSize),
		subs: make(map[*subscriber]struct{}),
	}
	b.streams[jobID] = s
	return s
}

// Publish assigns the next seq to the event, appends it to the job's ring,
// and delivers it to all live subscribers. Subscribers whose queue is full
// are dropped rather than blocking the publisher.
func (b *Bus) Publish(jobID, status, phase string, percent int, description string) Event {
	s := b.stream(jobID)

	s.mu.Lock()
	s.seq++
	ev := Event{
		Seq:         s.seq,
		JobID:       jobID,
		Status:      status,
		Phase:       phase,
		Percent:     percent,
		Description: description,
		Timestamp:   time.Now(),
	}
	s.ring[s.head] = ev
	s.head = (s.head + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}

	var dropped []*subscriber
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(s.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	s.mu.Unlock()

	return ev
}

// Latest returns the most recent event for a job, if any.
func (b *Bus) Latest(jobID string) (Event, bool) {
	b.mu.RLock()
	s, ok := b.streams[jobID]
	b.mu.RUnlock()
	if !ok {
		return Event{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return Event{}, false
	}
	last := (s.head - 1 + len(s.ring)) % len(s.ring)
	return s.ring[last], true
}

// Subscribe registers a consumer for a job's events. The returned channel
// first yields the current snapshot (the latest ring entry, when one
// exists) and then the live tail with strictly increasing seq. The cancel
// function detaches the subscriber; the channel is closed on cancel or
// when the subscriber is dropped for falling behind. Subscribing after
// CloseJob yields the snapshot and an already closed channel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	s := b.stream(jobID)
	sub := &subscriber{ch: make(chan Event, defaultSubscriberBuffer)}

	s.mu.Lock()
	if s.size > 0 {
		last := (s.head - 1 + len(s.ring)) % len(s.ring)
		sub.ch <- s.ring[last]
	}
	if s.terminal {
		// The final event is already in the ring; the snapshot is all a
		// late subscriber will ever get.
		sub.closed = true
		close(sub.ch)
	} else {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// CloseJob marks a job's stream terminal and disconnects its subscribers
// once the final event has been delivered. Subsequent subscribers still
// receive the snapshot.
func (b *Bus) CloseJob(jobID string) {
	b.mu.RLock()
	s, ok := b.streams[jobID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.terminal = true
	for sub := range s.subs {
		delete(s.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	s.mu.Unlock()
}
