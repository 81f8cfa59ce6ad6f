// Copyright 2025 James Ross
package bus

import (
	"sync"
	"time"

	"github.com/kelsjon3/stablequeue/internal/queue"
)

// ProgressFrame is the ephemeral per-tick update published by a Monitor.
type ProgressFrame struct {
	JobID           string
	Percent         float64
	PreviewFilename string
	CurrentStep     int
	TotalSteps      int
	Timestamp       time.Time
}

// JobSnapshot is published whenever a queue mutation changes a job's
// status or other externally visible field.
type JobSnapshot struct {
	JobID         string
	Status        queue.Status
	TargetBackend string
	UpdatedAt     time.Time
}

// EventKind discriminates the two event shapes a subscriber receives.
type EventKind int

const (
	JobChangedKind EventKind = iota
	JobProgressKind
)

// Event is the envelope delivered to subscribers; exactly one of
// Snapshot/Frame is populated depending on Kind.
type Event struct {
	Kind     EventKind
	Snapshot JobSnapshot
	Frame    ProgressFrame
}

// Subscriber is a bounded, best-effort delivery channel. On overflow the
// oldest undelivered event is dropped for that subscriber only.
type Subscriber struct {
	id     uint64
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is an in-process broadcast channel for job lifecycle events. It
// holds no durable state; restart loses undelivered events by design.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64
	bufferSize  int
}

func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{subscribers: make(map[uint64]*Subscriber), bufferSize: bufferSize}
}

// Subscribe registers a new Subscriber. Callers must call Unsubscribe
// when done to release the channel.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscriber{id: b.nextID, ch: make(chan Event, b.bufferSize)}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
	sub.close()
}

func (b *Bus) PublishJobChanged(snap JobSnapshot) {
	b.publish(Event{Kind: JobChangedKind, Snapshot: snap})
}

func (b *Bus) PublishJobProgress(frame ProgressFrame) {
	b.publish(Event{Kind: JobProgressKind, Frame: frame})
}

func (b *Bus) publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		deliver(sub, evt)
	}
}

// deliver drops the oldest buffered event for this subscriber, never
// globally, when its buffer is full.
func deliver(sub *Subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- evt:
	default:
	}
}

// SubscriberCount reports the current number of attached subscribers,
// used for idle/health sampling.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
