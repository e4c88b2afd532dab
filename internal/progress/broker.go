// Package progress fans out job progress events to live subscribers.
// Delivery is best-effort: a slow subscriber loses its oldest events and a
// publish never blocks the caller.
package progress

import (
	"context"
	"sync"

	"github.com/tecnicocursos/render-api/internal/model"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 32

// Broker delivers events to subscribers of a job id.
type Broker interface {
	Publish(ctx context.Context, event model.ProgressEvent)
	Subscribe(jobID string) *Subscription
	Unsubscribe(sub *Subscription)
}

// Subscription receives events for one job until it is unsubscribed.
type Subscription struct {
	JobID string

	mu      sync.Mutex
	ch      chan model.ProgressEvent
	closed  bool
	dropped int
}

func newSubscription(jobID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscription{JobID: jobID, ch: make(chan model.ProgressEvent, buffer)}
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan model.ProgressEvent {
	return s.ch
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues ev, evicting the oldest buffered event when full.
func (s *Subscription) offer(ev model.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LocalBroker fans out within one process.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewLocalBroker(buffer int) *LocalBroker {
	return &LocalBroker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (b *LocalBroker) Subscribe(jobID string) *Subscription {
	sub := newSubscription(jobID, b.buffer)
	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe closes sub and drops the job entry once it has no subscribers.
func (b *LocalBroker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.JobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.JobID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *LocalBroker) Publish(_ context.Context, event model.ProgressEvent) {
	b.mu.RLock()
	set := b.subs[event.JobID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.offer(event)
	}
}

// ActiveJobs returns how many jobs currently have subscribers.
func (b *LocalBroker) ActiveJobs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
