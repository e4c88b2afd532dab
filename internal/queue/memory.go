package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tecnicocursos/render-api/internal/model"
)

type pendingItem struct {
	entry model.QueueEntry
	seq   uint64
}

type pendingHeap []pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	si, sj := score(h[i].entry), score(h[j].entry)
	if si != sj {
		return si < sj
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(pendingItem)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type leaseState struct {
	entry     model.QueueEntry
	token     string
	expiresAt time.Time
}

// MemoryQueue is an in-process lease queue.
type MemoryQueue struct {
	mu      sync.Mutex
	pending pendingHeap
	queued  map[string]bool
	leased  map[string]*leaseState
	seq     uint64
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued: make(map[string]bool),
		leased: make(map[string]*leaseState),
		now:    time.Now,
	}
}

// Push is a no-op for a job that is already waiting or leased.
func (q *MemoryQueue) Push(_ context.Context, entry model.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[entry.JobID] || q.leased[entry.JobID] != nil {
		return nil
	}
	q.pushLocked(entry)
	return nil
}

func (q *MemoryQueue) pushLocked(entry model.QueueEntry) {
	q.seq++
	heap.Push(&q.pending, pendingItem{entry: entry, seq: q.seq})
	q.queued[entry.JobID] = true
}

func (q *MemoryQueue) Claim(_ context.Context, owner string, ttl time.Duration) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil, ErrEmpty
	}
	item := heap.Pop(&q.pending).(pendingItem)
	delete(q.queued, item.entry.JobID)

	st := &leaseState{
		entry:     item.entry,
		token:     uuid.NewString(),
		expiresAt: q.now().Add(ttl),
	}
	q.leased[item.entry.JobID] = st
	return &Lease{Entry: item.entry, Owner: owner, Token: st.token, ExpiresAt: st.expiresAt}, nil
}

func (q *MemoryQueue) holder(lease *Lease) (*leaseState, bool) {
	st, ok := q.leased[lease.Entry.JobID]
	if !ok || st.token != lease.Token {
		return nil, false
	}
	return st, true
}

func (q *MemoryQueue) Extend(_ context.Context, lease *Lease, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.holder(lease)
	if !ok {
		return ErrLeaseLost
	}
	st.expiresAt = q.now().Add(ttl)
	lease.ExpiresAt = st.expiresAt
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.holder(lease); !ok {
		return ErrLeaseLost
	}
	delete(q.leased, lease.Entry.JobID)
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.holder(lease)
	if !ok {
		return ErrLeaseLost
	}
	delete(q.leased, lease.Entry.JobID)
	q.pushLocked(st.entry)
	return nil
}

func (q *MemoryQueue) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, st := range q.leased {
		if st.expiresAt.After(now) {
			continue
		}
		delete(q.leased, id)
		q.pushLocked(st.entry)
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: int64(q.pending.Len()), Leased: int64(len(q.leased))}, nil
}
