// Package queue orders which worker gets to try a job next. Delivery is
// at-least-once: a claim holds a lease that returns the entry to the queue
// when it expires.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tecnicocursos/render-api/internal/model"
)

var (
	// ErrEmpty is returned by Claim when nothing is waiting.
	ErrEmpty = errors.New("queue is empty")
	// ErrLeaseLost means the lease expired and was reclaimed or already settled.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is a time-bounded claim on one entry.
type Lease struct {
	Entry     model.QueueEntry
	Owner     string
	Token     string
	ExpiresAt time.Time
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Pending int64
	Leased  int64
	ByQueue map[string]int64
}

// Enqueuer accepts new entries.
type Enqueuer interface {
	Push(ctx context.Context, entry model.QueueEntry) error
}

// StatsReader reports queue depth.
type StatsReader interface {
	Stats(ctx context.Context) (Stats, error)
}

// Queue is a lease-based work queue consumed by the worker pool.
type Queue interface {
	Enqueuer
	StatsReader
	Claim(ctx context.Context, owner string, ttl time.Duration) (*Lease, error)
	Extend(ctx context.Context, lease *Lease, ttl time.Duration) error
	Ack(ctx context.Context, lease *Lease) error
	Release(ctx context.Context, lease *Lease) error
	// ReclaimExpired returns entries whose lease ended before now.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}

// score orders entries by priority rank first, then enqueue time.
func score(entry model.QueueEntry) float64 {
	return float64(entry.Priority.Rank())*1e13 + float64(entry.EnqueuedAt.UnixMilli())
}
