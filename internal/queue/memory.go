package queue

import (
	"context"
	"sync"
	"time"
)

// Memory implements Queue in process, with the same ready, scheduled,
// in-flight, and dead-letter partitions as the Redis backing. It exists
// for tests and single-node development.
type Memory struct {
	mu            sync.Mutex
	ready         []string
	scheduled     map[string]time.Time
	inflight      map[string]time.Time
	dlq           []string
	visibilityTTL time.Duration
	closed        bool
}

// NewMemory builds an in-process queue with the given visibility window.
func NewMemory(visibility time.Duration) *Memory {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Memory{
		scheduled:     make(map[string]time.Time),
		inflight:      make(map[string]time.Time),
		visibilityTTL: visibility,
	}
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Memory) Enqueue(_ context.Context, jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrUnavailable
	}
	if runAt.After(time.Now()) {
		q.scheduled[jobID] = runAt
	} else {
		q.ready = append(q.ready, jobID)
	}
	return nil
}

func (q *Memory) Dequeue(_ context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrUnavailable
	}
	if len(q.ready) == 0 {
		return "", nil
	}
	jobID := q.ready[0]
	q.ready = q.ready[1:]
	q.inflight[jobID] = time.Now().Add(q.visibilityTTL)
	return jobID, nil
}

func (q *Memory) ExtendLease(_ context.Context, jobID string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[jobID]; ok {
		q.inflight[jobID] = time.Now().Add(extension)
	}
	return nil
}

func (q *Memory) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
	return nil
}

func (q *Memory) Retry(_ context.Context, jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrUnavailable
	}
	q.scheduled[jobID] = runAt
	return nil
}

func (q *Memory) PromoteScheduled(_ context.Context, now time.Time, limit int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	promoted := 0
	for id, due := range q.scheduled {
		if int64(promoted) >= limit {
			break
		}
		if !due.After(now) {
			delete(q.scheduled, id)
			q.ready = append(q.ready, id)
			promoted++
		}
	}
	return promoted, nil
}

func (q *Memory) ReclaimExpired(_ context.Context, now time.Time, limit int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var reclaimed []string
	for id, deadline := range q.inflight {
		if int64(len(reclaimed)) >= limit {
			break
		}
		if !deadline.After(now) {
			delete(q.inflight, id)
			q.ready = append(q.ready, id)
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

func (q *Memory) DeadLetter(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, jobID)
	return nil
}

func (q *Memory) DeadLetters(_ context.Context, count int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.dlq))
	if count < n {
		n = count
	}
	out := make([]string, n)
	copy(out, q.dlq[:n])
	return out, nil
}

func (q *Memory) RemoveDeadLetter(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.dlq[:0]
	for _, id := range q.dlq {
		if id != jobID {
			out = append(out, id)
		}
	}
	q.dlq = out
	return nil
}

func (q *Memory) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}
