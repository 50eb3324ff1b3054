// Package serialqueue guarantees at most one in-flight operation per
// external key, in submission order. It is a caller-side utility: upstream
// code (e.g. "one conversational turn per agent at a time") uses it to keep
// overlapping requests for the same subject from ever racing into the
// store, while distinct keys run fully concurrently.
package serialqueue

import (
	"context"
	"sync"
)

// Queue serializes operations per key. The zero value is not usable; call
// New.
type Queue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{tails: make(map[string]chan struct{})}
}

// Do runs fn once every previously submitted operation for key has fully
// finished (success or failure). Submission order is the order of Do calls;
// a failing predecessor never blocks its successors. If ctx is cancelled
// while waiting for a turn, fn does not run and ctx.Err() is returned; the
// slot still advances.
func (q *Queue) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	turn, done := q.enqueue(key)

	if turn != nil {
		select {
		case <-turn:
		case <-ctx.Done():
			// Abandon the turn without running fn, but only hand the
			// slot to the successor once the predecessor is done,
			// otherwise cancellation would let two operations for the
			// same key overlap.
			go func() {
				<-turn
				done()
			}()
			return ctx.Err()
		}
	}

	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, q *Queue, key string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := q.Do(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// enqueue claims the next slot for key. It returns the predecessor's done
// channel (nil when the key is idle) and a completion func that must be
// called exactly once to hand the slot to the successor.
func (q *Queue) enqueue(key string) (turn <-chan struct{}, done func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.tails[key]
	mine := make(chan struct{})
	q.tails[key] = mine

	return prev, func() {
		close(mine)
		q.mu.Lock()
		defer q.mu.Unlock()
		// Drop the key once the last queued operation finished, so the
		// map does not grow with one entry per key ever seen.
		if q.tails[key] == mine {
			delete(q.tails, key)
		}
	}
}

// PendingKeys returns the number of keys with in-flight or queued work.
// Intended for tests and health reporting.
func (q *Queue) PendingKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
