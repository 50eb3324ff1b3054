// Package keymutex implements a registry of cooperative mutexes keyed by
// string (e.g. "agent:Mara"). One holder owns a key at a time; contenders
// queue FIFO so the first waiter is granted first and worst-case wait stays
// bounded. Waiting is goroutine-cooperative (channel based), never
// OS-thread-blocking.
package keymutex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LockTimeoutError reports that a key could not be acquired within the
// caller's budget. Recoverable: the caller decides whether to retry or
// surface the failure; the registry never retries on its own.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %q not acquired within %s", e.Key, e.Timeout)
}

// IsLockTimeout reports whether err is a lock timeout.
// Uses errors.As to handle wrapped errors.
func IsLockTimeout(err error) bool {
	var lte *LockTimeoutError
	return errors.As(err, &lte)
}

// Registry grants exclusive ownership of string keys.
type Registry struct {
	mu     sync.Mutex
	keys   map[string]*keyState
	onWait func(key string)
}

// keyState tracks one key's holder and FIFO wait queue. The state is
// removed from the registry map once it is neither held nor waited on.
type keyState struct {
	held    bool
	waiters []*waiter
}

type waiter struct {
	ready chan struct{} // closed when ownership is handed to this waiter
}

// Option configures a Registry.
type Option func(*Registry)

// WithWaitHook registers a callback invoked once per acquisition that had
// to queue behind an existing holder. Used by the store to count lock
// contention.
func WithWaitHook(fn func(key string)) Option {
	return func(r *Registry) { r.onWait = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{keys: make(map[string]*keyState)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Token represents ownership of one or more keys. Release is idempotent:
// releasing an already-released token is a no-op, never an error, so
// cleanup paths may release defensively without double-release bugs.
type Token struct {
	r    *Registry
	keys []string
	once sync.Once
}

// Release returns all keys held by the token to the registry, waking the
// next FIFO waiter on each.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.r.mu.Lock()
		defer t.r.mu.Unlock()
		for _, key := range t.keys {
			t.r.releaseLocked(key)
		}
	})
}

// Acquire obtains exclusive ownership of a single key, queueing FIFO behind
// any current holder. It fails with *LockTimeoutError once timeout elapses,
// or with ctx.Err() if the context is cancelled first.
func (r *Registry) Acquire(ctx context.Context, key string, timeout time.Duration) (*Token, error) {
	return r.AcquireAll(ctx, []string{key}, timeout)
}

// AcquireAll obtains exclusive ownership of every key in keys.
//
// Keys are deduplicated and acquired in lexicographic order, so two
// transactions locking the same key set in different caller orders can
// never deadlock against each other. The timeout budget is shared across
// the whole set, not per key. On failure, any keys already acquired are
// released before the error is returned.
func (r *Registry) AcquireAll(ctx context.Context, keys []string, timeout time.Duration) (*Token, error) {
	if len(keys) == 0 {
		return nil, errors.New("acquire: no keys given")
	}
	ordered := normalizeKeys(keys)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acquired := make([]string, 0, len(ordered))
	for _, key := range ordered {
		if err := r.acquireOne(waitCtx, key); err != nil {
			r.mu.Lock()
			for _, held := range acquired {
				r.releaseLocked(held)
			}
			r.mu.Unlock()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &LockTimeoutError{Key: key, Timeout: timeout}
		}
		acquired = append(acquired, key)
	}
	return &Token{r: r, keys: acquired}, nil
}

// acquireOne takes ownership of a single key or fails when waitCtx expires.
func (r *Registry) acquireOne(waitCtx context.Context, key string) error {
	r.mu.Lock()
	ks := r.keys[key]
	if ks == nil {
		ks = &keyState{}
		r.keys[key] = ks
	}
	// Fast path: free key with no queue.
	if !ks.held && len(ks.waiters) == 0 {
		ks.held = true
		r.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	ks.waiters = append(ks.waiters, w)
	r.mu.Unlock()

	if r.onWait != nil {
		r.onWait(key)
	}

	select {
	case <-w.ready:
		return nil
	case <-waitCtx.Done():
	}

	// Timed out. Ownership may still have been handed over concurrently;
	// if so we now hold the key and must pass it on, otherwise we just
	// leave the queue.
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-w.ready:
		r.releaseLocked(key)
	default:
		r.removeWaiterLocked(key, w)
	}
	return waitCtx.Err()
}

// releaseLocked hands the key to the first waiter, or frees it entirely.
// Caller holds r.mu.
func (r *Registry) releaseLocked(key string) {
	ks := r.keys[key]
	if ks == nil || !ks.held {
		return
	}
	if len(ks.waiters) > 0 {
		next := ks.waiters[0]
		ks.waiters[0] = nil
		ks.waiters = ks.waiters[1:]
		close(next.ready) // ownership transfers; held stays true
		return
	}
	delete(r.keys, key)
}

// removeWaiterLocked drops a timed-out waiter from the queue.
// Caller holds r.mu.
func (r *Registry) removeWaiterLocked(key string, w *waiter) {
	ks := r.keys[key]
	if ks == nil {
		return
	}
	for i, cand := range ks.waiters {
		if cand == w {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			break
		}
	}
	if !ks.held && len(ks.waiters) == 0 {
		delete(r.keys, key)
	}
}

// normalizeKeys sorts and deduplicates the requested key set.
func normalizeKeys(keys []string) []string {
	ordered := make([]string, len(keys))
	copy(ordered, keys)
	sort.Strings(ordered)
	out := ordered[:0]
	for i, k := range ordered {
		if i == 0 || k != ordered[i-1] {
			out = append(out, k)
		}
	}
	return out
}
