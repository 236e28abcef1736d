// Package blocking implements the BLPOP waiter registry described in
// spec.md §4.4/§4.8: one FIFO queue of waiters per list key, woken either
// by a matching push (handed off atomically through store.WaiterHandoff)
// or by its own timeout, whichever comes first, with at-most-once
// delivery.
package blocking

import (
	"context"
	"sync"
	"time"

	"github.com/kvredis/kvredis/internal/metrics"
)

// sweepInterval bounds how late a timed-out waiter can be noticed and
// removed from its queue when no push ever arrives for its key.
const sweepInterval = 50 * time.Millisecond

// Result is what a waiter receives: either a popped element (Key/Value,
// Woken true) or a timeout (Woken false).
type Result struct {
	Key   string
	Value []byte
	Woken bool
}

type waiter struct {
	ch      chan Result
	expires time.Time // zero means "wait forever"
}

// Registry tracks one FIFO waiter queue per list key. It implements
// store.WaiterHandoff so a Keyspace push can hand an element directly to
// the oldest waiter before the push's own reply is observable.
type Registry struct {
	mu      sync.Mutex
	waiters map[string][]*waiter

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New returns a registry with its timeout sweeper running in the
// background. Call Close to stop it.
func New() *Registry {
	r := &Registry{
		waiters: make(map[string][]*waiter),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the background sweeper. Safe to call more than once.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

// Wait blocks the calling goroutine until either an element is handed to
// it for key, or timeout elapses (timeout == 0 means wait forever, per
// BLPOP's 0-timeout convention), or ctx is cancelled. It registers a
// waiter in FIFO order alongside any other already queued for key.
func (r *Registry) Wait(ctx context.Context, key string, timeout time.Duration) Result {
	w := &waiter{ch: make(chan Result, 1)}
	if timeout > 0 {
		w.expires = time.Now().Add(timeout)
	}

	r.mu.Lock()
	r.waiters[key] = append(r.waiters[key], w)
	r.reportWaitersLocked()
	r.mu.Unlock()

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case res := <-w.ch:
		return res
	case <-timerC:
		r.removeWaiter(key, w)
		select {
		case res := <-w.ch:
			// Delivered in the race between timer fire and removal; honor it.
			return res
		default:
			return Result{Key: key, Woken: false}
		}
	case <-ctx.Done():
		r.removeWaiter(key, w)
		return Result{Key: key, Woken: false}
	}
}

func (r *Registry) removeWaiter(key string, target *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.waiters[key]
	for i, w := range q {
		if w == target {
			r.waiters[key] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(r.waiters[key]) == 0 {
		delete(r.waiters, key)
	}
	r.reportWaitersLocked()
}

// reportWaitersLocked publishes the current total waiter count to the
// blocking-waiters gauge. Callers must hold r.mu.
func (r *Registry) reportWaitersLocked() {
	total := 0
	for _, q := range r.waiters {
		total += len(q)
	}
	metrics.BlockingWaitersSet(total)
}

// Deliver implements store.WaiterHandoff. It is called by Keyspace under
// its own write lock immediately after appending to the list at key; if
// there is a live waiter queued for key, Deliver pops one element via the
// supplied pop func and hands it to the oldest waiter, reporting
// delivered=true so the caller knows the pushed element never became
// visible in the list itself.
func (r *Registry) Deliver(key string, pop func() ([]byte, bool)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.waiters[key]
	if len(q) == 0 {
		return false
	}
	v, ok := pop()
	if !ok {
		return false
	}

	// All queue/channel mutation happens under r.mu, so the oldest waiter
	// is guaranteed not to have received a result yet.
	w := q[0]
	w.ch <- Result{Key: key, Value: v, Woken: true}
	if len(q) == 1 {
		delete(r.waiters, key)
	} else {
		r.waiters[key] = q[1:]
	}
	r.reportWaitersLocked()
	return true
}

// sweepLoop periodically evicts waiters whose deadline has passed but
// whose own timer goroutine hasn't yet run, keeping queues from
// accumulating stale entries under heavy timeout churn.
func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Registry) sweepExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, q := range r.waiters {
		live := q[:0:0]
		for _, w := range q {
			if !w.expires.IsZero() && !w.expires.After(now) {
				continue
			}
			live = append(live, w)
		}
		if len(live) == 0 {
			delete(r.waiters, key)
		} else {
			r.waiters[key] = live
		}
	}
	r.reportWaitersLocked()
}
