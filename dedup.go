package touriquest

import (
	"context"
	"sync"
	"sync/atomic"
)

// PendingCall represents one in-flight physical call shared between all
// callers that requested the same fingerprint while it was running. It is
// created when the first caller arrives and destroyed the moment the call
// settles, fanning the result out to every waiter.
type PendingCall struct {
	done    chan struct{}
	resp    *Response
	err     error
	waiters int64

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// bindCancel attaches the cancel function of the underlying physical call.
// If every waiter already left before the owner got here, the call is
// cancelled immediately.
func (pc *PendingCall) bindCancel(cancel context.CancelFunc) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cancel = cancel
	if pc.cancelled {
		cancel()
	}
}

// leave detaches one waiter. The physical call is cancelled only when the
// last interested waiter departs.
func (pc *PendingCall) leave() {
	if atomic.AddInt64(&pc.waiters, -1) > 0 {
		return
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cancelled = true
	if pc.cancel != nil {
		pc.cancel()
	}
}

// Wait blocks until the shared call settles or ctx is cancelled.
// Cancellation is per-waiter: it never aborts the call for other waiters.
func (pc *PendingCall) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-pc.done:
		return pc.resp, pc.err
	case <-ctx.Done():
		pc.leave()
		return nil, ctx.Err()
	}
}

// DeduplicationRegistry collapses concurrently issued identical requests
// into one physical call. At most one PendingCall exists per fingerprint at
// any time.
type DeduplicationRegistry struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
}

// NewDeduplicationRegistry returns an empty registry.
func NewDeduplicationRegistry() *DeduplicationRegistry {
	return &DeduplicationRegistry{
		calls: make(map[string]*PendingCall),
	}
}

// JoinOrCreate returns the pending call for key. The second return value is
// true when the caller created the call and therefore owns executing it;
// false when it joined an existing one. Creation and join are atomic, so
// two simultaneous callers can never both become owners.
func (r *DeduplicationRegistry) JoinOrCreate(key string) (*PendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pc, exists := r.calls[key]; exists {
		atomic.AddInt64(&pc.waiters, 1)
		return pc, false
	}

	pc := &PendingCall{
		done:    make(chan struct{}),
		waiters: 1,
	}
	r.calls[key] = pc
	return pc, true
}

// Complete settles the pending call for key, releases every waiter and
// removes the call from the registry.
func (r *DeduplicationRegistry) Complete(key string, resp *Response, err error) {
	r.mu.Lock()
	pc, exists := r.calls[key]
	delete(r.calls, key)
	r.mu.Unlock()

	if !exists {
		return
	}

	pc.resp = resp
	pc.err = err
	close(pc.done)
}

// Len returns the number of in-flight fingerprints, for tests and stats.
func (r *DeduplicationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
