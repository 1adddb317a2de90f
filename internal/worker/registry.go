package worker

import (
	"context"
	"sync"
)

type invocationHandle struct {
	cancel context.CancelFunc
}

// Registry tracks in-flight worker invocations by conversation so a stop
// request can cancel them. It is an injected service, constructed once at
// startup and shared by the webhook path and the stop endpoint.
type Registry struct {
	mu      sync.Mutex
	running map[int64]*invocationHandle
}

// NewRegistry creates an empty invocation registry
func NewRegistry() *Registry {
	return &Registry{running: make(map[int64]*invocationHandle)}
}

// Begin derives a cancellable context for an invocation on the given
// conversation and registers its handle. The returned done func must be
// called when the invocation finishes, cancelled or not.
func (r *Registry) Begin(ctx context.Context, conversationID int64) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	handle := &invocationHandle{cancel: cancel}

	r.mu.Lock()
	// A second delivery for the same conversation replaces the handle; the
	// earlier invocation keeps running but can no longer be stopped. Known
	// gap, matching the no-per-thread-lock concurrency model.
	r.running[conversationID] = handle
	r.mu.Unlock()

	done := func() {
		r.mu.Lock()
		if r.running[conversationID] == handle {
			delete(r.running, conversationID)
		}
		r.mu.Unlock()
		cancel()
	}
	return ctx, done
}

// Cancel stops the in-flight invocation for a conversation, if any.
// Reports whether a running invocation was found.
func (r *Registry) Cancel(conversationID int64) bool {
	r.mu.Lock()
	handle, ok := r.running[conversationID]
	if ok {
		delete(r.running, conversationID)
	}
	r.mu.Unlock()

	if ok {
		handle.cancel()
	}
	return ok
}

// Running returns the number of in-flight invocations
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
