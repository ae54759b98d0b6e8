package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// CancelToken is the shared stop flag pair read by every streaming loop.
//
// Cancel is sticky: once requested, no transfer writes another byte until
// Reset. Connections attached to the token get an expired deadline on
// Cancel, so a blocked read or write returns at once and the worst-case stop
// latency is the disk write of one in-flight chunk (at most BufferSize bytes).
type CancelToken struct {
	running         atomic.Bool
	cancelRequested atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewCancelToken returns a token with no cancellation requested.
func NewCancelToken() *CancelToken {
	return &CancelToken{conns: make(map[net.Conn]struct{})}
}

// Cancel requests that every active transfer stop.
func (t *CancelToken) Cancel() {
	t.cancelRequested.Store(true)
	t.running.Store(false)

	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.conns {
		_ = conn.SetDeadline(time.Now())
	}
}

// Reset clears a previous cancellation.
func (t *CancelToken) Reset() {
	t.cancelRequested.Store(false)
}

// CancelRequested reports whether Cancel was called since the last Reset.
func (t *CancelToken) CancelRequested() bool {
	return t.cancelRequested.Load()
}

// Running reports whether a transfer loop may keep going.
func (t *CancelToken) Running() bool {
	return t.running.Load() && !t.cancelRequested.Load()
}

// Begin marks a transfer as running. It returns false when cancellation is
// already requested.
func (t *CancelToken) Begin() bool {
	if t.cancelRequested.Load() {
		return false
	}
	t.running.Store(true)
	return !t.cancelRequested.Load()
}

// Attach registers conn for interruption on Cancel or when ctx ends. The
// returned release func must be called once the transfer finishes.
func (t *CancelToken) Attach(ctx context.Context, conn net.Conn) (release func()) {
	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[net.Conn]struct{})
	}
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	if t.cancelRequested.Load() {
		_ = conn.SetDeadline(time.Now())
	}

	return func() {
		stop()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}
}

// stopped reports whether the loop for ctx must stop: cancellation was
// requested, the running flag was cleared, or ctx ended. Only loops that
// passed Begin may call it.
func (t *CancelToken) stopped(ctx context.Context) bool {
	return !t.Running() || ctx.Err() != nil
}
