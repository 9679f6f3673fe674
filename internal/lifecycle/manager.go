// Package lifecycle coordinates background goroutines for the tracker
// and peer servers: accept loops, periodic tickers, and shutdown.
package lifecycle

import (
	"context"
	"net"
	"sync"
	"time"
)

// Manager owns a cancellable context and a WaitGroup over every
// goroutine it starts. Stop cancels the context and waits for all of
// them, giving both servers a single shutdown point.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager whose context is derived from parent.
func New(parent context.Context) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel}
}

// Context returns the manager's context. It is cancelled by Stop.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done is shorthand for Context().Done().
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Go starts a tracked goroutine. fn should return when ctx is done.
func (m *Manager) Go(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// RunTicker runs fn every interval until the manager stops. The first
// run happens one interval after the call, not immediately.
func (m *Manager) RunTicker(interval time.Duration, fn func()) {
	m.Go(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	})
}

// GoAccept runs an accept loop on ln, handling each connection in its
// own tracked goroutine. The listener is closed when the manager stops,
// which unblocks Accept; transient accept errors are retried after a
// short pause. Connections are closed after handle returns.
func (m *Manager) GoAccept(ln net.Listener, handle func(ctx context.Context, conn net.Conn)) {
	m.Go(func(ctx context.Context) {
		<-ctx.Done()
		ln.Close()
	})

	m.Go(func(ctx context.Context) {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}

			// The accept goroutine still holds its own WaitGroup slot,
			// so adding here cannot race a finishing Wait.
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				defer conn.Close()
				handle(ctx, conn)
			}()
		}
	})
}

// Stop cancels the context and waits for every tracked goroutine.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// StopWithTimeout cancels the context and waits up to timeout for the
// goroutines to finish. Returns context.DeadlineExceeded if they do not.
func (m *Manager) StopWithTimeout(timeout time.Duration) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return context.DeadlineExceeded
	}
}
