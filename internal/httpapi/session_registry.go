package httpapi

import (
	"context"
	"sync"
	"sync/atomic"
)

// SessionRegistry tracks live session connections and supports graceful
// draining. When draining, new connections are rejected while open ones
// finish naturally.
//
// mu makes the draining check and wg.Add atomic in Add, so no connection
// can be admitted after StartDraining returns.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Add registers a new connection. Returns false if the registry is draining.
func (sr *SessionRegistry) Add() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return false
	}
	sr.wg.Add(1)
	sr.count.Add(1)
	return true
}

// Done marks a connection as closed. Must be called exactly once per successful Add.
func (sr *SessionRegistry) Done() {
	sr.count.Add(-1)
	sr.wg.Done()
}

// StartDraining makes future Add calls return false.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of open connections.
func (sr *SessionRegistry) ActiveCount() int64 {
	return sr.count.Load()
}

// Wait blocks until every connection has closed or ctx is done.
func (sr *SessionRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
