// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"
)

// InFlight tracks relays that are currently being processed so shutdown can
// wait for them. Once draining has started, Begin refuses new work.
type InFlight struct {
	mu       sync.Mutex
	count    int
	draining bool
	idle     chan struct{}
}

// NewInFlight creates an idle tracker.
func NewInFlight() *InFlight {
	return &InFlight{}
}

// Begin registers a new relay. It returns false if the tracker is draining,
// in which case the caller must drop the event and not call End.
func (f *InFlight) Begin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draining {
		return false
	}
	f.count++
	return true
}

// End marks a relay started with Begin as finished.
func (f *InFlight) End() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count--
	if f.count == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
}

// Active returns the number of relays in progress.
func (f *InFlight) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Drain stops accepting new relays and waits until in-progress ones finish or
// ctx is done. It returns ctx.Err() if relays were abandoned.
func (f *InFlight) Drain(ctx context.Context) error {
	f.mu.Lock()
	f.draining = true
	if f.count == 0 {
		f.mu.Unlock()
		return nil
	}
	if f.idle == nil {
		f.idle = make(chan struct{})
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
