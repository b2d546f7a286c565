// Package handle enforces single-owner lifetimes for native resource handles.
//
// Every handle obtained from a driver is wrapped in an Owned exactly once via
// Registry.Acquire. The Owned is the only thing allowed to free the handle, and
// it does so at most once. Code that needs to observe a handle without owning
// it takes a Ref, which checks liveness on every use:
//
//	owned, err := reg.Acquire(raw)
//	if err != nil {
//	    return err
//	}
//	defer owned.Release()
//
//	err = owned.Ref().Use(func(h driver.Dom) error {
//	    // h is guaranteed live until this function returns
//	    return nil
//	})
//
// Release takes the handle's write lock, so it waits for every Use in flight
// and no Use can start on a released handle.
package handle

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrInvalidHandle is returned by Acquire for the null handle.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrStaleHandle is returned when a released handle is used.
	ErrStaleHandle = errors.New("stale handle")
	// ErrDoubleRelease is returned when a handle is released a second time.
	// It always indicates a programming error in the caller.
	ErrDoubleRelease = errors.New("handle already released")
)

// Registry tracks the live handles of one kind and knows how to free them.
type Registry[H comparable] struct {
	free func(H) error
	live atomic.Int64
}

// NewRegistry returns a Registry that frees handles with free.
func NewRegistry[H comparable](free func(H) error) *Registry[H] {
	return &Registry[H]{free: free}
}

// Acquire takes ownership of raw. It fails with ErrInvalidHandle if raw is the
// zero value; the caller should consult the driver's last error for the cause.
func (r *Registry[H]) Acquire(raw H) (*Owned[H], error) {
	var zero H
	if raw == zero {
		return nil, ErrInvalidHandle
	}
	r.live.Add(1)
	return &Owned[H]{reg: r, raw: raw}, nil
}

// Live returns the number of acquired handles not yet released.
func (r *Registry[H]) Live() int {
	return int(r.live.Load())
}

// Owned is the exclusive owner of one handle.
type Owned[H comparable] struct {
	reg *Registry[H]

	mu       sync.RWMutex
	raw      H
	released bool
}

// Release frees the handle. The handle is considered consumed even if the
// free function reports an error. A second Release returns ErrDoubleRelease
// and never calls the free function again.
func (o *Owned[H]) Release() error {
	raw, err := o.consume()
	if err != nil {
		return err
	}
	if o.reg.free == nil {
		return nil
	}
	return o.reg.free(raw)
}

// Disown marks the handle released without freeing it and returns the raw
// value. Use it when ownership moves to something outside the registry.
func (o *Owned[H]) Disown() (H, error) {
	return o.consume()
}

func (o *Owned[H]) consume() (H, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var zero H
	if o.released {
		return zero, ErrDoubleRelease
	}
	raw := o.raw
	o.raw = zero
	o.released = true
	o.reg.live.Add(-1)
	return raw, nil
}

// Released reports whether the handle has been released.
func (o *Owned[H]) Released() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.released
}

// Ref returns a non-owning reference to the handle.
func (o *Owned[H]) Ref() Ref[H] {
	return Ref[H]{owner: o}
}

// Ref is a non-owning reference. It never frees the handle.
type Ref[H comparable] struct {
	owner *Owned[H]
}

// Use calls fn with the raw handle while holding the handle live. It returns
// ErrStaleHandle if the handle was released.
func (r Ref[H]) Use(fn func(H) error) error {
	if r.owner == nil {
		return ErrInvalidHandle
	}
	r.owner.mu.RLock()
	defer r.owner.mu.RUnlock()
	if r.owner.released {
		return ErrStaleHandle
	}
	return fn(r.owner.raw)
}
