package cache

import (
	"context"
	"runtime/debug"
)

// flight is the single-assignment slot for one in-progress computation.
// result, disposition, hit, stored and err are written once before done is
// closed and are read-only afterwards.
type flight struct {
	done        chan struct{}
	result      *CacheEntry
	disposition Disposition
	hit         bool
	stored      bool
	err         error
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

// run executes fn, recording its outcome. Panics become a PanicError so
// that waiters are always released.
func (f *flight) run(ctx context.Context, fn ComputeFunc) {
	defer func() {
		if r := recover(); r != nil {
			f.result = nil
			f.disposition = Unshareable
			f.err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	f.result, f.disposition, f.err = fn(ctx)
}

// wait blocks until the flight completes or ctx is done.
func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shareable reports whether a completed flight may be handed to callers
// other than the one that started it.
func (f *flight) shareable() bool {
	return f.err != nil || f.hit || f.disposition >= Shareable
}

// outcome returns the caller's own copy of a completed flight's result.
func (f *flight) outcome(coalesced bool) (*CacheEntry, Outcome, error) {
	if f.err != nil {
		return nil, Outcome{Coalesced: coalesced}, f.err
	}
	return f.result.Clone(), Outcome{Hit: f.hit, Coalesced: coalesced, Stored: f.stored}, nil
}
