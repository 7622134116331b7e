// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package guard implements the per-execution-context reentrancy guard used by
// the interception dispatchers.
//
// A State moves OUTSIDE -> Acquire -> INSIDE -> Release -> OUTSIDE. The
// dispatcher queries IsInside to decide whether to observe a call; it never
// blocks on the guard.
//
// The execution context is explicit: a State travels with a context.Context.
// Work started by the tracing machinery must reuse the context it was handed
// so that any intercepted call it makes is recognised as nested.
package guard

import (
	"context"
	"sync/atomic"
)

// State is the guard state of one execution context.
type State struct {
	depth atomic.Int32
}

// New returns a guard in the OUTSIDE state.
func New() *State {
	return &State{}
}

// Acquire marks the context INSIDE.
func (s *State) Acquire() {
	s.depth.Add(1)
}

// Release marks the context OUTSIDE again. Releasing an OUTSIDE guard is a
// no-op.
func (s *State) Release() {
	for {
		d := s.depth.Load()
		if d <= 0 {
			return
		}
		if s.depth.CompareAndSwap(d, d-1) {
			return
		}
	}
}

// IsInside reports whether the context is currently inside a dispatcher.
func (s *State) IsInside() bool {
	return s.depth.Load() > 0
}

type ctxKey struct{}

// With attaches s to ctx.
func With(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From returns the guard attached to ctx, if any.
func From(ctx context.Context) (*State, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(ctxKey{}).(*State)
	return s, ok && s != nil
}

// Ensure returns the guard attached to ctx. A context without one is a new
// execution context: a fresh guard is attached and the derived context
// returned.
func Ensure(ctx context.Context) (context.Context, *State) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s, ok := From(ctx); ok {
		return ctx, s
	}
	s := New()
	return With(ctx, s), s
}

// NewContext is shorthand for a background context carrying a fresh guard.
// Each goroutine that issues intercepted calls should own one.
func NewContext() context.Context {
	return With(context.Background(), New())
}
