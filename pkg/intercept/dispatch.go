// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import (
	"context"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/guard"
	"go.uber.org/zap"
)

// observe runs steps 1-3 of the dispatcher protocol for the named entry
// point. The guard is released before observe returns, on every path.
// snapshot copies the salient arguments into the record.
func (h *Hooks) observe(ctx context.Context, name string, snapshot func(rec *capture.Record)) {
	s := h.sites[name]
	s.calls.Add(1)

	ctx, g := guard.Ensure(ctx)
	if g.IsInside() {
		s.suppressed.Add(1)
		return
	}

	g.Acquire()
	defer g.Release()
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			h.logger.Debug("trace capture panicked", zap.String("api", name), zap.Any("panic", r))
		}
	}()

	if h.sw != nil && !h.sw.Enabled() {
		s.dormant.Add(1)
		return
	}

	// skip observe and the dispatcher: frame 0 is the dispatcher's caller
	stack := h.tracer.CaptureStack(2)

	rec := capture.NewRecord(name)
	rec.Stack = stack
	rec.Caller = stack.Top()
	snapshot(rec)

	if err := h.tracer.Emit(ctx, rec); err != nil {
		s.failed.Add(1)
		h.logger.Debug("trace emit failed", zap.String("api", name), zap.Error(err))
		return
	}
	s.traced.Add(1)
}
