// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Tracer is the capability the interception dispatchers consume: a stack
// snapshot and best-effort emission of a finished record.
type Tracer interface {
	CaptureStack(skip int) Stack
	Emit(ctx context.Context, rec *Record) error
}

// Pipeline is the default Tracer. It stamps process/thread identity and
// time onto each record and hands it to a sink.
type Pipeline struct {
	sink  Sink
	depth int
	pid   uint32
	now   func() time.Time
}

// NewPipeline creates a tracer emitting to sink. depth limits the number of
// frames kept per stack (0 or more than MaxFrames means MaxFrames).
func NewPipeline(sink Sink, depth int) *Pipeline {
	if sink == nil {
		sink = Discard
	}
	if depth <= 0 || depth > MaxFrames {
		depth = MaxFrames
	}
	return &Pipeline{
		sink:  sink,
		depth: depth,
		pid:   uint32(os.Getpid()),
		now:   time.Now,
	}
}

// CaptureStack snapshots the stack starting skip frames above the caller.
func (p *Pipeline) CaptureStack(skip int) Stack {
	s := CaptureStack(skip + 1)
	if s.N > p.depth {
		for i := p.depth; i < s.N; i++ {
			s.PC[i] = 0
		}
		s.N = p.depth
	}
	return s
}

// Emit stamps rec and forwards it to the sink.
func (p *Pipeline) Emit(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	if rec.PID == 0 {
		rec.PID = p.pid
	}
	if rec.TID == 0 {
		rec.TID = currentThreadID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.now()
	}
	return p.sink.Emit(ctx, rec)
}

func formatPC(pc uintptr) string {
	return fmt.Sprintf("0x%x", pc)
}
