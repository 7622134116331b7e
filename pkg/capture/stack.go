// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
)

// MaxFrames bounds a stack snapshot.
const MaxFrames = 16

// Stack is a fixed-size snapshot of program counters. The zero value is an
// empty stack.
type Stack struct {
	PC [MaxFrames]uintptr
	N  int
}

// CaptureStack snapshots the calling goroutine's stack. skip=0 starts at the
// caller of CaptureStack.
func CaptureStack(skip int) Stack {
	var s Stack
	// +2: runtime.Callers and CaptureStack
	s.N = runtime.Callers(skip+2, s.PC[:])
	return s
}

// Top returns the innermost program counter, or 0 for an empty stack.
func (s Stack) Top() uintptr {
	if s.N == 0 {
		return 0
	}
	return s.PC[0]
}

// Hash returns an FNV-1a hash of the captured program counters. Identical
// call paths hash identically, which lets sinks deduplicate stacks.
func (s Stack) Hash() uint64 {
	if s.N == 0 {
		return 0
	}
	h := fnv.New64a()
	var b [8]byte
	for _, pc := range s.PC[:s.N] {
		binary.LittleEndian.PutUint64(b[:], uint64(pc))
		h.Write(b[:])
	}
	return h.Sum64()
}

// Frames symbolizes the stack as "function file:line" strings.
func (s Stack) Frames() []string {
	if s.N == 0 {
		return nil
	}
	out := make([]string, 0, s.N)
	frames := runtime.CallersFrames(s.PC[:s.N])
	for {
		f, more := frames.Next()
		if f.PC != 0 {
			fn := f.Function
			if fn == "" {
				fn = fmt.Sprintf("0x%x", f.PC)
			}
			out = append(out, fmt.Sprintf("%s %s:%d", fn, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

// Format renders the stack one frame per line.
func (s Stack) Format() string {
	frames := s.Frames()
	if len(frames) == 0 {
		return "  <unknown>\n"
	}
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("  ")
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.String()
}
