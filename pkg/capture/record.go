// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package capture builds and emits trace records for intercepted calls.
package capture

import (
	"fmt"
	"strings"
	"time"
)

// Arg is one traced argument, already formatted for display.
type Arg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record describes a single intercepted call. Records are built by value
// from the call's arguments and never reference caller memory.
type Record struct {
	API       string            `json:"api"`
	Args      []Arg             `json:"args,omitempty"`
	Caller    uintptr           `json:"caller"`
	PID       uint32            `json:"pid"`
	TID       uint32            `json:"tid"`
	Timestamp time.Time         `json:"timestamp"`
	Frames    []string          `json:"frames,omitempty"`
	StackHash uint64            `json:"stack_hash,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"` // agent-side enrichment

	Stack Stack `json:"-"`
}

// NewRecord starts a record for the named entry point.
func NewRecord(api string) *Record {
	return &Record{API: api}
}

// Add appends a formatted argument.
func (r *Record) Add(key string, format string, v ...any) {
	r.Args = append(r.Args, Arg{Key: key, Value: fmt.Sprintf(format, v...)})
}

// Arg returns the value of the named argument.
func (r *Record) Arg(key string) (string, bool) {
	for _, a := range r.Args {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets an enrichment attribute.
func (r *Record) SetAttr(key, value string) {
	if r.Attrs == nil {
		r.Attrs = make(map[string]string)
	}
	r.Attrs[key] = value
}

// Symbolize fills Frames and StackHash from the captured stack. It must run
// in the process that captured the stack.
func (r *Record) Symbolize() {
	if len(r.Frames) > 0 || r.Stack.N == 0 {
		return
	}
	r.Frames = r.Stack.Frames()
	r.StackHash = r.Stack.Hash()
}

// Message renders the record in the human-readable trace format:
//
//	NtOpenProcess(DesiredAccess: 0x1000, UniqueProcess: 4), RETN: 0x4a21f0
func (r *Record) Message() string {
	var b strings.Builder
	b.WriteString(r.API)
	b.WriteByte('(')
	for i, a := range r.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.Key)
		b.WriteString(": ")
		b.WriteString(a.Value)
	}
	b.WriteString(")")
	fmt.Fprintf(&b, ", RETN: 0x%x", r.Caller)
	return b.String()
}
