// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package ntapi describes the native process and thread management entry
// points that ntwatch intercepts, along with the argument types they take.
//
// The types mirror the native layouts closely enough for tracing. Pointer
// arguments stay pointers so a dispatcher can hand them to the original
// implementation untouched.
package ntapi

import (
	"context"
	"fmt"
)

// Handle is an opaque kernel object handle.
type Handle uintptr

// CurrentProcess is the pseudo-handle for the calling process.
const CurrentProcess Handle = ^Handle(0)

// AccessMask is a desired-access bit mask.
type AccessMask uint32

// UnicodeString is a counted UTF-16 string decoded to Go.
type UnicodeString struct {
	Buffer string
}

// ObjectAttributes corresponds to OBJECT_ATTRIBUTES.
type ObjectAttributes struct {
	Length             uint32
	RootDirectory      Handle
	ObjectName         *UnicodeString
	Attributes         uint32
	SecurityDescriptor uintptr
	SecurityQOS        uintptr
}

// ClientID identifies a process and optionally one of its threads.
type ClientID struct {
	UniqueProcess Handle
	UniqueThread  Handle
}

// ContextRecord is the register state handed to NtContinue. Only the
// fields the tracer reports are modelled.
type ContextRecord struct {
	ContextFlags uint32
	Rip          uint64
	Rsp          uint64
}

// InitialTEB describes the stack of a thread created with NtCreateThread.
type InitialTEB struct {
	StackBase      uintptr
	StackLimit     uintptr
	StackAllocBase uintptr
}

// PSCreateInfo is the in/out create-state block of NtCreateUserProcess.
type PSCreateInfo struct {
	Size  uintptr
	State uint32
}

// Process/thread attribute identifiers.
const (
	PSAttributeImageName  uintptr = 0x20005
	PSAttributeClientID   uintptr = 0x10003
	PSAttributeParentProc uintptr = 0x60000
)

// PSAttribute is a single PS_ATTRIBUTE entry.
type PSAttribute struct {
	Attribute uintptr
	Size      uintptr
	Value     any
}

// PSAttributeList corresponds to PS_ATTRIBUTE_LIST.
type PSAttributeList struct {
	Attributes []PSAttribute
}

// ImageName returns the image-name attribute, if present.
func (l *PSAttributeList) ImageName() (string, bool) {
	if l == nil {
		return "", false
	}
	for _, a := range l.Attributes {
		if a.Attribute != PSAttributeImageName {
			continue
		}
		switch v := a.Value.(type) {
		case string:
			return v, true
		case *UnicodeString:
			if v != nil {
				return v.Buffer, true
			}
		case fmt.Stringer:
			return v.String(), true
		}
	}
	return "", false
}

// Intercepted entry point signatures. The leading context carries the
// calling execution context; every other parameter matches the native
// operation one for one.
type (
	NtCreateUserProcessFunc func(ctx context.Context, processHandle, threadHandle *Handle,
		processDesiredAccess, threadDesiredAccess AccessMask,
		processObjectAttributes, threadObjectAttributes *ObjectAttributes,
		processFlags, threadFlags uint32, processParameters uintptr,
		createInfo *PSCreateInfo, attributeList *PSAttributeList) NTStatus

	NtCreateThreadFunc func(ctx context.Context, threadHandle *Handle, desiredAccess AccessMask,
		objectAttributes *ObjectAttributes, processHandle Handle, clientID *ClientID,
		threadContext *ContextRecord, initialTeb *InitialTEB, createSuspended bool) NTStatus

	NtCreateThreadExFunc func(ctx context.Context, threadHandle *Handle, desiredAccess AccessMask,
		objectAttributes *ObjectAttributes, processHandle Handle, startRoutine, argument uintptr,
		createFlags uint32, zeroBits, stackSize, maximumStackSize uintptr,
		attributeList *PSAttributeList) NTStatus

	NtSuspendThreadFunc func(ctx context.Context, threadHandle Handle, previousSuspendCount *uint32) NTStatus

	NtResumeThreadFunc func(ctx context.Context, threadHandle Handle, previousSuspendCount *uint32) NTStatus

	NtOpenProcessFunc func(ctx context.Context, processHandle *Handle, desiredAccess AccessMask,
		objectAttributes *ObjectAttributes, clientID *ClientID) NTStatus

	NtTerminateProcessFunc func(ctx context.Context, processHandle Handle, exitStatus NTStatus) NTStatus

	NtContinueFunc func(ctx context.Context, contextRecord *ContextRecord, testAlert bool) NTStatus
)

// Entry point names as they appear in trace records.
const (
	NameNtCreateUserProcess = "NtCreateUserProcess"
	NameNtCreateThread      = "NtCreateThread"
	NameNtCreateThreadEx    = "NtCreateThreadEx"
	NameNtSuspendThread     = "NtSuspendThread"
	NameNtResumeThread      = "NtResumeThread"
	NameNtOpenProcess       = "NtOpenProcess"
	NameNtTerminateProcess  = "NtTerminateProcess"
	NameNtContinue          = "NtContinue"
)

// EntryPoints lists every intercepted entry point name.
var EntryPoints = []string{
	NameNtCreateUserProcess,
	NameNtCreateThread,
	NameNtCreateThreadEx,
	NameNtSuspendThread,
	NameNtResumeThread,
	NameNtOpenProcess,
	NameNtTerminateProcess,
	NameNtContinue,
}
