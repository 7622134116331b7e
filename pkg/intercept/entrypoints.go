// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import (
	"context"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/ntapi"
)

// NtCreateUserProcess intercepts process creation.
func (h *Hooks) NtCreateUserProcess(ctx context.Context, processHandle, threadHandle *ntapi.Handle,
	processDesiredAccess, threadDesiredAccess ntapi.AccessMask,
	processObjectAttributes, threadObjectAttributes *ntapi.ObjectAttributes,
	processFlags, threadFlags uint32, processParameters uintptr,
	createInfo *ntapi.PSCreateInfo, attributeList *ntapi.PSAttributeList) ntapi.NTStatus {

	h.observe(ctx, ntapi.NameNtCreateUserProcess, func(rec *capture.Record) {
		image, ok := attributeList.ImageName()
		if !ok {
			image = "<unknown>"
		}
		rec.Add("ImageName", "%s", image)
		rec.Add("ProcessDesiredAccess", "0x%x", uint32(processDesiredAccess))
		rec.Add("ThreadDesiredAccess", "0x%x", uint32(threadDesiredAccess))
		rec.Add("ProcessFlags", "0x%x", processFlags)
		rec.Add("ThreadFlags", "0x%x", threadFlags)
	})

	return h.orig.NtCreateUserProcess(ctx, processHandle, threadHandle,
		processDesiredAccess, threadDesiredAccess,
		processObjectAttributes, threadObjectAttributes,
		processFlags, threadFlags, processParameters,
		createInfo, attributeList)
}

// NtCreateThread intercepts legacy thread creation.
func (h *Hooks) NtCreateThread(ctx context.Context, threadHandle *ntapi.Handle, desiredAccess ntapi.AccessMask,
	objectAttributes *ntapi.ObjectAttributes, processHandle ntapi.Handle, clientID *ntapi.ClientID,
	threadContext *ntapi.ContextRecord, initialTeb *ntapi.InitialTEB, createSuspended bool) ntapi.NTStatus {

	h.observe(ctx, ntapi.NameNtCreateThread, func(rec *capture.Record) {
		rec.Add("DesiredAccess", "0x%x", uint32(desiredAccess))
		rec.Add("ProcessHandle", "0x%x", uintptr(processHandle))
		rec.Add("CreateSuspended", "%t", createSuspended)
	})

	return h.orig.NtCreateThread(ctx, threadHandle, desiredAccess, objectAttributes,
		processHandle, clientID, threadContext, initialTeb, createSuspended)
}

// NtCreateThreadEx intercepts thread creation, including remote threads.
func (h *Hooks) NtCreateThreadEx(ctx context.Context, threadHandle *ntapi.Handle, desiredAccess ntapi.AccessMask,
	objectAttributes *ntapi.ObjectAttributes, processHandle ntapi.Handle, startRoutine, argument uintptr,
	createFlags uint32, zeroBits, stackSize, maximumStackSize uintptr,
	attributeList *ntapi.PSAttributeList) ntapi.NTStatus {

	h.observe(ctx, ntapi.NameNtCreateThreadEx, func(rec *capture.Record) {
		rec.Add("DesiredAccess", "0x%x", uint32(desiredAccess))
		rec.Add("ProcessHandle", "0x%x", uintptr(processHandle))
		rec.Add("StartRoutine", "0x%x", startRoutine)
		rec.Add("CreateFlags", "0x%x", createFlags)
	})

	return h.orig.NtCreateThreadEx(ctx, threadHandle, desiredAccess, objectAttributes,
		processHandle, startRoutine, argument, createFlags, zeroBits, stackSize,
		maximumStackSize, attributeList)
}

// NtSuspendThread intercepts thread suspension.
func (h *Hooks) NtSuspendThread(ctx context.Context, threadHandle ntapi.Handle, previousSuspendCount *uint32) ntapi.NTStatus {
	h.observe(ctx, ntapi.NameNtSuspendThread, func(rec *capture.Record) {
		rec.Add("ThreadHandle", "0x%x", uintptr(threadHandle))
	})
	return h.orig.NtSuspendThread(ctx, threadHandle, previousSuspendCount)
}

// NtResumeThread intercepts thread resumption.
func (h *Hooks) NtResumeThread(ctx context.Context, threadHandle ntapi.Handle, previousSuspendCount *uint32) ntapi.NTStatus {
	h.observe(ctx, ntapi.NameNtResumeThread, func(rec *capture.Record) {
		rec.Add("ThreadHandle", "0x%x", uintptr(threadHandle))
	})
	return h.orig.NtResumeThread(ctx, threadHandle, previousSuspendCount)
}

// NtOpenProcess intercepts opening a handle to another process.
func (h *Hooks) NtOpenProcess(ctx context.Context, processHandle *ntapi.Handle, desiredAccess ntapi.AccessMask,
	objectAttributes *ntapi.ObjectAttributes, clientID *ntapi.ClientID) ntapi.NTStatus {

	h.observe(ctx, ntapi.NameNtOpenProcess, func(rec *capture.Record) {
		rec.Add("DesiredAccess", "0x%x", uint32(desiredAccess))
		if clientID == nil {
			rec.Add("UniqueProcess", "<nil>")
			return
		}
		cid := *clientID
		rec.Add("UniqueProcess", "%d", uintptr(cid.UniqueProcess))
	})

	return h.orig.NtOpenProcess(ctx, processHandle, desiredAccess, objectAttributes, clientID)
}

// NtTerminateProcess intercepts process termination.
func (h *Hooks) NtTerminateProcess(ctx context.Context, processHandle ntapi.Handle, exitStatus ntapi.NTStatus) ntapi.NTStatus {
	h.observe(ctx, ntapi.NameNtTerminateProcess, func(rec *capture.Record) {
		rec.Add("ProcessHandle", "0x%x", uintptr(processHandle))
		rec.Add("ExitStatus", "0x%x", uint32(exitStatus))
	})
	return h.orig.NtTerminateProcess(ctx, processHandle, exitStatus)
}

// NtContinue intercepts the control transfer that resumes a thread after
// exception dispatch. The first call in the process also runs the lazy
// bootstrap, ahead of and independent from the reentrancy guard.
func (h *Hooks) NtContinue(ctx context.Context, contextRecord *ntapi.ContextRecord, testAlert bool) ntapi.NTStatus {
	h.bootstrap.Run()

	h.observe(ctx, ntapi.NameNtContinue, func(rec *capture.Record) {
		if contextRecord == nil {
			rec.Add("ContextRecord", "<nil>")
		} else {
			cr := *contextRecord
			rec.Add("ContextRecord", "rip=0x%x rsp=0x%x", cr.Rip, cr.Rsp)
		}
		rec.Add("TestAlert", "%t", testAlert)
	})

	return h.orig.NtContinue(ctx, contextRecord, testAlert)
}
