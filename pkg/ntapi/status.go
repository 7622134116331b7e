package ntapi

import (
	"fmt"
	"strings"
)

// NTStatus is a native status code.
type NTStatus uint32

const (
	StatusSuccess              NTStatus = 0x00000000
	StatusPending              NTStatus = 0x00000103
	StatusUnsuccessful         NTStatus = 0xC0000001
	StatusNotImplemented       NTStatus = 0xC0000002
	StatusInvalidHandle        NTStatus = 0xC0000008
	StatusInvalidParameter     NTStatus = 0xC000000D
	StatusAccessDenied         NTStatus = 0xC0000022
	StatusObjectNameNotFound   NTStatus = 0xC0000034
	StatusInvalidCID           NTStatus = 0xC000000B
	StatusProcessIsTerminating NTStatus = 0xC000010A
	StatusDLLNotFound          NTStatus = 0xC0000135
)

var statusNames = map[NTStatus]string{
	StatusSuccess:              "STATUS_SUCCESS",
	StatusPending:              "STATUS_PENDING",
	StatusUnsuccessful:         "STATUS_UNSUCCESSFUL",
	StatusNotImplemented:       "STATUS_NOT_IMPLEMENTED",
	StatusInvalidHandle:        "STATUS_INVALID_HANDLE",
	StatusInvalidParameter:     "STATUS_INVALID_PARAMETER",
	StatusAccessDenied:         "STATUS_ACCESS_DENIED",
	StatusObjectNameNotFound:   "STATUS_OBJECT_NAME_NOT_FOUND",
	StatusInvalidCID:           "STATUS_INVALID_CID",
	StatusProcessIsTerminating: "STATUS_PROCESS_IS_TERMINATING",
	StatusDLLNotFound:          "STATUS_DLL_NOT_FOUND",
}

// IsSuccess reports whether s is a success or informational status.
func (s NTStatus) IsSuccess() bool {
	return s < 0x80000000
}

func (s NTStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// Process access rights.
const (
	ProcessTerminate        AccessMask = 0x0001
	ProcessCreateThread     AccessMask = 0x0002
	ProcessVMOperation      AccessMask = 0x0008
	ProcessVMRead           AccessMask = 0x0010
	ProcessVMWrite          AccessMask = 0x0020
	ProcessDupHandle        AccessMask = 0x0040
	ProcessCreateProcess    AccessMask = 0x0080
	ProcessSetQuota         AccessMask = 0x0100
	ProcessSetInformation   AccessMask = 0x0200
	ProcessQueryInformation AccessMask = 0x0400
	ProcessSuspendResume    AccessMask = 0x0800
	ProcessQueryLimitedInfo AccessMask = 0x1000
	ProcessAllAccess        AccessMask = 0x001FFFFF
)

var processRights = []struct {
	bit  AccessMask
	name string
}{
	{ProcessTerminate, "TERMINATE"},
	{ProcessCreateThread, "CREATE_THREAD"},
	{ProcessVMOperation, "VM_OPERATION"},
	{ProcessVMRead, "VM_READ"},
	{ProcessVMWrite, "VM_WRITE"},
	{ProcessDupHandle, "DUP_HANDLE"},
	{ProcessCreateProcess, "CREATE_PROCESS"},
	{ProcessSetQuota, "SET_QUOTA"},
	{ProcessSetInformation, "SET_INFORMATION"},
	{ProcessQueryInformation, "QUERY_INFORMATION"},
	{ProcessSuspendResume, "SUSPEND_RESUME"},
	{ProcessQueryLimitedInfo, "QUERY_LIMITED_INFORMATION"},
}

// DescribeProcessAccess renders a process access mask as PROCESS_* flag
// names joined by '|'. Unknown bits are appended in hex.
func DescribeProcessAccess(m AccessMask) string {
	if m == ProcessAllAccess {
		return "PROCESS_ALL_ACCESS"
	}
	var parts []string
	rest := m
	for _, r := range processRights {
		if m&r.bit != 0 {
			parts = append(parts, "PROCESS_"+r.name)
			rest &^= r.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}
