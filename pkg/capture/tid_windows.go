//go:build windows

package capture

import "golang.org/x/sys/windows"

func currentThreadID() uint32 {
	return windows.GetCurrentThreadId()
}
