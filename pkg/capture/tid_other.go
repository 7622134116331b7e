//go:build !linux && !windows

package capture

func currentThreadID() uint32 {
	return 0
}
