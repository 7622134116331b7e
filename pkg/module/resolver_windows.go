//go:build windows

package module

import "golang.org/x/sys/windows"

type systemResolver struct{}

// Resolve uses GetModuleHandleEx without touching the module's reference
// count, so a lookup never pins or loads the DLL.
func (systemResolver) Resolve(name string) (Handle, bool) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, false
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, p, &h); err != nil {
		return 0, false
	}
	return Handle(h), true
}
