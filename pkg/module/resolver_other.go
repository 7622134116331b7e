//go:build !linux && !windows

package module

type systemResolver struct{}

func (systemResolver) Resolve(string) (Handle, bool) {
	return 0, false
}
