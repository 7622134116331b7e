//go:build linux

package module

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const mapsPath = "/proc/self/maps"

type systemResolver struct{}

// Resolve scans /proc/self/maps for a mapping whose file base name is name.
func (systemResolver) Resolve(name string) (Handle, bool) {
	f, err := os.Open(mapsPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	return findMapping(f, name)
}

// findMapping returns the lowest start address mapped from a file named name.
// Lines look like:
//
//	7f3c2a000000-7f3c2a022000 r--p 00000000 08:01 1234  /usr/lib/libc.so.6
func findMapping(r io.Reader, name string) (Handle, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		path := strings.Join(fields[5:], " ")
		if !strings.EqualFold(filepath.Base(path), name) {
			continue
		}
		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		addr, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		return Handle(addr), true
	}
	return 0, false
}
