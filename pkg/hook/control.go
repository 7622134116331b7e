// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	controlFileName = "control"
	controlFileSize = 4096
)

// ControlFile is the one-byte switch for on-demand tracing shared between
// the agent and every monitored process:
//   - 0 = dormant (dispatchers forward without tracing)
//   - 1 = active (full tracing)
//
// The agent owns the file; monitored processes open it read-only and
// consult it on each intercepted call.
type ControlFile struct {
	path     string
	file     *os.File
	readOnly bool
}

// CreateControlFile creates a new control file in dir, initialized to
// active unless dormant is set.
func CreateControlFile(dir string, dormant bool) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create control file: %w", err)
	}

	if err := f.Truncate(controlFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate control file: %w", err)
	}

	initial := byte(1)
	if dormant {
		initial = 0
	}
	if _, err := f.WriteAt([]byte{initial}, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("init control file: %w", err)
	}

	return &ControlFile{path: path, file: f}, nil
}

// OpenControlFile opens an existing control file for read-write access.
// Used by 'ntwatch trace start|stop|status'.
func OpenControlFile(dir string) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open control file %s: %w", path, err)
	}

	return &ControlFile{path: path, file: f}, nil
}

// AttachControlFile opens an existing control file read-only, as a
// monitored process does.
func AttachControlFile(dir string) (*ControlFile, error) {
	path := filepath.Join(dir, controlFileName)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("attach control file %s: %w", path, err)
	}

	return &ControlFile{path: path, file: f, readOnly: true}, nil
}

// Enable activates tracing in every monitored process.
func (c *ControlFile) Enable() error {
	return c.set(1)
}

// Disable makes every dispatcher a pass-through.
func (c *ControlFile) Disable() error {
	return c.set(0)
}

func (c *ControlFile) set(v byte) error {
	if c.readOnly {
		return fmt.Errorf("control file %s opened read-only", c.path)
	}
	_, err := c.file.WriteAt([]byte{v}, 0)
	return err
}

// IsEnabled returns the current tracing state.
func (c *ControlFile) IsEnabled() (bool, error) {
	buf := make([]byte, 1)
	if _, err := c.file.ReadAt(buf, 0); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// Enabled implements intercept.Switch. An unreadable control file means
// always-active.
func (c *ControlFile) Enabled() bool {
	if c == nil || c.file == nil {
		return true
	}
	on, err := c.IsEnabled()
	if err != nil {
		return true
	}
	return on
}

// Close closes the file handle. It does not remove the file.
func (c *ControlFile) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// Remove removes the control file from disk.
func (c *ControlFile) Remove() {
	os.Remove(c.path)
}

// Path returns the control file path.
func (c *ControlFile) Path() string {
	return c.path
}
