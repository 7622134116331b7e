package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mbeema/ntwatch/pkg/config"
	"github.com/mbeema/ntwatch/pkg/hook"
)

func TestRunTrace(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Hook.SocketPath = filepath.Join(dir, "hook.sock")

	ctrl, err := hook.CreateControlFile(dir, true)
	if err != nil {
		t.Fatalf("CreateControlFile: %v", err)
	}
	defer ctrl.Close()

	tests := []struct {
		args []string
		code int
		want string
	}{
		{[]string{"status"}, 0, "tracing dormant"},
		{[]string{"start"}, 0, "tracing active"},
		{[]string{"status"}, 0, "tracing active"},
		{[]string{"stop"}, 0, "tracing dormant"},
		{[]string{"bogus"}, 2, ""},
		{nil, 2, ""},
	}
	for _, tt := range tests {
		var stdout, stderr bytes.Buffer
		code := runTrace(cfg, tt.args, &stdout, &stderr)
		if code != tt.code {
			t.Errorf("trace %v: exit %d, want %d (stderr %q)", tt.args, code, tt.code, stderr.String())
		}
		if tt.want != "" && !strings.Contains(stdout.String(), tt.want) {
			t.Errorf("trace %v: stdout %q, want %q", tt.args, stdout.String(), tt.want)
		}
	}
}

func TestRunTraceWithoutAgent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Hook.SocketPath = filepath.Join(t.TempDir(), "hook.sock")

	var stdout, stderr bytes.Buffer
	if code := runTrace(cfg, []string{"status"}, &stdout, &stderr); code != 1 {
		t.Errorf("exit %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "is the agent running") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunPS(t *testing.T) {
	cfg := config.DefaultConfig()

	var stdout, stderr bytes.Buffer
	if code := runPS(cfg, []string{".*"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d, stderr %q", code, stderr.String())
	}
	if stdout.Len() == 0 {
		t.Error("'.*' should list at least the test process")
	}

	stdout.Reset()
	if code := runPS(cfg, nil, &stdout, &stderr); code != 2 {
		t.Errorf("no patterns: exit %d, want 2", code)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ServiceName != "ntwatch" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
}
