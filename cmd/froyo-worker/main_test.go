package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/froyo-agent/pkg/config"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvModulesDir, filepath.Join(dir, "modules"))

	empty := filepath.Join(dir, "12")
	if err := os.WriteFile(empty, []byte(`<?xml version="1.0"?><batch batch_id="12" status="1"/>`), 0o600); err != nil {
		t.Fatal(err)
	}
	garbage := filepath.Join(dir, "13")
	if err := os.WriteFile(garbage, []byte("not xml"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no arguments", nil, exitUsage},
		{"missing path", []string{"-f"}, exitUsage},
		{"extra argument", []string{"-f", empty, "more"}, exitUsage},
		{"unknown flag", []string{"-x"}, exitUsage},
		{"empty batch", []string{"-f", empty}, exitOK},
		{"already finished", []string{"--file", empty}, exitOK},
		{"missing batch", []string{"-f", filepath.Join(dir, "99")}, exitError},
		{"invalid batch", []string{"-f", garbage}, exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if got := run(context.Background(), tt.args, &stderr); got != tt.want {
				t.Errorf("exit = %d, want %d; stderr:\n%s", got, tt.want, stderr.String())
			}
			if tt.want == exitUsage && !strings.Contains(stderr.String(), "usage:") {
				t.Errorf("usage not printed: %q", stderr.String())
			}
		})
	}

	data, err := os.ReadFile(empty)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `status="0"`) {
		t.Errorf("empty batch not completed: %s", data)
	}
}
