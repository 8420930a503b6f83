package module

import (
	"context"
	"os/exec"
)

// Runner executes a system command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// LookPath reports whether an executable is on PATH.
var LookPath = func(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
