package module

import (
	"context"
	"fmt"
	"os/exec"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// RebootModuleName is the module handled inside the worker process.
const RebootModuleName = "reboot"

// Rebooter initiates an orderly reboot of the machine.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// CommandRebooter reboots by running an external command.
type CommandRebooter struct {
	Command []string
}

// Reboot runs the configured command, /sbin/reboot by default.
func (r CommandRebooter) Reboot(ctx context.Context) error {
	argv := r.Command
	if len(argv) == 0 {
		argv = []string{"/sbin/reboot"}
	}
	if out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, out)
	}
	return nil
}

// SyscallRebooter restarts the machine immediately through reboot(2),
// without stopping services. It backs the fencing functions.
type SyscallRebooter struct{}

// Reboot syncs filesystems and restarts the machine.
func (SyscallRebooter) Reboot(context.Context) error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

// RebootModule serves reboot_now. Once a reboot has been initiated the
// module reports Blocked and its caller must not proceed.
type RebootModule struct {
	*Module
	blocked atomic.Bool
}

// NewRebootModule creates the reboot module.
func NewRebootModule(r Rebooter) *RebootModule {
	m := &RebootModule{}
	m.Module = New(RebootModuleName, map[string]Func{
		"reboot_now": func(ctx context.Context, _ Args) ([]Var, error) {
			if err := r.Reboot(ctx); err != nil {
				return nil, Failf(CodeExecFailed, "reboot failed: %v", err)
			}
			m.blocked.Store(true)
			return nil, nil
		},
	})
	return m
}

// Blocked reports whether a reboot is underway.
func (m *RebootModule) Blocked() bool {
	return m.blocked.Load()
}
