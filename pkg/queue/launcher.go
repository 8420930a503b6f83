package queue

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// ProcessLauncher runs the worker executable as "<worker> -f <batch>" in its
// own session. The daemon never waits on it; a goroutine reaps the child.
type ProcessLauncher struct {
	Worker string
	// Env is appended to the daemon's environment for the worker.
	Env    []string
	// OnExit, when set, is called with the batch path and the wait error
	// once the worker has been reaped.
	OnExit func(path string, err error)
	Logger *telemetry.Logger
}

// Launch starts the worker. The context only bounds the start itself; the
// worker outlives the caller.
func (l *ProcessLauncher) Launch(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(l.Worker, "-f", path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %s: %w", l.Worker, err)
	}

	logger := l.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	pid := cmd.Process.Pid
	logger.WithField("pid", pid).WithField("batch", path).Debug("worker started")

	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.WithField("pid", pid).WithError(err).Warn("worker exited with error")
		}
		if l.OnExit != nil {
			l.OnExit(path, err)
		}
	}()
	return nil
}
