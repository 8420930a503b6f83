package commands

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// detachedEnv marks the re-executed background copy of the daemon.
const detachedEnv = "FROYO_AGENT_DETACHED"

func detached() bool {
	return os.Getenv(detachedEnv) == "1"
}

// detach re-executes the daemon in a new session with its standard streams
// on /dev/null and returns the child's pid.
func detach() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start background daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release background daemon: %w", err)
	}
	return pid, nil
}
