// Package bus invokes administrative modules. Each module is an executable
// that reads one request document on stdin and writes one response
// document on stdout.
package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/agenterr"
	"github.com/openfroyo/froyo-agent/pkg/module"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// Bus is the boundary between the worker and the modules.
type Bus interface {
	// Modules lists the modules that can be called.
	Modules(ctx context.Context) ([]string, error)
	// Call sends a request document to a module and returns its response.
	Call(ctx context.Context, name string, request []byte) ([]byte, error)
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Config configures an ExecBus.
type Config struct {
	// Dir holds one executable per module.
	Dir string
	// Timeout bounds a single call. Zero means no bound.
	Timeout time.Duration
	// Stderr receives module diagnostics. Nil discards them.
	Stderr io.Writer
	Logger *telemetry.Logger
}

// ExecBus runs module executables from a directory.
type ExecBus struct {
	cfg Config
	log *telemetry.Logger
}

// NewExecBus creates a bus over cfg.Dir.
func NewExecBus(cfg Config) (*ExecBus, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("modules directory is required")
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.Nop()
	}
	return &ExecBus{cfg: cfg, log: log.NewComponentLogger("bus")}, nil
}

// Modules returns the executables in the modules directory plus the
// in-worker reboot module, sorted.
func (b *ExecBus) Modules(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, agenterr.NewTransportError("failed to list modules", err).WithOp("bus.Modules")
	}

	seen := map[string]bool{module.RebootModuleName: true}
	for _, e := range entries {
		if !validName.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		seen[e.Name()] = true
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Call runs <dir>/<name> with request on stdin. An unknown module or a
// non-zero exit status is a transport error.
func (b *ExecBus) Call(ctx context.Context, name string, request []byte) ([]byte, error) {
	if !validName.MatchString(name) {
		return nil, agenterr.NewTransportError(fmt.Sprintf("invalid module name %q", name), nil).WithOp("bus.Call")
	}
	path := filepath.Join(b.cfg.Dir, name)
	if _, err := os.Stat(path); err != nil {
		return nil, agenterr.NewTransportError(fmt.Sprintf("unknown module %q", name), err).WithOp("bus.Call")
	}

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(request)
	cmd.Stdout = &stdout
	if b.cfg.Stderr != nil {
		cmd.Stderr = b.cfg.Stderr
	}

	start := time.Now()
	err := cmd.Run()
	b.log.WithModule(name).WithField("duration", time.Since(start).String()).Debug("module call finished")
	if err != nil {
		return nil, agenterr.NewTransportError(fmt.Sprintf("module %s failed", name), err).
			WithOp("bus.Call").
			WithDetail("module", name)
	}
	return stdout.Bytes(), nil
}
