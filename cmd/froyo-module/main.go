// Command froyo-module serves the in-tree agent modules. It is installed
// once and linked into the modules directory under each module's name; the
// link name selects the module:
//
//	modules/service -> froyo-module
//	modules/package -> froyo-module
//
// Invoked under its own name the module is the first argument instead. The
// module reads one request document from stdin and writes the response to
// stdout. Diagnostics go to stderr only with -e.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/openfroyo/froyo-agent/pkg/module"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

const programName = "froyo-module"

// modules maps module names to constructors.
var modules = map[string]func(module.Runner) *module.Module{
	module.ServiceModuleName: module.NewServiceModule,
	module.PackageModuleName: module.NewPackageModule,
	module.RebootModuleName:  newRebootModule,
}

func newRebootModule(module.Runner) *module.Module {
	return module.NewRebootModule(module.CommandRebooter{}).Module
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr, module.ExecRunner{})
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer, runner module.Runner) int {
	var keepStderr bool
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVarP(&keepStderr, "stderr", "e", false, "write diagnostics to stderr")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [-e] <module>\nmodules: %s\n", programName, strings.Join(names(), ", "))
	}
	if err := fs.Parse(argv[1:]); err != nil {
		return 1
	}

	name := filepath.Base(argv[0])
	rest := fs.Args()
	if name == programName {
		if len(rest) == 0 {
			fs.Usage()
			return 1
		}
		name, rest = rest[0], rest[1:]
	}
	newModule, ok := modules[name]
	if !ok || len(rest) != 0 {
		fs.Usage()
		return 1
	}

	logOut := io.Discard
	if keepStderr {
		logOut = stderr
	}
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "debug", Format: "console"}, logOut).
		NewComponentLogger("module").WithModule(name)

	if err := module.ServeStdio(ctx, newModule(runner), stdin, stdout); err != nil {
		if errors.Is(err, module.ErrNoRequest) {
			logger.Warn("no request received")
		} else {
			logger.WithError(err).Error("request failed")
		}
		return 1
	}
	logger.Debug("request served")
	return 0
}

func names() []string {
	out := make([]string, 0, len(modules))
	for n := range modules {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
