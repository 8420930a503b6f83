// Command froyo-worker executes one queued batch file. The daemon starts it
// as "froyo-worker -f <batch>"; it is also started for every queued batch
// when the daemon comes up.
//
// Exit status is 0 when the batch was run (or was already finished), 1 on
// bad usage and 2 when the batch could not be opened or saved.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/openfroyo/froyo-agent/pkg/bus"
	"github.com/openfroyo/froyo-agent/pkg/config"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
	"github.com/openfroyo/froyo-agent/pkg/worker"
)

const (
	exitOK    = 0
	exitUsage = 1
	exitError = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	var path string
	fs := flag.NewFlagSet("froyo-worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&path, "file", "f", "", "batch file to execute")
	fs.Usage = func() { fmt.Fprintln(stderr, "usage: froyo-worker -f <batch file>") }

	if err := fs.Parse(args); err != nil || path == "" || fs.NArg() != 0 {
		fs.Usage()
		return exitUsage
	}

	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "info", Format: "json"}, stderr)

	modules, err := bus.NewExecBus(bus.Config{
		Dir:    config.ModulesDir(),
		Stderr: stderr,
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Error("cannot set up module bus")
		return exitError
	}

	w, err := worker.New(worker.Config{Path: path, Bus: modules, Logger: logger})
	if err != nil {
		logger.WithError(err).Error("cannot create worker")
		return exitError
	}

	switch err := w.Run(ctx); {
	case err == nil, errors.Is(err, worker.ErrHalted):
		return exitOK
	default:
		logger.WithError(err).Error("batch failed")
		return exitError
	}
}
