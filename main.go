// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// apm-correlation runs a traced service with profiler correlation enabled
// and emulates the profiler that feeds it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/apm-correlation/internal/controller"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/periodiccaller"
	"go.opentelemetry.io/apm-correlation/simprofiler"
	"go.opentelemetry.io/apm-correlation/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode(os.Args[1:])))
}

func mainWithExitCode(args []string) exitCode {
	root := &ffcli.Command{
		Name:       "apm-correlation",
		ShortUsage: "apm-correlation <subcommand> [flags]",
		ShortHelp:  "Correlates tracer transactions with profiler samples",
		Subcommands: []*ffcli.Command{
			newServeCmd(),
			newSendCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	err := root.ParseAndRun(context.Background(), args)
	if err == nil {
		return exitSuccess
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitParseError
	}
	var withCode controller.ErrorWithExitCode
	if errors.As(err, &withCode) {
		log.Error(withCode.Error())
		return exitCode(withCode.Code())
	}
	log.Errorf("%v", err)
	return exitFailure
}

func newServeCmd() *ffcli.Command {
	var cfg controller.Config
	fs := serveFlagSet(&cfg)
	return &ffcli.Command{
		Name:       "serve",
		ShortUsage: "apm-correlation serve [flags]",
		ShortHelp:  "Run a synthetic workload with profiler correlation",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, _ []string) error {
			return runServe(ctx, &cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *controller.Config) error {
	if cfg.Version {
		fmt.Printf("%s\n", vc.Version())
		return nil
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	// Context to drive main goroutine and the background workers.
	mainCtx, mainCancel := signal.NotifyContext(ctx,
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()

	log.Infof("Starting apm-correlation %s", vc.String())

	ctlr := controller.New(cfg)
	if err := ctlr.Start(mainCtx); err != nil {
		return controller.NewErrorWithExitCode(
			errors.Join(fmt.Errorf("failed to start: %w", err), ctlr.Shutdown()),
			int(exitFailure))
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, unix.SIGHUP)
	defer signal.Stop(reload)

	for {
		select {
		case <-mainCtx.Done():
			log.Info("Exiting ...")
			return ctlr.Shutdown()
		case <-reload:
			if err := ctlr.Reload(); err != nil {
				log.Errorf("Failed to reload settings: %v", err)
			}
		}
	}
}

func newSendCmd() *ffcli.Command {
	var args sendArgs
	fs := sendFlagSet(&args)
	return &ffcli.Command{
		Name:       "send",
		ShortUsage: "apm-correlation send -pid <pid> [flags]",
		ShortHelp:  "Sample a traced process and send profiler samples to it",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, _ []string) error {
			return runSend(ctx, &args)
		},
	}
}

func (args *sendArgs) validate() error {
	if args.pid <= 0 {
		return fmt.Errorf("invalid pid: %d", args.pid)
	}
	if args.sampleCount == 0 || args.sampleCount > math.MaxUint16 {
		return fmt.Errorf("sample count must be in [1..%d]", math.MaxUint16)
	}
	if args.sampleInterval <= 0 || args.refreshInterval <= 0 {
		return errors.New("intervals must be > 0")
	}
	return nil
}

func runSend(ctx context.Context, args *sendArgs) error {
	if err := args.validate(); err != nil {
		return controller.NewErrorWithExitCode(err, int(exitParseError))
	}
	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
	}

	mainCtx, mainCancel := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	prof, err := simprofiler.Attach(libpf.PID(args.pid), args.profilerVersion)
	if err != nil {
		return fmt.Errorf("failed to attach to PID %d: %w", args.pid, err)
	}

	var sent, failed atomic.Uint64
	lastRefresh := time.Now()
	sampler := periodiccaller.StartAwaitable(mainCtx, args.sampleInterval, func() {
		if time.Since(lastRefresh) >= args.refreshInterval {
			lastRefresh = time.Now()
			if err := prof.Refresh(); err != nil {
				log.Warnf("Failed to refresh PID %d: %v", args.pid, err)
				return
			}
		}
		for _, s := range prof.Sample() {
			if err := prof.Report(s, s.StackTraceID(), uint16(args.sampleCount)); err != nil {
				failed.Add(1)
				log.Debugf("Failed to report sample of task %d: %v", s.Task, err)
				continue
			}
			sent.Add(1)
		}
	})

	<-mainCtx.Done()
	if err := sampler.Stop(args.sampleInterval + time.Second); err != nil {
		log.Warnf("Sampler did not stop: %v", err)
	}
	log.Infof("Sent %d samples to PID %d, %d failed", sent.Load(), args.pid, failed.Load())
	return nil
}
