// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"strconv"
	"time"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/apm-correlation/config"
	"go.opentelemetry.io/apm-correlation/internal/controller"
)

const (
	// Default values for CLI flags
	defaultArgWorkers          = 4
	defaultArgWorkloadInterval = 100 * time.Millisecond

	defaultArgProfilerVersion = 1
	defaultArgSampleInterval  = 50 * time.Millisecond
	defaultArgRefreshInterval = 5 * time.Second
	defaultArgSampleCount     = 1

	envVarPrefix = "APM_CORRELATION"
)

// Help strings for command line arguments
var (
	allocSamplingHelp     = "Enable sampling of heap allocations."
	allocSamplingRateHelp = "Average number of allocated bytes between two allocation samples."
	collAgentAddrHelp     = "The collection agent address in the format of host:port. " +
		"Transactions are logged if unset."
	correlationDelayHelp = "How long ended transactions are held back for late profiler samples."
	disableTLSHelp       = "Disable encryption for data in transit."
	indexSizeHelp        = "Number of reported transaction IDs remembered to classify late samples."
	maxGRPCRetriesHelp   = "Connection attempts to the collection agent before giving up."
	maxPendingHelp       = "Maximum number of transactions waiting for late profiler samples."
	metricsIntervalHelp  = "Set the interval in which metrics are published."
	pollIntervalHelp     = "Set the interval in which the return channel is drained."
	reportIntervalHelp   = "Set the reporter's interval."
	reportQueueHelp      = "Number of ended transactions buffered between two reports."
	serviceNameHelp      = "Name of the traced service, published to the profiler."
	settingsHelp         = "YAML file with settings, re-read on SIGHUP."
	shutdownTimeoutHelp  = "How long shutdown waits for background work."
	socketDirHelp        = "Directory of the return channel socket."
	verboseModeHelp      = "Enable verbose logging and debugging capabilities."
	versionHelp          = "Show version."
	versionLogHelp       = "Set the interval in which the profiler version is logged."
	workersHelp          = "Number of tasks running the synthetic workload. 0 disables it."
	workloadIntervalHelp = "Pause between two transactions of a workload task."

	pidHelp             = "PID of the traced process."
	profilerVersionHelp = "Profiler version written into the traced process."
	sampleIntervalHelp  = "Set the sampling interval."
	refreshIntervalHelp = "Set the interval in which the memory map is re-read."
	sampleCountHelp     = "Number of samples attributed per active task and interval."
)

// ffOptions are shared by all subcommands.
func ffOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	}
}

// serveFlagSet binds the serve flags to args, with defaults from
// config.Default.
func serveFlagSet(args *controller.Config) *flag.FlagSet {
	args.Config = config.Default()
	def := args.Config

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.AllocationSamplingEnabled, "allocation-sampling", false,
		allocSamplingHelp)
	fs.IntVar(&args.AllocationSamplingRate, "allocation-sampling-rate",
		def.AllocationSamplingRate, allocSamplingRateHelp)

	fs.StringVar(&args.CollAgentAddr, "collection-agent", "", collAgentAddrHelp)
	fs.String("config", "", "Path to a plain config file with flag values.")
	fs.DurationVar(&args.CorrelationDelay, "correlation-delay", def.CorrelationDelay,
		correlationDelayHelp)

	fs.BoolVar(&args.DisableTLS, "disable-tls", false, disableTLSHelp)

	fs.Func("index-size", indexSizeHelp, uintFlag(&args.IndexSize))
	args.IndexSize = def.IndexSize

	fs.Func("max-grpc-retries", maxGRPCRetriesHelp, uintFlag(&args.MaxGRPCRetries))
	args.MaxGRPCRetries = def.MaxGRPCRetries
	fs.IntVar(&args.MaxPendingTransactions, "max-pending", def.MaxPendingTransactions,
		maxPendingHelp)
	fs.DurationVar(&args.MetricsInterval, "metrics-interval", def.MetricsInterval,
		metricsIntervalHelp)

	fs.DurationVar(&args.PollInterval, "poll-interval", def.PollInterval, pollIntervalHelp)

	fs.DurationVar(&args.ReportInterval, "report-interval", def.ReportInterval,
		reportIntervalHelp)
	fs.Func("report-queue", reportQueueHelp, uintFlag(&args.ReportQueue))
	args.ReportQueue = def.ReportQueue

	fs.StringVar(&args.ServiceName, "service-name", def.ServiceName, serviceNameHelp)
	fs.StringVar(&args.SettingsFile, "settings", "", settingsHelp)
	fs.DurationVar(&args.ShutdownTimeout, "shutdown-timeout", def.ShutdownTimeout,
		shutdownTimeoutHelp)
	fs.StringVar(&args.SocketDir, "socket-dir", def.SocketDir, socketDirHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)
	fs.DurationVar(&args.VersionLogInterval, "version-log-interval", def.VersionLogInterval,
		versionLogHelp)

	fs.IntVar(&args.Workers, "workers", defaultArgWorkers, workersHelp)
	fs.DurationVar(&args.WorkloadInterval, "workload-interval", defaultArgWorkloadInterval,
		workloadIntervalHelp)

	args.Fs = fs
	return fs
}

// sendArgs are the arguments of the send subcommand.
type sendArgs struct {
	pid             int
	profilerVersion uint64
	sampleInterval  time.Duration
	refreshInterval time.Duration
	sampleCount     uint
	verboseMode     bool
}

func sendFlagSet(args *sendArgs) *flag.FlagSet {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)

	fs.String("config", "", "Path to a plain config file with flag values.")
	fs.IntVar(&args.pid, "pid", 0, pidHelp)
	fs.Uint64Var(&args.profilerVersion, "profiler-version", defaultArgProfilerVersion,
		profilerVersionHelp)
	fs.DurationVar(&args.refreshInterval, "refresh-interval", defaultArgRefreshInterval,
		refreshIntervalHelp)
	fs.UintVar(&args.sampleCount, "sample-count", defaultArgSampleCount, sampleCountHelp)
	fs.DurationVar(&args.sampleInterval, "sample-interval", defaultArgSampleInterval,
		sampleIntervalHelp)
	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)

	return fs
}

// uintFlag parses a flag value into dst.
func uintFlag(dst *uint32) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return err
		}
		*dst = uint32(v)
		return nil
	}
}
