// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the correlation agent.
package config // import "go.opentelemetry.io/apm-correlation/config"

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/collector/confmap"
	"go.opentelemetry.io/collector/confmap/xconfmap"

	"go.opentelemetry.io/apm-correlation/correlation"
	"go.opentelemetry.io/apm-correlation/nativeagent"
)

// Config is the configuration of the correlation agent.
type Config struct {
	ServiceName string `mapstructure:"service_name"`

	CorrelationDelay       time.Duration `mapstructure:"correlation_delay"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	SocketDir              string        `mapstructure:"socket_dir"`
	MaxPendingTransactions int           `mapstructure:"max_pending_transactions"`
	IndexSize              uint32        `mapstructure:"index_size"`
	VersionLogInterval     time.Duration `mapstructure:"version_log_interval"`

	AllocationSamplingEnabled bool `mapstructure:"allocation_sampling_enabled"`
	AllocationSamplingRate    int  `mapstructure:"allocation_sampling_rate"`

	ReportInterval time.Duration `mapstructure:"report_interval"`
	ReportQueue    uint32        `mapstructure:"report_queue"`
	CollAgentAddr  string        `mapstructure:"collection_agent"`
	DisableTLS     bool          `mapstructure:"disable_tls"`
	MaxGRPCRetries uint32        `mapstructure:"max_grpc_retries"`

	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	VerboseMode     bool          `mapstructure:"verbose_mode"`
}

// Default returns the default configuration.
func Default() Config {
	corr := correlation.DefaultConfig()
	return Config{
		ServiceName:            "unknown-service",
		CorrelationDelay:       corr.Delay,
		PollInterval:           corr.PollInterval,
		ShutdownTimeout:        corr.ShutdownTimeout,
		SocketDir:              os.TempDir(),
		MaxPendingTransactions: corr.MaxPendingTransactions,
		IndexSize:              corr.IndexSize,
		VersionLogInterval:     corr.VersionLogInterval,
		AllocationSamplingRate: nativeagent.DefaultAllocationSamplingRate,
		ReportInterval:         5 * time.Second,
		ReportQueue:            4096,
		MaxGRPCRetries:         5,
		MetricsInterval:        corr.MetricsInterval,
	}
}

// Validate checks the configuration for values the agent cannot run with.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.ServiceName == "" {
		errs = append(errs, errors.New("service name must be set"))
	}
	if cfg.AllocationSamplingRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid allocation sampling rate: %d",
			cfg.AllocationSamplingRate))
	}
	if cfg.ReportInterval < time.Second {
		errs = append(errs, errors.New("the report interval has to be set to at least 1 second (1s)"))
	}
	if cfg.ReportQueue == 0 {
		errs = append(errs, errors.New("report queue size must be > 0"))
	}
	corr := cfg.Correlation()
	if err := corr.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Correlation returns the correlation subsystem configuration.
func (cfg *Config) Correlation() correlation.Config {
	return correlation.Config{
		Delay:                  cfg.CorrelationDelay,
		PollInterval:           cfg.PollInterval,
		ShutdownTimeout:        cfg.ShutdownTimeout,
		SocketDir:              cfg.SocketDir,
		IndexSize:              cfg.IndexSize,
		MaxPendingTransactions: cfg.MaxPendingTransactions,
		VersionLogInterval:     cfg.VersionLogInterval,
		MetricsInterval:        cfg.MetricsInterval,
	}
}

// LoadYAML overlays the YAML document on cfg and validates the result.
// Keys are the mapstructure names of the Config fields.
func LoadYAML(data []byte, cfg *Config) error {
	retrieved, err := confmap.NewRetrievedFromYAML(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	conf, err := retrieved.AsConf()
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err = conf.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return xconfmap.Validate(cfg)
}

// LoadFile is LoadYAML for the content of path.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return LoadYAML(data, cfg)
}
