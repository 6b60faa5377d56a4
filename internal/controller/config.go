// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/apm-correlation/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/config"
)

type Config struct {
	config.Config

	// SettingsFile is a YAML document with config.Config keys. It is applied
	// on start and again whenever Reload is called.
	SettingsFile string
	Version      bool

	// Workers is the number of tasks running the synthetic workload.
	Workers int
	// WorkloadInterval is the pause between two transactions of a worker.
	WorkloadInterval time.Duration

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	if cfg.Fs == nil {
		return
	}
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	var errs []error
	if err := cfg.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Workers < 0 {
		errs = append(errs, fmt.Errorf("invalid number of workers: %d", cfg.Workers))
	}
	if cfg.Workers > 0 && cfg.WorkloadInterval <= 0 {
		errs = append(errs, errors.New("workload interval must be > 0"))
	}
	return errors.Join(errs...)
}

// loadSettings overlays the settings file, if any, on a copy of the
// configuration.
func (cfg *Config) loadSettings() (config.Config, error) {
	loaded := cfg.Config
	if cfg.SettingsFile == "" {
		return loaded, nil
	}
	if err := config.LoadFile(cfg.SettingsFile, &loaded); err != nil {
		return cfg.Config, fmt.Errorf("failed to load settings from %s: %w",
			cfg.SettingsFile, err)
	}
	return loaded, nil
}
