// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/apm-correlation/internal/controller"

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/allocations"
	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/config"
	"go.opentelemetry.io/apm-correlation/correlation"
	"go.opentelemetry.io/apm-correlation/metrics/agentmetrics"
	"go.opentelemetry.io/apm-correlation/metrics/reportermetrics"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/reporter"
)

// Controller is an instance that runs, manages and stops the agent.
type Controller struct {
	config   *Config
	agent    *nativeagent.Agent
	reporter reporter.Reporter

	tracer      *apm.Tracer
	integration *correlation.Integration
	rate        *config.Dynamic[int]
	sampler     *allocations.Sampler
	workload    *workload
	stopMetrics []func()
}

// New creates a new controller
// The native agent holds process wide state. So there should only ever be
// one running.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config: cfg,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	if c.agent == nil {
		c.agent = nativeagent.NewDefault()
	}
	return c
}

// Tracer returns the tracer of a started controller.
func (c *Controller) Tracer() *apm.Tracer {
	return c.tracer
}

// Integration returns the correlation integration of a started controller.
func (c *Controller) Integration() *correlation.Integration {
	return c.integration
}

// Start starts the controller
// The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	settings, err := c.config.loadSettings()
	if err != nil {
		return err
	}
	c.config.Config = settings
	if err = c.config.Validate(); err != nil {
		return err
	}

	if err = c.startReporter(ctx); err != nil {
		return fmt.Errorf("failed to start reporter: %w", err)
	}

	c.tracer = apm.NewTracer(c.config.ServiceName, c.reporter)

	// Without the native agent the tracer keeps reporting directly.
	c.integration = correlation.NewIntegration(c.agent, c.tracer, c.config.Correlation())
	if err = c.integration.Start(ctx); err != nil {
		log.Warnf("Profiler correlation disabled: %v", err)
	} else {
		log.Infof("Profiler correlation started, return channel %q",
			c.integration.ProcessStorage().SocketPath())
	}

	c.rate = config.NewDynamic(c.config.AllocationSamplingRate)
	if c.config.AllocationSamplingEnabled {
		c.sampler = allocations.NewSampler(c.agent, c.tracer, c.rate)
		err = c.sampler.Start(ctx, c.config.MetricsInterval)
		switch {
		case errors.Is(err, nativeagent.ErrAllocationSamplingUnsupported):
			log.Info("Allocation sampling is not supported on this platform")
			c.sampler = nil
		case err != nil:
			log.Warnf("Failed to start allocation sampling: %v", err)
			c.sampler = nil
		default:
			log.Infof("Enabled allocation sampling every %d bytes", c.rate.Get())
		}
	}

	stopAgentMetrics, err := agentmetrics.Start(ctx, c.config.MetricsInterval)
	if err != nil {
		log.Warnf("Failed to start agent metrics: %v", err)
	}
	c.stopMetrics = append(c.stopMetrics, stopAgentMetrics,
		reportermetrics.Start(ctx, c.reporter, c.config.MetricsInterval))

	if c.config.Workers > 0 {
		c.workload = startWorkload(ctx, c.tracer, c.integration, c.config.Workers,
			c.config.WorkloadInterval)
	}
	return nil
}

// Reload re-reads the settings file and applies the settings that can
// change at runtime.
func (c *Controller) Reload() error {
	settings, err := c.config.loadSettings()
	if err != nil {
		return err
	}
	if err = settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if settings.VerboseMode {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if c.rate != nil {
		c.rate.Set(settings.AllocationSamplingRate)
	}
	log.Infof("Reloaded settings from %s", c.config.SettingsFile)
	return nil
}

// Shutdown stops the controller
func (c *Controller) Shutdown() error {
	log.Info("Stop processing ...")
	var errs []error
	if c.workload != nil {
		c.workload.stop()
	}
	if c.sampler != nil {
		errs = append(errs, c.sampler.Stop())
	}
	if c.integration != nil {
		errs = append(errs, c.integration.Stop())
	}
	if c.reporter != nil {
		c.reporter.Stop()
	}
	for _, stop := range c.stopMetrics {
		stop()
	}
	errs = append(errs, c.agent.Destroy())
	return errors.Join(errs...)
}
