// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/apm-correlation/internal/controller"

import (
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/reporter"
)

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithReporter sets a custom reporter that will be run for that controller.
// This defaults to [reporter.OTLPReporter] if a collection agent is
// configured and to a logging [reporter.CollectorReporter] otherwise.
func WithReporter(rep reporter.Reporter) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.reporter = rep
		return c
	})
}

// WithAgent sets the native agent. This defaults to the agent of the
// platform's native library.
func WithAgent(agent *nativeagent.Agent) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.agent = agent
		return c
	})
}
