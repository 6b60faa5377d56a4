// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/apm-correlation/internal/controller"

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"go.opentelemetry.io/apm-correlation/config"
	"go.opentelemetry.io/apm-correlation/reporter"
	"go.opentelemetry.io/apm-correlation/vc"
)

// startReporter sets up the reporter on the controller
func (c *Controller) startReporter(ctx context.Context) error {
	if c.reporter == nil {
		rep, err := newReporter(&c.config.Config)
		if err != nil {
			return err
		}
		c.reporter = rep
	}
	return c.reporter.Start(ctx)
}

func newReporter(cfg *config.Config) (reporter.Reporter, error) {
	hostname, err := os.Hostname()
	if err != nil {
		log.Warnf("Failed to get hostname: %v", err)
	}
	rcfg := &reporter.Config{
		Name:           "apm-correlation",
		Version:        vc.Version(),
		ServiceName:    cfg.ServiceName,
		HostName:       hostname,
		CollAgentAddr:  cfg.CollAgentAddr,
		MaxRPCMsgSize:  32 << 20, // 32 MiB
		DisableTLS:     cfg.DisableTLS,
		QueueSize:      int(cfg.ReportQueue),
		MaxGRPCRetries: cfg.MaxGRPCRetries,
		ReportInterval: cfg.ReportInterval,
	}
	if cfg.CollAgentAddr != "" {
		return reporter.NewOTLP(rcfg)
	}
	return reporter.NewCollector(rcfg, logConsumer())
}

// logConsumer logs every exported transaction.
func logConsumer() consumer.Traces {
	next, _ := consumer.NewTraces(func(_ context.Context, td ptrace.Traces) error {
		rss := td.ResourceSpans()
		for i := 0; i < rss.Len(); i++ {
			sss := rss.At(i).ScopeSpans()
			for j := 0; j < sss.Len(); j++ {
				spans := sss.At(j).Spans()
				for k := 0; k < spans.Len(); k++ {
					span := spans.At(k)
					var samples int
					var allocated int64
					if v, ok := span.Attributes().Get(reporter.AttrProfilerStackTraceIDs); ok {
						samples = v.Slice().Len()
					}
					if v, ok := span.Attributes().Get(reporter.AttrSampledAllocationBytes); ok {
						allocated = v.Int()
					}
					log.Infof("Transaction %s %q: %s, %d profiler samples, %d sampled allocation bytes",
						span.SpanID(), span.Name(),
						span.EndTimestamp().AsTime().Sub(span.StartTimestamp().AsTime()),
						samples, allocated)
				}
			}
		}
		return nil
	})
	return next
}
