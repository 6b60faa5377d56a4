// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter records the outcome of an operation in exactly
// one of two atomic counters.
//
// A SuccessFailureCounter value itself is not thread safe and is meant to live
// on the stack of the goroutine performing the operation. The counters it
// points to may be shared.
package successfailurecounter // import "go.opentelemetry.io/apm-correlation/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SuccessFailureCounter increments either the success or the failure counter,
// exactly once.
type SuccessFailureCounter struct {
	success, fail *atomic.Uint64
	sealed        bool
}

// New returns a SuccessFailureCounter that can be incremented exactly once.
func New(success, fail *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

// Report increments the success counter if ok is true and the failure counter
// otherwise.
func (sfc *SuccessFailureCounter) Report(ok bool) {
	if sfc.sealed {
		log.Errorf("Attempted to report success/failure status more than once.")
		return
	}
	if ok {
		sfc.success.Add(1)
	} else {
		sfc.fail.Add(1)
	}
	sfc.sealed = true
}

// ReportSuccess increments the success counter or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	sfc.Report(true)
}

// ReportFailure increments the failure counter or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportFailure() {
	sfc.Report(false)
}

// DefaultToFailure increments the failure counter if no counter was updated before.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		sfc.fail.Add(1)
		sfc.sealed = true
	}
}

// Sealed reports whether an outcome was already recorded.
func (sfc *SuccessFailureCounter) Sealed() bool {
	return sfc.sealed
}
