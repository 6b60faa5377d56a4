// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeagent // import "go.opentelemetry.io/apm-correlation/nativeagent"

// State is the lifecycle state of the native correlation capability.
type State int32

const (
	// NotLoaded is the initial state.
	NotLoaded State = iota
	// LoadFailed is terminal: the platform can not provide the capability.
	LoadFailed
	// Loaded means the library is usable but not initialized.
	Loaded
	// Initialized is the only state that permits native calls.
	Initialized
	// InitializationFailed is terminal. Loading is never repeated.
	InitializationFailed
	// DestroyFailed is terminal. No native call is made after entering it.
	DestroyFailed
)

var stateNames = [...]string{
	NotLoaded:            "not-loaded",
	LoadFailed:           "load-failed",
	Loaded:               "loaded",
	Initialized:          "initialized",
	InitializationFailed: "initialization-failed",
	DestroyFailed:        "destroy-failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further progress is possible from s.
func (s State) Terminal() bool {
	return s == LoadFailed || s == InitializationFailed || s == DestroyFailed
}
