// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import "time"

// AlgorithmType identifies one of a backend's execution algorithms for a
// given operation direction. The values are backend-specific.
type AlgorithmType int64

// DefaultAlgorithm asks the backend to pick an algorithm with its own
// heuristics, under the scratch allocator's memory limit if one is supplied.
const DefaultAlgorithm AlgorithmType = -1

// IsDefault reports whether a is the DefaultAlgorithm marker.
func (a AlgorithmType) IsDefault() bool { return a == DefaultAlgorithm }

// AlgorithmConfig carries the caller's algorithm selection for one
// convolution call.
//
// If Algorithm is DefaultAlgorithm the backend negotiates one heuristically.
// Otherwise Algorithm is used, and AlgorithmNoScratch (when set) is the
// fallback used if the workspace Algorithm requires cannot be allocated; the
// fallback is assumed to need no workspace.
type AlgorithmConfig struct {
	Algorithm          AlgorithmType
	AlgorithmNoScratch AlgorithmType
}

// DefaultAlgorithmConfig leaves both the algorithm and its no-scratch
// fallback to the backend's heuristics.
func DefaultAlgorithmConfig() AlgorithmConfig {
	return AlgorithmConfig{
		Algorithm:          DefaultAlgorithm,
		AlgorithmNoScratch: DefaultAlgorithm,
	}
}

// ProfileResult receives profiling output of one operation: the algorithm
// actually used and the device time the compute call took. Passing a
// non-nil ProfileResult to an operation puts it in profiling mode: workspace
// query or allocation failures abort the call silently, since profiling
// sweeps are expected to probe infeasible configurations.
type ProfileResult struct {
	valid     bool
	algorithm AlgorithmType
	elapsed   time.Duration
}

// IsValid reports whether the result was populated by a successful dispatch.
func (p *ProfileResult) IsValid() bool { return p.valid }

// Algorithm returns the algorithm actually used.
func (p *ProfileResult) Algorithm() AlgorithmType { return p.algorithm }

// Elapsed returns the measured device time of the compute call.
func (p *ProfileResult) Elapsed() time.Duration { return p.elapsed }

// SetIsValid marks the result valid. Backends call this on successful
// dispatch only.
func (p *ProfileResult) SetIsValid(valid bool) { p.valid = valid }

// SetAlgorithm records the algorithm actually used.
func (p *ProfileResult) SetAlgorithm(a AlgorithmType) { p.algorithm = a }

// SetElapsed records the measured device time.
func (p *ProfileResult) SetElapsed(d time.Duration) { p.elapsed = d }
