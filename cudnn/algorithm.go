// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/libcudnn"
	"github.com/gomlx/godnn/streamexec"
)

// supportedForwardAlgos returns the forward convolution algorithms a library
// of the given version accepts as an explicit selection.
func supportedForwardAlgos(version int64) []libcudnn.ConvolutionFwdAlgo {
	algos := []libcudnn.ConvolutionFwdAlgo{
		libcudnn.ConvolutionFwdAlgoImplicitGemm,
		libcudnn.ConvolutionFwdAlgoImplicitPrecompGemm,
		libcudnn.ConvolutionFwdAlgoGemm,
		libcudnn.ConvolutionFwdAlgoDirect,
		libcudnn.ConvolutionFwdAlgoFFT,
		libcudnn.ConvolutionFwdAlgoFFTTiling,
	}
	if version >= 5000 {
		algos = append(algos, libcudnn.ConvolutionFwdAlgoWinograd)
	}
	return algos
}

func supportedBackwardDataAlgos(version int64) []libcudnn.ConvolutionBwdDataAlgo {
	algos := []libcudnn.ConvolutionBwdDataAlgo{
		libcudnn.ConvolutionBwdDataAlgo0,
		libcudnn.ConvolutionBwdDataAlgo1,
		libcudnn.ConvolutionBwdDataAlgoFFT,
		libcudnn.ConvolutionBwdDataAlgoFFTTiling,
	}
	if version >= 5000 {
		algos = append(algos, libcudnn.ConvolutionBwdDataAlgoWinograd)
	}
	return algos
}

func supportedBackwardFilterAlgos(version int64) []libcudnn.ConvolutionBwdFilterAlgo {
	return []libcudnn.ConvolutionBwdFilterAlgo{
		libcudnn.ConvolutionBwdFilterAlgo0,
		libcudnn.ConvolutionBwdFilterAlgo1,
		libcudnn.ConvolutionBwdFilterAlgoFFT,
		libcudnn.ConvolutionBwdFilterAlgo3,
	}
}

// negotiation is one convolution direction's algorithm machinery, closed
// over the direction-specific native queries. kind names the direction in
// log and panic messages.
type negotiation[Algo ~int64] struct {
	kind      string
	supported []Algo

	// getPreferred asks the library for its preferred algorithm; when
	// specifyLimit is set, under the given workspace memory limit, otherwise
	// for a workspace-free one.
	getPreferred func(specifyLimit bool, memoryLimitBytes int64) (Algo, libcudnn.Status)

	// getWorkspaceSize queries the workspace size algo requires.
	getWorkspaceSize func(algo Algo) (uint64, libcudnn.Status)
}

// negotiate resolves the algorithm to run and its workspace.
//
// With a default AlgorithmConfig the library picks the algorithm: under the
// scratch allocator's memory limit if one is supplied, otherwise restricted
// to workspace-free algorithms. If the chosen algorithm's workspace cannot
// be obtained -- the size query fails or the allocation does -- negotiation
// downgrades to the workspace-free choice rather than failing the operation.
//
// With an explicit algorithm the caller's choice is binding. An algorithm
// the loaded library doesn't support is a programming error and panics, and
// needing a workspace without having been given an allocator is fatal too.
// A failed workspace-size query or workspace allocation aborts silently in
// profiling mode (profiling sweeps probe infeasible configurations); outside
// profiling the query failure panics, while an allocation failure runs the
// AlgorithmNoScratch fallback -- which must name a distinct algorithm, or
// negotiation panics.
//
// The second result is the workspace (possibly empty), the third reports
// whether negotiation succeeded.
func (n *negotiation[Algo]) negotiate(stream streamexec.Stream,
	scratch streamexec.ScratchAllocator, config dnn.AlgorithmConfig,
	profiling bool) (Algo, streamexec.DeviceMemory, bool) {
	var noWorkspace streamexec.DeviceMemory

	if config.Algorithm.IsDefault() {
		// Heuristic selection.
		specifyLimit := scratch != nil
		var memoryLimit int64
		if specifyLimit {
			memoryLimit = scratch.GetMemoryLimitInBytes(stream)
			if memoryLimit < 0 {
				memoryLimit = 0
			}
		}
		algo, status := n.getPreferred(specifyLimit, memoryLimit)
		if status != libcudnn.StatusSuccess {
			exceptions.Panicf("cudnn: unable to find a suitable algorithm for %s: %s", n.kind, status)
		}
		if scratch == nil {
			// The preference already restricted to workspace-free algorithms.
			return algo, noWorkspace, true
		}
		sizeBytes, status := n.getWorkspaceSize(algo)
		if status == libcudnn.StatusSuccess && sizeBytes == 0 {
			return algo, noWorkspace, true
		}
		if status == libcudnn.StatusSuccess {
			klog.V(2).Infof("cudnn: %s algorithm %d wants a %s workspace",
				n.kind, algo, humanize.IBytes(sizeBytes))
			workspace, err := scratch.AllocateBytes(stream, sizeBytes)
			if err == nil && !workspace.IsNil() {
				return algo, workspace, true
			}
			klog.V(1).Infof("cudnn: could not allocate %s workspace for %s, retrying without workspace: %+v",
				humanize.IBytes(sizeBytes), n.kind, err)
		} else {
			klog.V(1).Infof("cudnn: could not query workspace size for %s algorithm %d (%s), "+
				"retrying without workspace", n.kind, algo, status)
		}
		// No workspace obtained: the limit-preferred algorithm may not run
		// without one, so re-pick restricted to workspace-free algorithms.
		algo, status = n.getPreferred(false, 0)
		if status != libcudnn.StatusSuccess {
			exceptions.Panicf("cudnn: unable to find a workspace-free algorithm for %s: %s", n.kind, status)
		}
		return algo, noWorkspace, true
	}

	// Explicit selection.
	algo := Algo(config.Algorithm)
	if !slices.Contains(n.supported, algo) {
		exceptions.Panicf("cudnn: invalid algorithm %d for %s with loaded library version", algo, n.kind)
	}
	sizeBytes, status := n.getWorkspaceSize(algo)
	if status != libcudnn.StatusSuccess {
		if profiling {
			// Expected: profiling sweeps probe algorithms the library
			// rejects for this configuration.
			return algo, noWorkspace, false
		}
		exceptions.Panicf("cudnn: cannot query the size of workspace needed for %s algorithm %d: %s",
			n.kind, algo, status)
	}
	if sizeBytes == 0 {
		return algo, noWorkspace, true
	}
	if scratch == nil {
		exceptions.Panicf("cudnn: an allocator must be specified when scratch memory is needed for %s algorithm %d",
			n.kind, algo)
	}
	workspace, err := scratch.AllocateBytes(stream, sizeBytes)
	if err == nil && workspace.IsNil() {
		err = errors.New("allocator returned no buffer")
	}
	if err == nil {
		return algo, workspace, true
	}
	if profiling {
		return algo, noWorkspace, false
	}
	if config.AlgorithmNoScratch.IsDefault() || config.AlgorithmNoScratch == config.Algorithm {
		exceptions.Panicf("cudnn: the primary %s algorithm %d failed memory allocation (%s needed), "+
			"and no secondary workspace-free algorithm was provided: %+v",
			n.kind, algo, humanize.IBytes(sizeBytes), err)
	}
	fallback := Algo(config.AlgorithmNoScratch)
	if !slices.Contains(n.supported, fallback) {
		exceptions.Panicf("cudnn: invalid fallback algorithm %d for %s with loaded library version",
			fallback, n.kind)
	}
	return fallback, noWorkspace, true
}
