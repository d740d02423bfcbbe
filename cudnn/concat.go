// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/streamexec"
)

// DepthConcatenate implements dnn.Support. cuDNN has no concatenation entry
// point, so the inputs are staged through the host: each input is copied
// down, remapped into its depth slot of the output, and the assembled result
// copied back up in one transfer. Slow, but correct for any number of
// inputs.
//
// All inputs must share batch count and spatial extents and use the
// batch-depth-Y-X layout; otherwise-laid-out inputs fail the call. An empty
// input list is a no-op.
func (s *Support) DepthConcatenate(stream streamexec.Stream,
	inputDims []dnn.BatchDescriptor, inputData []streamexec.DeviceMemory,
	outputData streamexec.DeviceMemory) bool {
	if len(inputDims) != len(inputData) {
		exceptions.Panicf("cudnn: depth concatenate got %d descriptors for %d inputs",
			len(inputDims), len(inputData))
	}
	for i := range inputDims {
		if inputDims[i].Layout() != dnn.BatchDepthYX {
			klog.Errorf("cudnn: depth concatenate requires the BatchDepthYX layout, input %d has %s",
				i, inputDims[i].Layout())
			return false
		}
	}
	if len(inputDims) == 0 {
		// Nothing to concatenate.
		return true
	}

	output := dnn.DepthConcatenateOutputDescriptor(inputDims)
	area := output.NodesPerFeatureMap()
	index := func(batch, depth, yx, featureMaps int64) int64 {
		return (batch*featureMaps+depth)*area + yx
	}

	outputHost := make([]float32, output.ElementCount())
	var depthSum int64
	for i := range inputData {
		dims := &inputDims[i]
		tmp := make([]float32, dims.ElementCount())
		if err := stream.MemcpyD2H(inputData[i], tmp); err != nil {
			klog.Errorf("cudnn: could not copy depth concatenate input %d to host: %+v", i, err)
			return false
		}
		if err := stream.BlockHostUntilDone(); err != nil {
			klog.Errorf("cudnn: BlockHostUntilDone failed: %+v", err)
			return false
		}

		for batch := int64(0); batch < output.Count(); batch++ {
			for depth := int64(0); depth < dims.FeatureMapCount(); depth++ {
				for yx := int64(0); yx < area; yx++ {
					indexIn := index(batch, depth, yx, dims.FeatureMapCount())
					indexOut := index(batch, depth+depthSum, yx, output.FeatureMapCount())
					outputHost[indexOut] = tmp[indexIn]
				}
			}
		}
		depthSum += dims.FeatureMapCount()
	}

	if err := stream.MemcpyH2D(outputHost, outputData); err != nil {
		klog.Errorf("cudnn: could not copy depth concatenate result to device: %+v", err)
		return false
	}
	return true
}
