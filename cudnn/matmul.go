// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/streamexec"
)

const float32Bytes = 4

// MatMul implements dnn.Support. cuDNN has no matrix-multiply entry point,
// so this rides on the stream's BLAS support: the fully-connected case
// (1x1 output spatial extent) is a single gemm, anything else runs one gemm
// per spatial location of the output, batched.
func (s *Support) MatMul(stream streamexec.Stream,
	inputData, weights streamexec.DeviceMemory,
	input, output *dnn.BatchDescriptor,
	outputData streamexec.DeviceMemory) bool {
	blas, ok := stream.(streamexec.Blas)
	if !ok {
		klog.Errorf("cudnn: attempting a matrix multiply on a stream without BLAS support")
		return false
	}
	if input.Count() != output.Count() {
		klog.Errorf("cudnn: input batch count %d does not match output batch count %d for matrix multiply",
			input.Count(), output.Count())
		return false
	}
	for _, d := range []*dnn.BatchDescriptor{input, output} {
		switch d.Layout() {
		case dnn.BatchYXDepth, dnn.BatchDepthYX:
		default:
			klog.Errorf("cudnn: unsupported layout %s for matrix multiply", d.Layout())
			return false
		}
	}

	if output.NodesAcrossFeatureMaps() == output.FeatureMapCount() {
		// Fully connected layer: the whole input feeds the output's single
		// spatial location. The data is stored row-major with one sample per
		// row, but gemm is column-major: a row-major matrix is a transposed
		// column-major one, so computing output^T = weights^T * input^T in
		// column-major terms needs no explicit transposition, only the
		// operand order swapped.
		m := output.NodesAcrossFeatureMaps()
		n := input.Count()
		k := input.NodesAcrossFeatureMaps()
		err := blas.Gemm(streamexec.NoTranspose, streamexec.NoTranspose,
			m, n, k, 1.0,
			weights, int(m), inputData, int(k), 0.0,
			outputData, int(m))
		if err != nil {
			klog.Errorf("cudnn: could not enqueue matrix multiply on stream: %+v", err)
			return false
		}
		return true
	}

	// Spatially varying weights: each spatial location of the output is its
	// own fully-connected layer reading the whole input, so run one gemm per
	// location, batched. The per-location output columns are interleaved in
	// the output buffer, which only lines up when the depth axis is
	// innermost; a depth-major output works only in the degenerate
	// single-feature-map case.
	switch output.Layout() {
	case dnn.BatchYXDepth:
	case dnn.BatchDepthYX:
		if output.FeatureMapCount() != 1 {
			klog.Errorf("cudnn: unsupported output layout %s with %d feature maps for batched matrix multiply",
				output.Layout(), output.FeatureMapCount())
			return false
		}
	default:
		klog.Errorf("cudnn: unsupported output layout %s for batched matrix multiply", output.Layout())
		return false
	}

	m := output.FeatureMapCount()
	n := input.Count()
	k := input.NodesAcrossFeatureMaps()
	lda := int(m)
	ldb := int(k)
	ldc := int(output.NodesAcrossFeatureMaps())
	batchCount := int(output.NodesPerFeatureMap())

	a := make([]streamexec.DeviceMemory, batchCount)
	b := make([]streamexec.DeviceMemory, batchCount)
	c := make([]streamexec.DeviceMemory, batchCount)
	for i := 0; i < batchCount; i++ {
		a[i] = weights.Offset(uint64(int64(i)*m*k) * float32Bytes)
		b[i] = inputData
		c[i] = outputData.Offset(uint64(int64(i)*m) * float32Bytes)
	}
	err := blas.GemmBatched(streamexec.NoTranspose, streamexec.NoTranspose,
		m, n, k, 1.0, a, lda, b, ldb, 0.0, c, ldc, batchCount)
	if err != nil {
		klog.Errorf("cudnn: could not enqueue batched matrix multiply on stream: %+v", err)
		return false
	}
	return true
}
