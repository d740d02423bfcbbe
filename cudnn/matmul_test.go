// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/streamexec"
)

func TestMatMulFullyConnected(t *testing.T) {
	fake := newFakeCudnn(5105)
	support, _ := newTestSupport(t, fake)
	stream := &fakeBlasStream{}

	// 4 samples of 3 features in, 2 features out.
	input := dnn.NewBatchDescriptor(2).
		SetCount(4).SetFeatureMapCount(3).SetHeight(1).SetWidth(1).
		SetLayout(dnn.BatchYXDepth)
	output := dnn.NewBatchDescriptor(2).
		SetCount(4).SetFeatureMapCount(2).SetHeight(1).SetWidth(1).
		SetLayout(dnn.BatchYXDepth)
	_, inputMem := newDeviceBuffer(make([]float32, 4*3)...)
	_, weightsMem := newDeviceBuffer(make([]float32, 3*2)...)
	_, outputMem := newDeviceBuffer(make([]float32, 4*2)...)

	ok := support.MatMul(stream, inputMem, weightsMem, input, output, outputMem)
	require.True(t, ok)
	require.Len(t, stream.gemms, 1)
	call := stream.gemms[0]
	require.Equal(t, streamexec.NoTranspose, call.transA)
	require.Equal(t, streamexec.NoTranspose, call.transB)
	// Column-major gemm over row-major data: operands swapped, so A is the
	// weights with m = output features, n = batch, k = input features.
	require.Equal(t, int64(2), call.m)
	require.Equal(t, int64(4), call.n)
	require.Equal(t, int64(3), call.k)
	require.Equal(t, weightsMem.Opaque(), call.a.Opaque())
	require.Equal(t, inputMem.Opaque(), call.b.Opaque())
	require.Equal(t, outputMem.Opaque(), call.c.Opaque())
	require.Equal(t, 2, call.lda)
	require.Equal(t, 3, call.ldb)
	require.Equal(t, 2, call.ldc)
	require.Equal(t, float32(1), call.alpha)
	require.Equal(t, float32(0), call.beta)
}

func TestMatMulFullyConnectedFromSpatialInput(t *testing.T) {
	fake := newFakeCudnn(5105)
	support, _ := newTestSupport(t, fake)
	stream := &fakeBlasStream{}

	// A fully connected layer reading a convolutional feature map: the input
	// has spatial extents, the output collapses to a single location. The
	// whole input flattens into the gemm's k dimension.
	input := dnn.NewBatchDescriptor(2).
		SetCount(2).SetFeatureMapCount(3).SetHeight(4).SetWidth(5).
		SetLayout(dnn.BatchDepthYX)
	output := dnn.NewBatchDescriptor(2).
		SetCount(2).SetFeatureMapCount(7).SetHeight(1).SetWidth(1).
		SetLayout(dnn.BatchDepthYX)
	_, inputMem := newDeviceBuffer(make([]float32, input.ElementCount())...)
	_, weightsMem := newDeviceBuffer(make([]float32, 3*4*5*7)...)
	_, outputMem := newDeviceBuffer(make([]float32, output.ElementCount())...)

	ok := support.MatMul(stream, inputMem, weightsMem, input, output, outputMem)
	require.True(t, ok)
	require.Len(t, stream.gemms, 1)
	call := stream.gemms[0]
	require.Equal(t, int64(7), call.m)
	require.Equal(t, int64(2), call.n)
	require.Equal(t, int64(3*4*5), call.k)
	require.Empty(t, call.batchA)
}

func TestMatMulRejectsMismatchedBatchCounts(t *testing.T) {
	fake := newFakeCudnn(5105)
	support, _ := newTestSupport(t, fake)
	stream := &fakeBlasStream{}

	input := dnn.NewBatchDescriptor(2).
		SetCount(4).SetFeatureMapCount(3).SetHeight(1).SetWidth(1).
		SetLayout(dnn.BatchYXDepth)
	output := dnn.NewBatchDescriptor(2).
		SetCount(2).SetFeatureMapCount(2).SetHeight(1).SetWidth(1).
		SetLayout(dnn.BatchYXDepth)
	_, inputMem := newDeviceBuffer(make([]float32, 4*3)...)
	_, weightsMem := newDeviceBuffer(make([]float32, 3*2)...)
	_, outputMem := newDeviceBuffer(make([]float32, 2*2)...)

	require.False(t, support.MatMul(stream, inputMem, weightsMem, input, output, outputMem))
	require.Empty(t, stream.gemms)
}

func TestMatMulBatched(t *testing.T) {
	fake := newFakeCudnn(5105)
	support, _ := newTestSupport(t, fake)
	stream := &fakeBlasStream{}

	// Spatially varying weights over a 1x2 output grid: one gemm per
	// location.
	input := dnn.NewBatchDescriptor(2).
		SetCount(3).SetFeatureMapCount(2).SetHeight(1).SetWidth(2).
		SetLayout(dnn.BatchYXDepth)
	output := dnn.NewBatchDescriptor(2).
		SetCount(3).SetFeatureMapCount(4).SetHeight(1).SetWidth(2).
		SetLayout(dnn.BatchYXDepth)
	inputElems := input.ElementCount()
	weightElems := output.NodesPerFeatureMap() * output.FeatureMapCount() * input.NodesAcrossFeatureMaps()
	_, inputMem := newDeviceBuffer(make([]float32, inputElems)...)
	_, weightsMem := newDeviceBuffer(make([]float32, weightElems)...)
	_, outputMem := newDeviceBuffer(make([]float32, output.ElementCount())...)

	ok := support.MatMul(stream, inputMem, weightsMem, input, output, outputMem)
	require.True(t, ok)
	require.Len(t, stream.gemms, 1)
	call := stream.gemms[0]
	require.Equal(t, 2, call.batchCount)
	require.Equal(t, int64(4), call.m)     // output feature maps
	require.Equal(t, int64(3), call.n)     // batch
	require.Equal(t, int64(2*1*2), call.k) // input nodes across feature maps
	require.Equal(t, int(output.NodesAcrossFeatureMaps()), call.ldc)
	require.Len(t, call.batchA, 2)

	// Per-location operands: weights advance m*k elements, output columns
	// interleave every m elements; the input is shared.
	mk := int64(4) * call.k
	require.Equal(t, weightsMem.Opaque(), call.batchA[0].Opaque())
	require.Equal(t, weightsMem.Offset(uint64(mk)*4).Opaque(), call.batchA[1].Opaque())
	require.Equal(t, inputMem.Opaque(), call.batchB[0].Opaque())
	require.Equal(t, inputMem.Opaque(), call.batchB[1].Opaque())
	require.Equal(t, outputMem.Opaque(), call.batchC[0].Opaque())
	require.Equal(t, outputMem.Offset(4*4).Opaque(), call.batchC[1].Opaque())
}

func TestMatMulBatchedRejectsDepthAfterBatchOutput(t *testing.T) {
	fake := newFakeCudnn(5105)
	support, _ := newTestSupport(t, fake)
	stream := &fakeBlasStream{}

	input := dnn.NewBatchDescriptor(2).
		SetCount(1).SetFeatureMapCount(2).SetHeight(1).SetWidth(2).
		SetLayout(dnn.BatchYXDepth)
	output := dnn.NewBatchDescriptor(2).
		SetCount(1).SetFeatureMapCount(4).SetHeight(1).SetWidth(2).
		SetLayout(dnn.BatchDepthYX)
	_, inputMem := newDeviceBuffer(make([]float32, 4)...)
	_, weightsMem := newDeviceBuffer(make([]float32, 32)...)
	_, outputMem := newDeviceBuffer(make([]float32, 8)...)

	// Multiple feature maps with the depth axis outermost can't be written
	// by the batched gemm.
	require.False(t, support.MatMul(stream, inputMem, weightsMem, input, output, outputMem))
	require.Empty(t, stream.gemms)

	// The degenerate single-feature-map case is fine.
	output.SetFeatureMapCount(1)
	_, outputMem = newDeviceBuffer(make([]float32, 2)...)
	require.True(t, support.MatMul(stream, inputMem, weightsMem, input, output, outputMem))
	require.Len(t, stream.gemms, 1)
}

func TestMatMulRequiresBlas(t *testing.T) {
	fake := newFakeCudnn(5105)
	support, _ := newTestSupport(t, fake)

	input := dnn.NewBatchDescriptor(2).SetCount(1).SetFeatureMapCount(2).SetHeight(1).SetWidth(1)
	output := dnn.NewBatchDescriptor(2).SetCount(1).SetFeatureMapCount(2).SetHeight(1).SetWidth(1)
	_, inputMem := newDeviceBuffer(make([]float32, 2)...)
	_, weightsMem := newDeviceBuffer(make([]float32, 4)...)
	_, outputMem := newDeviceBuffer(make([]float32, 2)...)

	// A stream without BLAS support can't run matrix multiplies.
	require.False(t, support.MatMul(&fakeStream{}, inputMem, weightsMem, input, output, outputMem))
}
