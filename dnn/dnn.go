// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dnn defines the high-level neural-network primitive operations a
// platform DNN backend needs to implement, the logical descriptor value types
// used to describe tensors, filters, convolutions and poolings, and the
// process-wide registry through which backend implementations make
// themselves available.
//
// Descriptors are logical: they describe shapes, strides and parameters in a
// platform-independent way. Backends translate them into whatever native
// representation their accelerator library requires, per call.
//
// Fatal configuration and integrity errors panic with a stack trace, see
// package github.com/gomlx/exceptions. Operation failures are reported as a
// boolean outcome and logged by the backend.
package dnn

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/godnn/streamexec"
)

// Support is the set of DNN primitives a platform backend exposes to streams.
//
// Every operation takes the stream to execute on, device memory references
// for its inputs/outputs, and logical descriptors for their shapes. The
// boolean result reports whether the operation was successfully enqueued;
// a false return means the operation did not execute.
//
// Backends are safe for concurrent use: calls against the same Support
// instance are serialized where the underlying native library requires it.
type Support interface {
	// Init prepares the backend for use, validating that the runtime-loaded
	// native library is compatible with the one the backend was built
	// against. It must be called once before any operation.
	Init() error

	// ConvolveForward enqueues a forward convolution of inputData (shaped by
	// input) with filterData (shaped by filter), writing to outputData.
	// Supported dtypes: Float32 and Float16.
	ConvolveForward(stream streamexec.Stream, dtype dtypes.DType,
		input *BatchDescriptor, inputData streamexec.DeviceMemory,
		filter *FilterDescriptor, filterData streamexec.DeviceMemory,
		conv *ConvolutionDescriptor,
		output *BatchDescriptor, outputData streamexec.DeviceMemory,
		scratch streamexec.ScratchAllocator, algorithm AlgorithmConfig,
		profile *ProfileResult) bool

	// ConvolveBackwardData computes the gradient with respect to the
	// convolution input: backwardInputData from backwardOutputData.
	ConvolveBackwardData(stream streamexec.Stream, dtype dtypes.DType,
		filter *FilterDescriptor, filterData streamexec.DeviceMemory,
		output *BatchDescriptor, backwardOutputData streamexec.DeviceMemory,
		conv *ConvolutionDescriptor,
		input *BatchDescriptor, backwardInputData streamexec.DeviceMemory,
		scratch streamexec.ScratchAllocator, algorithm AlgorithmConfig,
		profile *ProfileResult) bool

	// ConvolveBackwardFilter computes the gradient with respect to the
	// filter: backwardFilterData from backwardOutputData.
	ConvolveBackwardFilter(stream streamexec.Stream, dtype dtypes.DType,
		input *BatchDescriptor, inputData streamexec.DeviceMemory,
		output *BatchDescriptor, backwardOutputData streamexec.DeviceMemory,
		conv *ConvolutionDescriptor,
		filter *FilterDescriptor, backwardFilterData streamexec.DeviceMemory,
		scratch streamexec.ScratchAllocator, algorithm AlgorithmConfig,
		profile *ProfileResult) bool

	// ConvolveBackwardBias computes the gradient with respect to the bias.
	// Supported dtypes: Float32, Float64 and Float16.
	ConvolveBackwardBias(stream streamexec.Stream, dtype dtypes.DType,
		input *BatchDescriptor, inputData streamexec.DeviceMemory,
		bias *BatchDescriptor, backwardBiasData streamexec.DeviceMemory) bool

	// MatMul multiplies inputData (rows of batch samples) by weights into
	// outputData, using the platform's BLAS primitives. Float32 only.
	MatMul(stream streamexec.Stream,
		inputData, weights streamexec.DeviceMemory,
		input, output *BatchDescriptor,
		outputData streamexec.DeviceMemory) bool

	// BiasAdd adds biases, broadcast over batch and spatial dimensions, to
	// inputData, writing to outputData. Input and output may alias.
	BiasAdd(stream streamexec.Stream,
		inputData, biases streamexec.DeviceMemory,
		dims *BatchDescriptor, outputData streamexec.DeviceMemory) bool

	// Activate applies the activation function to inputData. Float32 only.
	Activate(stream streamexec.Stream, mode ActivationMode,
		dims *BatchDescriptor,
		inputData, outputData streamexec.DeviceMemory) bool

	// PoolForward enqueues a pooling operation.
	// Supported dtypes: Float32 and Float16.
	PoolForward(stream streamexec.Stream, dtype dtypes.DType,
		pooling *PoolingDescriptor,
		input *BatchDescriptor, inputData streamexec.DeviceMemory,
		output *BatchDescriptor, outputData streamexec.DeviceMemory) bool

	// PoolBackward computes the gradient of a pooling operation.
	// Supported dtypes: Float32 and Float16.
	PoolBackward(stream streamexec.Stream, dtype dtypes.DType,
		pooling *PoolingDescriptor,
		input *BatchDescriptor, inputData streamexec.DeviceMemory,
		output *BatchDescriptor, outputData streamexec.DeviceMemory,
		inputDiffData, outputDiffData streamexec.DeviceMemory) bool

	// DepthConcatenate concatenates the inputs along the depth axis into
	// outputData. All inputs must share batch and spatial extents and use
	// the BatchDepthYX layout. Float32 only.
	DepthConcatenate(stream streamexec.Stream,
		inputDims []BatchDescriptor, inputData []streamexec.DeviceMemory,
		outputData streamexec.DeviceMemory) bool

	// Normalize is not supported by this adapter.
	Normalize(stream streamexec.Stream, normalize *NormalizeDescriptor,
		inputData, outputData streamexec.DeviceMemory) bool

	// ElementwiseOperate is not supported by this adapter.
	ElementwiseOperate(stream streamexec.Stream, op ElementwiseOperation,
		inputDims []BatchDescriptor, inputData []streamexec.DeviceMemory,
		output *BatchDescriptor, outputData streamexec.DeviceMemory) bool

	// XYPad is not supported by this adapter.
	XYPad(stream streamexec.Stream, dims *BatchDescriptor,
		inputData streamexec.DeviceMemory,
		leftPad, rightPad, topPad, bottomPad int64,
		outputData streamexec.DeviceMemory) bool

	// XYSlice is not supported by this adapter.
	XYSlice(stream streamexec.Stream, dims *BatchDescriptor,
		inputData streamexec.DeviceMemory,
		leftTrim, rightTrim, topTrim, bottomTrim int64,
		outputData streamexec.DeviceMemory) bool

	// MemcpyD2HQuantized is not supported by this adapter.
	MemcpyD2HQuantized(stream streamexec.Stream,
		src streamexec.DeviceMemory, mode QuantizedActivationMode,
		hostDst any) bool

	// MemcpyH2DQuantized is not supported by this adapter.
	MemcpyH2DQuantized(stream streamexec.Stream, hostSrc any,
		mode QuantizedActivationMode, dst streamexec.DeviceMemory) bool

	// DeriveOutputBatchDescriptor computes the output shape of a forward
	// convolution from its input, filter and convolution descriptors.
	DeriveOutputBatchDescriptor(input *BatchDescriptor,
		filter *FilterDescriptor,
		conv *ConvolutionDescriptor) (*BatchDescriptor, bool)

	// Finalize releases the backend's native resources and makes it invalid.
	Finalize()
}
