// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/libcudnn"
	"github.com/gomlx/godnn/streamexec"
)

// checkConvolveDType validates the dtype of a convolution operation: only
// Float32 and Float16 are executable. Float64 is a known gap reported as an
// operation failure; anything else is a programming error.
func checkConvolveDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float16:
		return true
	case dtypes.Float64:
		klog.Errorf("cudnn: double-based DNN not yet implemented")
		return false
	}
	exceptions.Panicf("cudnn: unsupported dtype %s for convolution", dtype)
	return false
}

// startProfiling creates and starts a device timer when profile is non-nil.
// The returned stop func stops the timer and records the result; both
// closures report success.
func (s *Support) startProfiling(stream streamexec.Stream,
	profile *dnn.ProfileResult) (timer streamexec.Timer, ok bool) {
	if profile == nil {
		return nil, true
	}
	timer, err := s.parent.NewTimer()
	if err != nil {
		klog.Errorf("cudnn: could not create a timer for profiling: %+v", err)
		return nil, false
	}
	if err = timer.Start(stream); err != nil {
		timer.Destroy()
		klog.Errorf("cudnn: could not start the timer for profiling: %+v", err)
		return nil, false
	}
	return timer, true
}

// finishProfiling stops the timer and populates profile. The timer only
// brackets the compute call itself, not descriptor setup or negotiation.
func finishProfiling(stream streamexec.Stream, timer streamexec.Timer,
	profile *dnn.ProfileResult, algorithm dnn.AlgorithmType) bool {
	defer timer.Destroy()
	if err := timer.Stop(stream); err != nil {
		klog.Errorf("cudnn: could not stop the timer for profiling: %+v", err)
		return false
	}
	profile.SetAlgorithm(algorithm)
	profile.SetElapsed(timer.Elapsed())
	profile.SetIsValid(true)
	return true
}

// ConvolveForward implements dnn.Support.
func (s *Support) ConvolveForward(stream streamexec.Stream, dtype dtypes.DType,
	input *dnn.BatchDescriptor, inputData streamexec.DeviceMemory,
	filter *dnn.FilterDescriptor, filterData streamexec.DeviceMemory,
	conv *dnn.ConvolutionDescriptor,
	output *dnn.BatchDescriptor, outputData streamexec.DeviceMemory,
	scratch streamexec.ScratchAllocator, algorithm dnn.AlgorithmConfig,
	profile *dnn.ProfileResult) bool {
	if !checkConvolveDType(dtype) {
		return false
	}
	dataType := nativeDataType(dtype)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBindStream(stream)

	srcDesc := newScopedTensorDescriptor(s.parent, s.lib, input, dataType)
	defer srcDesc.Release()
	destDesc := newScopedTensorDescriptor(s.parent, s.lib, output, dataType)
	defer destDesc.Release()
	filterDesc := newScopedFilterDescriptor(s.parent, s.lib, filter, dataType)
	defer filterDesc.Release()
	convDesc := newScopedConvolutionDescriptor(s.parent, s.lib, conv, dataType)
	defer convDesc.Release()

	n := &negotiation[libcudnn.ConvolutionFwdAlgo]{
		kind:      "forward convolution",
		supported: supportedForwardAlgos(s.lib.version),
		getPreferred: func(specifyLimit bool, memoryLimitBytes int64) (libcudnn.ConvolutionFwdAlgo, libcudnn.Status) {
			preference := libcudnn.ConvolutionFwdNoWorkspace
			if specifyLimit {
				preference = libcudnn.ConvolutionFwdSpecifyWorkspaceLimit
			}
			return s.lib.GetConvolutionForwardAlgorithm(s.parent, s.handle,
				srcDesc.handle, filterDesc.handle, convDesc.handle, destDesc.handle,
				preference, memoryLimitBytes)
		},
		getWorkspaceSize: func(algo libcudnn.ConvolutionFwdAlgo) (uint64, libcudnn.Status) {
			return s.lib.GetConvolutionForwardWorkspaceSize(s.parent, s.handle,
				srcDesc.handle, filterDesc.handle, convDesc.handle, destDesc.handle, algo)
		},
	}
	algo, workspace, ok := n.negotiate(stream, scratch, algorithm, profile != nil)
	if !ok {
		return false
	}

	timer, ok := s.startProfiling(stream, profile)
	if !ok {
		return false
	}
	status := s.lib.ConvolutionForward(s.parent, s.handle, 1.0,
		srcDesc.handle, inputData.Opaque(),
		filterDesc.handle, filterData.Opaque(),
		convDesc.handle, algo, workspace.Opaque(), workspace.Size(), 0.0,
		destDesc.handle, outputData.Opaque())
	if timer != nil && !finishProfiling(stream, timer, profile, dnn.AlgorithmType(algo)) {
		return false
	}
	if status != libcudnn.StatusSuccess {
		// During profiling a failed enqueue just invalidates this probe.
		if profile == nil {
			klog.Errorf("cudnn: failed to enqueue convolution on stream: %s", status)
		}
		return false
	}
	return true
}

// maybeTransformLayout rewrites a backward pass's output gradient into the
// batch-depth-Y-X layout when it arrives batch-Y-X-depth, staging it in a
// stream-owned temporary: the backward entry points only accept the former.
// It returns the descriptor and data to use from here on.
func (s *Support) maybeTransformLayout(stream streamexec.Stream, dataType libcudnn.DataType,
	elemBytes uint64, output *dnn.BatchDescriptor,
	backwardOutputData streamexec.DeviceMemory) (*dnn.BatchDescriptor, streamexec.DeviceMemory) {
	if output.Layout() == dnn.BatchDepthYX {
		return output, backwardOutputData
	}
	transformed := output.Clone().SetLayout(dnn.BatchDepthYX)
	staging, err := stream.AllocateTemporary(uint64(output.ElementCount()) * elemBytes)
	if err != nil {
		exceptions.Panicf("cudnn: could not allocate temporary memory to transform the data layout: %+v", err)
	}
	origDesc := newScopedTensorDescriptor(s.parent, s.lib, output, dataType)
	defer origDesc.Release()
	transformedDesc := newScopedTensorDescriptor(s.parent, s.lib, transformed, dataType)
	defer transformedDesc.Release()
	status := s.lib.TransformTensor(s.parent, s.handle, 1.0,
		origDesc.handle, backwardOutputData.Opaque(), 0.0,
		transformedDesc.handle, staging.Opaque())
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: failed to transform the data layout: %s", status)
	}
	return transformed, staging
}

// ConvolveBackwardData implements dnn.Support.
func (s *Support) ConvolveBackwardData(stream streamexec.Stream, dtype dtypes.DType,
	filter *dnn.FilterDescriptor, filterData streamexec.DeviceMemory,
	output *dnn.BatchDescriptor, backwardOutputData streamexec.DeviceMemory,
	conv *dnn.ConvolutionDescriptor,
	input *dnn.BatchDescriptor, backwardInputData streamexec.DeviceMemory,
	scratch streamexec.ScratchAllocator, algorithm dnn.AlgorithmConfig,
	profile *dnn.ProfileResult) bool {
	if !checkConvolveDType(dtype) {
		return false
	}
	dataType := nativeDataType(dtype)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBindStream(stream)
	output, backwardOutputData = s.maybeTransformLayout(stream, dataType,
		uint64(dtype.Memory()), output, backwardOutputData)

	diffDesc := newScopedTensorDescriptor(s.parent, s.lib, output, dataType)
	defer diffDesc.Release()
	gradDesc := newScopedTensorDescriptor(s.parent, s.lib, input, dataType)
	defer gradDesc.Release()
	filterDesc := newScopedFilterDescriptor(s.parent, s.lib, filter, dataType)
	defer filterDesc.Release()
	convDesc := newScopedConvolutionDescriptor(s.parent, s.lib, conv, dataType)
	defer convDesc.Release()

	n := &negotiation[libcudnn.ConvolutionBwdDataAlgo]{
		kind:      "backward-data convolution",
		supported: supportedBackwardDataAlgos(s.lib.version),
		getPreferred: func(specifyLimit bool, memoryLimitBytes int64) (libcudnn.ConvolutionBwdDataAlgo, libcudnn.Status) {
			preference := libcudnn.ConvolutionBwdDataNoWorkspace
			if specifyLimit {
				preference = libcudnn.ConvolutionBwdDataSpecifyWorkspaceLimit
			}
			return s.lib.GetConvolutionBackwardDataAlgorithm(s.parent, s.handle,
				filterDesc.handle, diffDesc.handle, convDesc.handle, gradDesc.handle,
				preference, memoryLimitBytes)
		},
		getWorkspaceSize: func(algo libcudnn.ConvolutionBwdDataAlgo) (uint64, libcudnn.Status) {
			return s.lib.GetConvolutionBackwardDataWorkspaceSize(s.parent, s.handle,
				filterDesc.handle, diffDesc.handle, convDesc.handle, gradDesc.handle, algo)
		},
	}
	algo, workspace, ok := n.negotiate(stream, scratch, algorithm, profile != nil)
	if !ok {
		return false
	}

	timer, ok := s.startProfiling(stream, profile)
	if !ok {
		return false
	}
	status := s.lib.ConvolutionBackwardData(s.parent, s.handle, 1.0,
		filterDesc.handle, filterData.Opaque(),
		diffDesc.handle, backwardOutputData.Opaque(),
		convDesc.handle, algo, workspace.Opaque(), workspace.Size(), 0.0,
		gradDesc.handle, backwardInputData.Opaque())
	if timer != nil && !finishProfiling(stream, timer, profile, dnn.AlgorithmType(algo)) {
		return false
	}
	if status != libcudnn.StatusSuccess {
		if profile == nil {
			klog.Errorf("cudnn: failed to enqueue convolution backward data on stream: %s", status)
		}
		return false
	}
	return true
}

// ConvolveBackwardFilter implements dnn.Support.
func (s *Support) ConvolveBackwardFilter(stream streamexec.Stream, dtype dtypes.DType,
	input *dnn.BatchDescriptor, inputData streamexec.DeviceMemory,
	output *dnn.BatchDescriptor, backwardOutputData streamexec.DeviceMemory,
	conv *dnn.ConvolutionDescriptor,
	filter *dnn.FilterDescriptor, backwardFilterData streamexec.DeviceMemory,
	scratch streamexec.ScratchAllocator, algorithm dnn.AlgorithmConfig,
	profile *dnn.ProfileResult) bool {
	if !checkConvolveDType(dtype) {
		return false
	}
	dataType := nativeDataType(dtype)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBindStream(stream)
	output, backwardOutputData = s.maybeTransformLayout(stream, dataType,
		uint64(dtype.Memory()), output, backwardOutputData)

	srcDesc := newScopedTensorDescriptor(s.parent, s.lib, input, dataType)
	defer srcDesc.Release()
	diffDesc := newScopedTensorDescriptor(s.parent, s.lib, output, dataType)
	defer diffDesc.Release()
	gradDesc := newScopedFilterDescriptor(s.parent, s.lib, filter, dataType)
	defer gradDesc.Release()
	convDesc := newScopedConvolutionDescriptor(s.parent, s.lib, conv, dataType)
	defer convDesc.Release()

	n := &negotiation[libcudnn.ConvolutionBwdFilterAlgo]{
		kind:      "backward-filter convolution",
		supported: supportedBackwardFilterAlgos(s.lib.version),
		getPreferred: func(specifyLimit bool, memoryLimitBytes int64) (libcudnn.ConvolutionBwdFilterAlgo, libcudnn.Status) {
			preference := libcudnn.ConvolutionBwdFilterNoWorkspace
			if specifyLimit {
				preference = libcudnn.ConvolutionBwdFilterSpecifyWorkspaceLimit
			}
			return s.lib.GetConvolutionBackwardFilterAlgorithm(s.parent, s.handle,
				srcDesc.handle, diffDesc.handle, convDesc.handle, gradDesc.handle,
				preference, memoryLimitBytes)
		},
		getWorkspaceSize: func(algo libcudnn.ConvolutionBwdFilterAlgo) (uint64, libcudnn.Status) {
			return s.lib.GetConvolutionBackwardFilterWorkspaceSize(s.parent, s.handle,
				srcDesc.handle, diffDesc.handle, convDesc.handle, gradDesc.handle, algo)
		},
	}
	algo, workspace, ok := n.negotiate(stream, scratch, algorithm, profile != nil)
	if !ok {
		return false
	}

	timer, ok := s.startProfiling(stream, profile)
	if !ok {
		return false
	}
	status := s.lib.ConvolutionBackwardFilter(s.parent, s.handle, 1.0,
		srcDesc.handle, inputData.Opaque(),
		diffDesc.handle, backwardOutputData.Opaque(),
		convDesc.handle, algo, workspace.Opaque(), workspace.Size(), 0.0,
		gradDesc.handle, backwardFilterData.Opaque())
	if timer != nil && !finishProfiling(stream, timer, profile, dnn.AlgorithmType(algo)) {
		return false
	}
	if status != libcudnn.StatusSuccess {
		if profile == nil {
			klog.Errorf("cudnn: failed to enqueue convolution backward filter on stream: %s", status)
		}
		return false
	}
	return true
}

// ConvolveBackwardBias implements dnn.Support.
func (s *Support) ConvolveBackwardBias(stream streamexec.Stream, dtype dtypes.DType,
	input *dnn.BatchDescriptor, inputData streamexec.DeviceMemory,
	bias *dnn.BatchDescriptor, backwardBiasData streamexec.DeviceMemory) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16:
	default:
		exceptions.Panicf("cudnn: unsupported dtype %s for backward bias", dtype)
	}
	dataType := nativeDataType(dtype)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustBindStream(stream)

	inputDesc := newScopedTensorDescriptor(s.parent, s.lib, input, dataType)
	defer inputDesc.Release()
	biasDesc := newScopedTensorDescriptor(s.parent, s.lib, bias, dataType)
	defer biasDesc.Release()

	status := s.lib.ConvolutionBackwardBias(s.parent, s.handle, 1.0,
		inputDesc.handle, inputData.Opaque(), 0.0,
		biasDesc.handle, backwardBiasData.Opaque())
	if status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: failed to enqueue convolution backward bias on stream: %s", status)
		return false
	}
	return true
}

// BiasAdd implements dnn.Support. The biases are a vector of length
// FeatureMapCount, broadcast over batch and spatial dimensions. Input and
// output may refer to the same device memory, in which case the addition is
// done in place.
func (s *Support) BiasAdd(stream streamexec.Stream,
	inputData, biases streamexec.DeviceMemory,
	dims *dnn.BatchDescriptor, outputData streamexec.DeviceMemory) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bindStream(stream) {
		return false
	}

	inputDesc := newScopedTensorDescriptor(s.parent, s.lib, dims, libcudnn.DataFloat)
	defer inputDesc.Release()

	biasDims := dnn.NewBatchDescriptor(2).
		SetCount(1).
		SetFeatureMapCount(dims.FeatureMapCount()).
		SetHeight(1).
		SetWidth(1).
		SetLayout(dnn.BatchYXDepth)
	biasDesc := newScopedTensorDescriptor(s.parent, s.lib, biasDims, libcudnn.DataFloat)
	defer biasDesc.Release()

	// The native add is in place on the output: seed it with the input
	// unless they already alias.
	if inputData.Opaque() != outputData.Opaque() {
		sizeBytes := uint64(dims.ElementCount()) * uint64(dtypes.Float32.Memory())
		if err := stream.MemcpyD2D(outputData, inputData, sizeBytes); err != nil {
			klog.Errorf("cudnn: could not copy input to output for bias addition: %+v", err)
			return false
		}
	}

	status := s.lib.AddTensor(s.parent, s.handle, 1.0,
		biasDesc.handle, biases.Opaque(), 1.0,
		inputDesc.handle, outputData.Opaque())
	if status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not enqueue bias addition on stream: %s", status)
		return false
	}
	return true
}

// Activate implements dnn.Support.
//
// On libraries older than version 5000 activations are selected by mode
// directly and the clipped variants don't exist; Relu6 and ReluX degrade to
// plain Relu with a warning.
func (s *Support) Activate(stream streamexec.Stream, mode dnn.ActivationMode,
	dims *dnn.BatchDescriptor,
	inputData, outputData streamexec.DeviceMemory) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bindStream(stream) {
		return false
	}

	tensorDesc := newScopedTensorDescriptor(s.parent, s.lib, dims, libcudnn.DataFloat)
	defer tensorDesc.Release()

	var status libcudnn.Status
	if s.lib.hasActivationDescriptors() {
		activationDesc := newScopedActivationDescriptor(s.parent, s.lib, mode, dims.ValueMax())
		defer activationDesc.Release()
		status = s.lib.ActivationForward(s.parent, s.handle, activationDesc.handle, 1.0,
			tensorDesc.handle, inputData.Opaque(), 0.0,
			tensorDesc.handle, outputData.Opaque())
	} else {
		var nativeMode libcudnn.ActivationMode
		switch mode {
		case dnn.ActivationRelu6:
			klog.Warningf("cudnn: user requested Relu6, but providing Relu instead")
			nativeMode = libcudnn.ActivationRelu
		case dnn.ActivationReluX:
			klog.Warningf("cudnn: user requested ReluX, but providing Relu instead")
			nativeMode = libcudnn.ActivationRelu
		case dnn.ActivationRelu:
			nativeMode = libcudnn.ActivationRelu
		case dnn.ActivationSigmoid:
			nativeMode = libcudnn.ActivationSigmoid
		case dnn.ActivationTanh:
			nativeMode = libcudnn.ActivationTanh
		default:
			exceptions.Panicf("cudnn: invalid activation mode %s", mode)
		}
		status = s.lib.ActivationForwardMode(s.parent, s.handle, nativeMode, 1.0,
			tensorDesc.handle, inputData.Opaque(), 0.0,
			tensorDesc.handle, outputData.Opaque())
	}
	if status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not enqueue activation on stream: %s", status)
		return false
	}
	return true
}

// PoolForward implements dnn.Support.
func (s *Support) PoolForward(stream streamexec.Stream, dtype dtypes.DType,
	pooling *dnn.PoolingDescriptor,
	input *dnn.BatchDescriptor, inputData streamexec.DeviceMemory,
	output *dnn.BatchDescriptor, outputData streamexec.DeviceMemory) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float16:
	default:
		exceptions.Panicf("cudnn: unsupported dtype %s for pooling", dtype)
	}
	dataType := nativeDataType(dtype)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bindStream(stream) {
		return false
	}

	srcDesc := newScopedTensorDescriptor(s.parent, s.lib, input, dataType)
	defer srcDesc.Release()
	destDesc := newScopedTensorDescriptor(s.parent, s.lib, output, dataType)
	defer destDesc.Release()
	poolingDesc := newScopedPoolingDescriptor(s.parent, s.lib, pooling)
	defer poolingDesc.Release()

	status := s.lib.PoolingForward(s.parent, s.handle, poolingDesc.handle, 1.0,
		srcDesc.handle, inputData.Opaque(), 0.0,
		destDesc.handle, outputData.Opaque())
	if status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: failed to enqueue forward pooling on stream: %s", status)
		return false
	}
	return true
}

// PoolBackward implements dnn.Support. inputDiffData is the gradient flowing
// in at the pooling output; outputDiffData receives the gradient with respect
// to the pooling input.
func (s *Support) PoolBackward(stream streamexec.Stream, dtype dtypes.DType,
	pooling *dnn.PoolingDescriptor,
	input *dnn.BatchDescriptor, inputData streamexec.DeviceMemory,
	output *dnn.BatchDescriptor, outputData streamexec.DeviceMemory,
	inputDiffData, outputDiffData streamexec.DeviceMemory) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float16:
	default:
		exceptions.Panicf("cudnn: unsupported dtype %s for pooling", dtype)
	}
	dataType := nativeDataType(dtype)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bindStream(stream) {
		return false
	}

	srcDesc := newScopedTensorDescriptor(s.parent, s.lib, input, dataType)
	defer srcDesc.Release()
	destDesc := newScopedTensorDescriptor(s.parent, s.lib, output, dataType)
	defer destDesc.Release()
	poolingDesc := newScopedPoolingDescriptor(s.parent, s.lib, pooling)
	defer poolingDesc.Release()

	status := s.lib.PoolingBackward(s.parent, s.handle, poolingDesc.handle, 1.0,
		destDesc.handle, outputData.Opaque(),
		destDesc.handle, inputDiffData.Opaque(),
		srcDesc.handle, inputData.Opaque(), 0.0,
		srcDesc.handle, outputDiffData.Opaque())
	if status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: failed to enqueue backward pooling on stream: %s", status)
		return false
	}
	return true
}

// DeriveOutputBatchDescriptor implements dnn.Support: it asks the library
// for the forward convolution's output extents and reports them in a
// descriptor carrying the input's layout.
func (s *Support) DeriveOutputBatchDescriptor(input *dnn.BatchDescriptor,
	filter *dnn.FilterDescriptor,
	conv *dnn.ConvolutionDescriptor) (*dnn.BatchDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputDesc := newScopedTensorDescriptor(s.parent, s.lib, input, libcudnn.DataFloat)
	defer inputDesc.Release()
	filterDesc := newScopedFilterDescriptor(s.parent, s.lib, filter, libcudnn.DataFloat)
	defer filterDesc.Release()
	convDesc := newScopedConvolutionDescriptor(s.parent, s.lib, conv, libcudnn.DataFloat)
	defer convDesc.Release()

	nd := int32(input.NDims() + 2)
	dims, status := s.lib.GetConvolutionNdForwardOutputDim(s.parent,
		convDesc.handle, inputDesc.handle, filterDesc.handle, nd)
	if status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not get output tensor dimensions for convolution: %s", status)
		return nil, false
	}

	output := dnn.NewBatchDescriptor(input.NDims()).
		SetCount(int64(dims[0])).
		SetFeatureMapCount(int64(dims[1])).
		SetLayout(input.Layout())
	for i := 0; i < input.NDims(); i++ {
		output.SetSpatialDim(i, int64(dims[2+i]))
	}
	return output, true
}
