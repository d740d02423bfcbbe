// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/libcudnn"
	"github.com/gomlx/godnn/streamexec"
)

// checkedNarrowing converts v to the narrower To, panicking if the value
// doesn't round-trip. Tensor extents come in as int64 but the native API
// takes int32.
func checkedNarrowing[To, From constraints.Integer](v From) To {
	narrow := To(v)
	if From(narrow) != v {
		exceptions.Panicf("cudnn: checked narrowing failed, %d does not fit the target type", v)
	}
	return narrow
}

func narrowAll(values []int64) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = checkedNarrowing[int32](v)
	}
	return out
}

// Scoped native descriptor wrappers. Each creates and configures its native
// object on construction and destroys it in Release; descriptors never
// outlive the operation that built them. Construction failures are fatal
// (a malformed descriptor is a programming error), destruction failures are
// logged.

type scopedTensorDescriptor struct {
	parent streamexec.Executor
	lib    *lib
	handle libcudnn.TensorDescriptor
}

// newScopedTensorDescriptor translates the logical batch descriptor into a
// native Nd tensor descriptor: extents in batch-depth-Y-X order, dense
// strides reflecting the descriptor's actual layout.
func newScopedTensorDescriptor(parent streamexec.Executor, l *lib,
	batch *dnn.BatchDescriptor, dataType libcudnn.DataType) *scopedTensorDescriptor {
	handle, status := l.CreateTensorDescriptor(parent)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not create cudnn tensor descriptor: %s", status)
	}
	dims := narrowAll(batch.FullDims(dnn.BatchDepthYX))
	strides := narrowAll(batch.FullStrides(dnn.BatchDepthYX))
	status = l.SetTensorNdDescriptor(parent, handle, dataType, dims, strides)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not set cudnn tensor descriptor: %s", status)
	}
	return &scopedTensorDescriptor{parent: parent, lib: l, handle: handle}
}

func (d *scopedTensorDescriptor) Release() {
	if status := d.lib.DestroyTensorDescriptor(d.parent, d.handle); status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not destroy cudnn tensor descriptor: %s", status)
	}
}

type scopedFilterDescriptor struct {
	parent streamexec.Executor
	lib    *lib
	handle libcudnn.FilterDescriptor
}

func newScopedFilterDescriptor(parent streamexec.Executor, l *lib,
	filter *dnn.FilterDescriptor, dataType libcudnn.DataType) *scopedFilterDescriptor {
	handle, status := l.CreateFilterDescriptor(parent)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not create cudnn filter descriptor: %s", status)
	}
	if filter.Layout() != dnn.OutputInputYX {
		exceptions.Panicf("cudnn: unsupported filter layout %s", filter.Layout())
	}
	dims := make([]int32, 0, filter.NDims()+2)
	dims = append(dims,
		checkedNarrowing[int32](filter.OutputFeatureMapCount()),
		checkedNarrowing[int32](filter.InputFeatureMapCount()))
	dims = append(dims, narrowAll(filter.InputFilterDims())...)
	status = l.SetFilterNdDescriptor(parent, handle, dataType, libcudnn.FormatNCHW, dims)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not set cudnn filter descriptor: %s", status)
	}
	return &scopedFilterDescriptor{parent: parent, lib: l, handle: handle}
}

func (d *scopedFilterDescriptor) Release() {
	if status := d.lib.DestroyFilterDescriptor(d.parent, d.handle); status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not destroy cudnn filter descriptor: %s", status)
	}
}

type scopedConvolutionDescriptor struct {
	parent streamexec.Executor
	lib    *lib
	handle libcudnn.ConvolutionDescriptor
}

// newScopedConvolutionDescriptor always configures cross-correlation: that is
// what the higher layers mean by "convolution", and the filters are never
// pre-flipped.
func newScopedConvolutionDescriptor(parent streamexec.Executor, l *lib,
	conv *dnn.ConvolutionDescriptor, computeType libcudnn.DataType) *scopedConvolutionDescriptor {
	handle, status := l.CreateConvolutionDescriptor(parent)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not create cudnn convolution descriptor: %s", status)
	}
	padding := narrowAll(conv.Padding())
	strides := narrowAll(conv.Strides())
	upscale := make([]int32, conv.NDims())
	for i := range upscale {
		upscale[i] = 1
	}
	status = l.SetConvolutionNdDescriptor(parent, handle, padding, strides, upscale,
		libcudnn.ModeCrossCorrelation, computeType)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not set cudnn convolution descriptor: %s", status)
	}
	return &scopedConvolutionDescriptor{parent: parent, lib: l, handle: handle}
}

func (d *scopedConvolutionDescriptor) Release() {
	if status := d.lib.DestroyConvolutionDescriptor(d.parent, d.handle); status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not destroy cudnn convolution descriptor: %s", status)
	}
}

type scopedPoolingDescriptor struct {
	parent streamexec.Executor
	lib    *lib
	handle libcudnn.PoolingDescriptor
}

func newScopedPoolingDescriptor(parent streamexec.Executor, l *lib,
	pooling *dnn.PoolingDescriptor) *scopedPoolingDescriptor {
	handle, status := l.CreatePoolingDescriptor(parent)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not create cudnn pooling descriptor: %s", status)
	}
	var mode libcudnn.PoolingMode
	switch pooling.Mode() {
	case dnn.PoolingMaximum:
		mode = libcudnn.PoolingMax
	case dnn.PoolingAverage:
		mode = libcudnn.PoolingAverageCountExcludePadding
	default:
		exceptions.Panicf("cudnn: invalid pooling mode %s", pooling.Mode())
	}
	status = l.SetPoolingNdDescriptor(parent, handle, mode, libcudnn.PropagateNan,
		narrowAll(pooling.Window()), narrowAll(pooling.Padding()), narrowAll(pooling.Strides()))
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not set cudnn pooling descriptor: %s", status)
	}
	return &scopedPoolingDescriptor{parent: parent, lib: l, handle: handle}
}

func (d *scopedPoolingDescriptor) Release() {
	if status := d.lib.DestroyPoolingDescriptor(d.parent, d.handle); status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not destroy cudnn pooling descriptor: %s", status)
	}
}

type scopedActivationDescriptor struct {
	parent streamexec.Executor
	lib    *lib
	handle libcudnn.ActivationDescriptor
}

// newScopedActivationDescriptor requires a library with activation
// descriptors (version >= 5000); see activationNativeMode for the mapping.
// valueMax is only meaningful for the clipped modes.
func newScopedActivationDescriptor(parent streamexec.Executor, l *lib,
	mode dnn.ActivationMode, valueMax float64) *scopedActivationDescriptor {
	handle, status := l.CreateActivationDescriptor(parent)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not create cudnn activation descriptor: %s", status)
	}
	nativeMode, ceiling := activationNativeMode(mode, valueMax)
	status = l.SetActivationDescriptor(parent, handle, nativeMode, libcudnn.PropagateNan, ceiling)
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: could not set cudnn activation descriptor: %s", status)
	}
	return &scopedActivationDescriptor{parent: parent, lib: l, handle: handle}
}

func (d *scopedActivationDescriptor) Release() {
	if status := d.lib.DestroyActivationDescriptor(d.parent, d.handle); status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: could not destroy cudnn activation descriptor: %s", status)
	}
}

// activationNativeMode maps the logical activation mode to the native one
// plus the clipping ceiling the clipped-relu variants use.
func activationNativeMode(mode dnn.ActivationMode, valueMax float64) (libcudnn.ActivationMode, float64) {
	switch mode {
	case dnn.ActivationRelu6:
		return libcudnn.ActivationClippedRelu, 6.0
	case dnn.ActivationReluX:
		return libcudnn.ActivationClippedRelu, valueMax
	case dnn.ActivationRelu:
		return libcudnn.ActivationRelu, 0
	case dnn.ActivationSigmoid:
		return libcudnn.ActivationSigmoid, 0
	case dnn.ActivationTanh:
		return libcudnn.ActivationTanh, 0
	}
	exceptions.Panicf("cudnn: invalid activation mode %s", mode)
	return 0, 0
}

// nativeDataType maps a dtype to cuDNN's element type tag. Callers have
// already rejected unsupported dtypes.
func nativeDataType(dtype dtypes.DType) libcudnn.DataType {
	switch dtype {
	case dtypes.Float32:
		return libcudnn.DataFloat
	case dtypes.Float64:
		return libcudnn.DataDouble
	case dtypes.Float16:
		return libcudnn.DataHalf
	}
	exceptions.Panicf("cudnn: invalid data type %s", dtype)
	return 0
}
