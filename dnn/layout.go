// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import "fmt"

// DataLayout describes the ordering of a batched tensor's dimensions.
//
// Only two layouts are supported by the backends in this module, differing
// in whether the depth (feature map / channel) axis comes right after the
// batch axis or after the spatial axes.
type DataLayout int

const (
	// BatchDepthYX orders dimensions as (batch, depth, Y, ..., X) -- NCHW in
	// the 2D case.
	BatchDepthYX DataLayout = iota

	// BatchYXDepth orders dimensions as (batch, Y, ..., X, depth) -- NHWC in
	// the 2D case.
	BatchYXDepth
)

// String implements fmt.Stringer.
func (l DataLayout) String() string {
	switch l {
	case BatchDepthYX:
		return "BatchDepthYX"
	case BatchYXDepth:
		return "BatchYXDepth"
	}
	return fmt.Sprintf("DataLayout(%d)", int(l))
}

// FilterLayout describes the ordering of a filter's dimensions.
type FilterLayout int

const (
	// OutputInputYX orders dimensions as (output feature maps, input feature
	// maps, Y, ..., X) -- the only layout the cudnn backend accepts.
	OutputInputYX FilterLayout = iota
)

// String implements fmt.Stringer.
func (l FilterLayout) String() string {
	switch l {
	case OutputInputYX:
		return "OutputInputYX"
	}
	return fmt.Sprintf("FilterLayout(%d)", int(l))
}

// PoolingMode selects the pooling function.
type PoolingMode int

const (
	// PoolingMaximum takes the maximum over the pooling window.
	PoolingMaximum PoolingMode = iota

	// PoolingAverage averages over the pooling window.
	PoolingAverage
)

// String implements fmt.Stringer.
func (m PoolingMode) String() string {
	switch m {
	case PoolingMaximum:
		return "PoolingMaximum"
	case PoolingAverage:
		return "PoolingAverage"
	}
	return fmt.Sprintf("PoolingMode(%d)", int(m))
}

// ActivationMode selects the activation function.
type ActivationMode int

const (
	ActivationRelu ActivationMode = iota

	// ActivationRelu6 is relu clipped at 6.0.
	ActivationRelu6

	// ActivationReluX is relu clipped at the BatchDescriptor's ValueMax.
	ActivationReluX

	ActivationSigmoid
	ActivationTanh
)

// String implements fmt.Stringer.
func (m ActivationMode) String() string {
	switch m {
	case ActivationRelu:
		return "ActivationRelu"
	case ActivationRelu6:
		return "ActivationRelu6"
	case ActivationReluX:
		return "ActivationReluX"
	case ActivationSigmoid:
		return "ActivationSigmoid"
	case ActivationTanh:
		return "ActivationTanh"
	}
	return fmt.Sprintf("ActivationMode(%d)", int(m))
}

// ElementwiseOperation identifies a generic elementwise operation.
type ElementwiseOperation int

const (
	ElementwiseAdd ElementwiseOperation = iota
	ElementwiseMultiply
)

// QuantizedActivationMode identifies the quantization width of activation
// values transferred by the quantized memcpy operations.
type QuantizedActivationMode int

const (
	Quantized8Bit QuantizedActivationMode = iota
	Quantized16Bit
	Quantized32Bit
)
