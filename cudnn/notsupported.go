// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/streamexec"
)

// Operations of the dnn.Support surface this backend does not implement.
// The shape operations panic, since reaching them means the caller's
// dispatch is broken; the quantized copies fail soft because callers probe
// for them.

// Normalize implements dnn.Support.
func (s *Support) Normalize(stream streamexec.Stream, normalize *dnn.NormalizeDescriptor,
	inputData, outputData streamexec.DeviceMemory) bool {
	exceptions.Panicf("cudnn: normalization not yet implemented")
	return false
}

// ElementwiseOperate implements dnn.Support.
func (s *Support) ElementwiseOperate(stream streamexec.Stream, op dnn.ElementwiseOperation,
	inputDims []dnn.BatchDescriptor, inputData []streamexec.DeviceMemory,
	output *dnn.BatchDescriptor, outputData streamexec.DeviceMemory) bool {
	exceptions.Panicf("cudnn: elementwise operations not yet implemented")
	return false
}

// XYPad implements dnn.Support.
func (s *Support) XYPad(stream streamexec.Stream, dims *dnn.BatchDescriptor,
	inputData streamexec.DeviceMemory,
	leftPad, rightPad, topPad, bottomPad int64,
	outputData streamexec.DeviceMemory) bool {
	exceptions.Panicf("cudnn: spatial padding not yet implemented")
	return false
}

// XYSlice implements dnn.Support.
func (s *Support) XYSlice(stream streamexec.Stream, dims *dnn.BatchDescriptor,
	inputData streamexec.DeviceMemory,
	leftTrim, rightTrim, topTrim, bottomTrim int64,
	outputData streamexec.DeviceMemory) bool {
	exceptions.Panicf("cudnn: spatial slicing not yet implemented")
	return false
}

// MemcpyD2HQuantized implements dnn.Support.
func (s *Support) MemcpyD2HQuantized(stream streamexec.Stream,
	src streamexec.DeviceMemory, mode dnn.QuantizedActivationMode,
	hostDst any) bool {
	klog.Errorf("cudnn: quantized memcpy not supported by cuDNN")
	return false
}

// MemcpyH2DQuantized implements dnn.Support.
func (s *Support) MemcpyH2DQuantized(stream streamexec.Stream, hostSrc any,
	mode dnn.QuantizedActivationMode, dst streamexec.DeviceMemory) bool {
	klog.Errorf("cudnn: quantized memcpy not supported by cuDNN")
	return false
}
