// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/libcudnn"
	"github.com/gomlx/godnn/streamexec"
)

// lib is the resolved symbol table of the loaded cuDNN library: one typed
// function per entry point, materialized exactly once per library handle.
// A missing required symbol, or a symbol whose signature doesn't match the
// libcudnn contract, is fatal: the adapter cannot run partially.
//
// Every wrapper method below takes the owning executor and runs the native
// call with that device's context active, so calls issued from arbitrary
// caller threads target the right device. Wrappers return the raw Status
// unmodified; interpreting it is the caller's job.
type lib struct {
	version int64

	create    libcudnn.CreateFunc
	destroy   libcudnn.DestroyFunc
	setStream libcudnn.SetStreamFunc

	createTensorDescriptor  libcudnn.CreateTensorDescriptorFunc
	setTensorNdDescriptor   libcudnn.SetTensorNdDescriptorFunc
	destroyTensorDescriptor libcudnn.DestroyTensorDescriptorFunc

	createFilterDescriptor  libcudnn.CreateFilterDescriptorFunc
	setFilterNdDescriptor   libcudnn.SetFilterNdDescriptorFunc
	destroyFilterDescriptor libcudnn.DestroyFilterDescriptorFunc

	createConvolutionDescriptor  libcudnn.CreateConvolutionDescriptorFunc
	setConvolutionNdDescriptor   libcudnn.SetConvolutionNdDescriptorFunc
	destroyConvolutionDescriptor libcudnn.DestroyConvolutionDescriptorFunc

	createPoolingDescriptor  libcudnn.CreatePoolingDescriptorFunc
	setPoolingNdDescriptor   libcudnn.SetPoolingNdDescriptorFunc
	destroyPoolingDescriptor libcudnn.DestroyPoolingDescriptorFunc

	createActivationDescriptor  libcudnn.CreateActivationDescriptorFunc
	setActivationDescriptor     libcudnn.SetActivationDescriptorFunc
	destroyActivationDescriptor libcudnn.DestroyActivationDescriptorFunc

	getConvolutionNdForwardOutputDim libcudnn.GetConvolutionNdForwardOutputDimFunc

	getConvolutionForwardAlgorithm     libcudnn.GetConvolutionForwardAlgorithmFunc
	getConvolutionForwardWorkspaceSize libcudnn.GetConvolutionForwardWorkspaceSizeFunc
	convolutionForward                 libcudnn.ConvolutionForwardFunc

	getConvolutionBackwardDataAlgorithm     libcudnn.GetConvolutionBackwardDataAlgorithmFunc
	getConvolutionBackwardDataWorkspaceSize libcudnn.GetConvolutionBackwardDataWorkspaceSizeFunc
	convolutionBackwardData                 libcudnn.ConvolutionBackwardDataFunc

	getConvolutionBackwardFilterAlgorithm     libcudnn.GetConvolutionBackwardFilterAlgorithmFunc
	getConvolutionBackwardFilterWorkspaceSize libcudnn.GetConvolutionBackwardFilterWorkspaceSizeFunc
	convolutionBackwardFilter                 libcudnn.ConvolutionBackwardFilterFunc

	convolutionBackwardBias libcudnn.ConvolutionBackwardBiasFunc

	addTensor       libcudnn.AddTensorFunc
	transformTensor libcudnn.TransformTensorFunc

	activationForward     libcudnn.ActivationForwardFunc     // loaded version >= 5000
	activationForwardMode libcudnn.ActivationForwardModeFunc // loaded version < 5000

	poolingForward  libcudnn.PoolingForwardFunc
	poolingBackward libcudnn.PoolingBackwardFunc
}

var (
	sharedLibOnce sync.Once
	sharedLib     *lib
	sharedLibErr  error
)

// sharedLibHandle resolves the process-wide lib from the installed loader,
// once. Failure to load the library is returned (and cached), not fatal:
// callers surface it when a symbol is actually needed.
func sharedLibHandle() (*lib, error) {
	sharedLibOnce.Do(func() {
		library, err := libcudnn.HandleFor()
		if err != nil {
			sharedLibErr = err
			return
		}
		sharedLib = loadLib(library)
	})
	return sharedLib, sharedLibErr
}

// resolve looks name up in library and type-asserts it into *fn (a pointer
// to one of the libcudnn signature types). Absence or a signature mismatch
// is fatal.
func resolve[F any](library libcudnn.Library, name string, fn *F) {
	sym, err := library.Lookup(name)
	if err != nil {
		exceptions.Panicf("cudnn: could not find %s in cudnn library: %+v", name, err)
	}
	typed, ok := sym.(F)
	if !ok {
		exceptions.Panicf("cudnn: symbol %s has type %T, incompatible with %T", name, sym, *fn)
	}
	*fn = typed
}

// loadLib materializes the full symbol table for the library, gated by its
// loaded version.
func loadLib(library libcudnn.Library) *lib {
	l := &lib{}

	var getVersion libcudnn.GetVersionFunc
	resolve(library, libcudnn.SymGetVersion, &getVersion)
	l.version = getVersion()
	klog.V(1).Infof("cudnn: loaded runtime library version %d", l.version)

	resolve(library, libcudnn.SymCreate, &l.create)
	resolve(library, libcudnn.SymDestroy, &l.destroy)
	resolve(library, libcudnn.SymSetStream, &l.setStream)

	resolve(library, libcudnn.SymCreateTensorDescriptor, &l.createTensorDescriptor)
	resolve(library, libcudnn.SymSetTensorNdDescriptor, &l.setTensorNdDescriptor)
	resolve(library, libcudnn.SymDestroyTensorDescriptor, &l.destroyTensorDescriptor)

	resolve(library, libcudnn.SymCreateFilterDescriptor, &l.createFilterDescriptor)
	resolve(library, libcudnn.SymSetFilterNdDescriptor, &l.setFilterNdDescriptor)
	resolve(library, libcudnn.SymDestroyFilterDescriptor, &l.destroyFilterDescriptor)

	resolve(library, libcudnn.SymCreateConvolutionDescriptor, &l.createConvolutionDescriptor)
	resolve(library, libcudnn.SymSetConvolutionNdDescriptor, &l.setConvolutionNdDescriptor)
	resolve(library, libcudnn.SymDestroyConvolutionDescriptor, &l.destroyConvolutionDescriptor)

	resolve(library, libcudnn.SymCreatePoolingDescriptor, &l.createPoolingDescriptor)
	resolve(library, libcudnn.SymSetPoolingNdDescriptor, &l.setPoolingNdDescriptor)
	resolve(library, libcudnn.SymDestroyPoolingDescriptor, &l.destroyPoolingDescriptor)

	resolve(library, libcudnn.SymGetConvolutionNdForwardOutputDim, &l.getConvolutionNdForwardOutputDim)

	resolve(library, libcudnn.SymGetConvolutionForwardAlgorithm, &l.getConvolutionForwardAlgorithm)
	resolve(library, libcudnn.SymGetConvolutionForwardWorkspaceSize, &l.getConvolutionForwardWorkspaceSize)
	resolve(library, libcudnn.SymConvolutionForward, &l.convolutionForward)

	resolve(library, libcudnn.SymConvolutionBackwardBias, &l.convolutionBackwardBias)
	resolve(library, libcudnn.SymTransformTensor, &l.transformTensor)
	resolve(library, libcudnn.SymPoolingForward, &l.poolingForward)
	resolve(library, libcudnn.SymPoolingBackward, &l.poolingBackward)

	if l.version >= 3000 {
		resolve(library, libcudnn.SymGetConvolutionBackwardDataAlgorithm, &l.getConvolutionBackwardDataAlgorithm)
		resolve(library, libcudnn.SymGetConvolutionBackwardDataWorkspaceSize, &l.getConvolutionBackwardDataWorkspaceSize)
		resolve(library, libcudnn.SymGetConvolutionBackwardFilterAlgorithm, &l.getConvolutionBackwardFilterAlgorithm)
		resolve(library, libcudnn.SymGetConvolutionBackwardFilterWorkspaceSize, &l.getConvolutionBackwardFilterWorkspaceSize)
	}

	if l.version >= 5000 {
		resolve(library, libcudnn.SymAddTensor, &l.addTensor)
		resolve(library, libcudnn.SymConvolutionBackwardData, &l.convolutionBackwardData)
		resolve(library, libcudnn.SymConvolutionBackwardFilter, &l.convolutionBackwardFilter)
		resolve(library, libcudnn.SymCreateActivationDescriptor, &l.createActivationDescriptor)
		resolve(library, libcudnn.SymSetActivationDescriptor, &l.setActivationDescriptor)
		resolve(library, libcudnn.SymDestroyActivationDescriptor, &l.destroyActivationDescriptor)
		resolve(library, libcudnn.SymActivationForward, &l.activationForward)
	} else {
		resolve(library, libcudnn.SymAddTensorV3, &l.addTensor)
		resolve(library, libcudnn.SymConvolutionBackwardDataV3, &l.convolutionBackwardData)
		resolve(library, libcudnn.SymConvolutionBackwardFilterV3, &l.convolutionBackwardFilter)
		resolve(library, libcudnn.SymActivationForward, &l.activationForwardMode)
	}

	return l
}

// hasActivationDescriptors reports whether the loaded library models
// activation parameters as first-class descriptor objects.
func (l *lib) hasActivationDescriptors() bool { return l.version >= 5000 }

// Wrappers: each runs its native call under the executor's device context.

func (l *lib) Create(parent streamexec.Executor) (libcudnn.Handle, libcudnn.Status) {
	defer parent.Activate()()
	return l.create()
}

func (l *lib) Destroy(parent streamexec.Executor, handle libcudnn.Handle) libcudnn.Status {
	defer parent.Activate()()
	return l.destroy(handle)
}

func (l *lib) SetStream(parent streamexec.Executor, handle libcudnn.Handle, stream libcudnn.Stream) libcudnn.Status {
	defer parent.Activate()()
	return l.setStream(handle, stream)
}

func (l *lib) CreateTensorDescriptor(parent streamexec.Executor) (libcudnn.TensorDescriptor, libcudnn.Status) {
	defer parent.Activate()()
	return l.createTensorDescriptor()
}

func (l *lib) SetTensorNdDescriptor(parent streamexec.Executor, desc libcudnn.TensorDescriptor,
	dataType libcudnn.DataType, dims, strides []int32) libcudnn.Status {
	defer parent.Activate()()
	return l.setTensorNdDescriptor(desc, dataType, dims, strides)
}

func (l *lib) DestroyTensorDescriptor(parent streamexec.Executor, desc libcudnn.TensorDescriptor) libcudnn.Status {
	defer parent.Activate()()
	return l.destroyTensorDescriptor(desc)
}

func (l *lib) CreateFilterDescriptor(parent streamexec.Executor) (libcudnn.FilterDescriptor, libcudnn.Status) {
	defer parent.Activate()()
	return l.createFilterDescriptor()
}

func (l *lib) SetFilterNdDescriptor(parent streamexec.Executor, desc libcudnn.FilterDescriptor,
	dataType libcudnn.DataType, format libcudnn.TensorFormat, dims []int32) libcudnn.Status {
	defer parent.Activate()()
	return l.setFilterNdDescriptor(desc, dataType, format, dims)
}

func (l *lib) DestroyFilterDescriptor(parent streamexec.Executor, desc libcudnn.FilterDescriptor) libcudnn.Status {
	defer parent.Activate()()
	return l.destroyFilterDescriptor(desc)
}

func (l *lib) CreateConvolutionDescriptor(parent streamexec.Executor) (libcudnn.ConvolutionDescriptor, libcudnn.Status) {
	defer parent.Activate()()
	return l.createConvolutionDescriptor()
}

func (l *lib) SetConvolutionNdDescriptor(parent streamexec.Executor, desc libcudnn.ConvolutionDescriptor,
	padding, strides, upscale []int32, mode libcudnn.ConvolutionMode, computeType libcudnn.DataType) libcudnn.Status {
	defer parent.Activate()()
	return l.setConvolutionNdDescriptor(desc, padding, strides, upscale, mode, computeType)
}

func (l *lib) DestroyConvolutionDescriptor(parent streamexec.Executor, desc libcudnn.ConvolutionDescriptor) libcudnn.Status {
	defer parent.Activate()()
	return l.destroyConvolutionDescriptor(desc)
}

func (l *lib) CreatePoolingDescriptor(parent streamexec.Executor) (libcudnn.PoolingDescriptor, libcudnn.Status) {
	defer parent.Activate()()
	return l.createPoolingDescriptor()
}

func (l *lib) SetPoolingNdDescriptor(parent streamexec.Executor, desc libcudnn.PoolingDescriptor,
	mode libcudnn.PoolingMode, nan libcudnn.NanPropagation, window, padding, strides []int32) libcudnn.Status {
	defer parent.Activate()()
	return l.setPoolingNdDescriptor(desc, mode, nan, window, padding, strides)
}

func (l *lib) DestroyPoolingDescriptor(parent streamexec.Executor, desc libcudnn.PoolingDescriptor) libcudnn.Status {
	defer parent.Activate()()
	return l.destroyPoolingDescriptor(desc)
}

func (l *lib) CreateActivationDescriptor(parent streamexec.Executor) (libcudnn.ActivationDescriptor, libcudnn.Status) {
	defer parent.Activate()()
	return l.createActivationDescriptor()
}

func (l *lib) SetActivationDescriptor(parent streamexec.Executor, desc libcudnn.ActivationDescriptor,
	mode libcudnn.ActivationMode, nan libcudnn.NanPropagation, ceiling float64) libcudnn.Status {
	defer parent.Activate()()
	return l.setActivationDescriptor(desc, mode, nan, ceiling)
}

func (l *lib) DestroyActivationDescriptor(parent streamexec.Executor, desc libcudnn.ActivationDescriptor) libcudnn.Status {
	defer parent.Activate()()
	return l.destroyActivationDescriptor(desc)
}

func (l *lib) GetConvolutionNdForwardOutputDim(parent streamexec.Executor, conv libcudnn.ConvolutionDescriptor,
	input libcudnn.TensorDescriptor, filter libcudnn.FilterDescriptor, nd int32) ([]int32, libcudnn.Status) {
	defer parent.Activate()()
	return l.getConvolutionNdForwardOutputDim(conv, input, filter, nd)
}

func (l *lib) GetConvolutionForwardAlgorithm(parent streamexec.Executor, handle libcudnn.Handle,
	src libcudnn.TensorDescriptor, filter libcudnn.FilterDescriptor, conv libcudnn.ConvolutionDescriptor,
	dest libcudnn.TensorDescriptor, preference libcudnn.ConvolutionFwdPreference,
	memoryLimitBytes int64) (libcudnn.ConvolutionFwdAlgo, libcudnn.Status) {
	defer parent.Activate()()
	return l.getConvolutionForwardAlgorithm(handle, src, filter, conv, dest, preference, memoryLimitBytes)
}

func (l *lib) GetConvolutionForwardWorkspaceSize(parent streamexec.Executor, handle libcudnn.Handle,
	src libcudnn.TensorDescriptor, filter libcudnn.FilterDescriptor, conv libcudnn.ConvolutionDescriptor,
	dest libcudnn.TensorDescriptor, algo libcudnn.ConvolutionFwdAlgo) (uint64, libcudnn.Status) {
	defer parent.Activate()()
	return l.getConvolutionForwardWorkspaceSize(handle, src, filter, conv, dest, algo)
}

func (l *lib) ConvolutionForward(parent streamexec.Executor, handle libcudnn.Handle, alpha float32,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer,
	filter libcudnn.FilterDescriptor, filterData unsafe.Pointer,
	conv libcudnn.ConvolutionDescriptor, algo libcudnn.ConvolutionFwdAlgo,
	workspace unsafe.Pointer, workspaceBytes uint64, beta float32,
	dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.convolutionForward(handle, alpha, src, srcData, filter, filterData, conv, algo,
		workspace, workspaceBytes, beta, dest, destData)
}

func (l *lib) GetConvolutionBackwardDataAlgorithm(parent streamexec.Executor, handle libcudnn.Handle,
	filter libcudnn.FilterDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor,
	grad libcudnn.TensorDescriptor, preference libcudnn.ConvolutionBwdDataPreference,
	memoryLimitBytes int64) (libcudnn.ConvolutionBwdDataAlgo, libcudnn.Status) {
	defer parent.Activate()()
	return l.getConvolutionBackwardDataAlgorithm(handle, filter, diff, conv, grad, preference, memoryLimitBytes)
}

func (l *lib) GetConvolutionBackwardDataWorkspaceSize(parent streamexec.Executor, handle libcudnn.Handle,
	filter libcudnn.FilterDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor,
	grad libcudnn.TensorDescriptor, algo libcudnn.ConvolutionBwdDataAlgo) (uint64, libcudnn.Status) {
	defer parent.Activate()()
	return l.getConvolutionBackwardDataWorkspaceSize(handle, filter, diff, conv, grad, algo)
}

func (l *lib) ConvolutionBackwardData(parent streamexec.Executor, handle libcudnn.Handle, alpha float32,
	filter libcudnn.FilterDescriptor, filterData unsafe.Pointer,
	diff libcudnn.TensorDescriptor, diffData unsafe.Pointer,
	conv libcudnn.ConvolutionDescriptor, algo libcudnn.ConvolutionBwdDataAlgo,
	workspace unsafe.Pointer, workspaceBytes uint64, beta float32,
	grad libcudnn.TensorDescriptor, gradData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.convolutionBackwardData(handle, alpha, filter, filterData, diff, diffData, conv, algo,
		workspace, workspaceBytes, beta, grad, gradData)
}

func (l *lib) GetConvolutionBackwardFilterAlgorithm(parent streamexec.Executor, handle libcudnn.Handle,
	src libcudnn.TensorDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor,
	grad libcudnn.FilterDescriptor, preference libcudnn.ConvolutionBwdFilterPreference,
	memoryLimitBytes int64) (libcudnn.ConvolutionBwdFilterAlgo, libcudnn.Status) {
	defer parent.Activate()()
	return l.getConvolutionBackwardFilterAlgorithm(handle, src, diff, conv, grad, preference, memoryLimitBytes)
}

func (l *lib) GetConvolutionBackwardFilterWorkspaceSize(parent streamexec.Executor, handle libcudnn.Handle,
	src libcudnn.TensorDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor,
	grad libcudnn.FilterDescriptor, algo libcudnn.ConvolutionBwdFilterAlgo) (uint64, libcudnn.Status) {
	defer parent.Activate()()
	return l.getConvolutionBackwardFilterWorkspaceSize(handle, src, diff, conv, grad, algo)
}

func (l *lib) ConvolutionBackwardFilter(parent streamexec.Executor, handle libcudnn.Handle, alpha float32,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer,
	diff libcudnn.TensorDescriptor, diffData unsafe.Pointer,
	conv libcudnn.ConvolutionDescriptor, algo libcudnn.ConvolutionBwdFilterAlgo,
	workspace unsafe.Pointer, workspaceBytes uint64, beta float32,
	grad libcudnn.FilterDescriptor, gradData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.convolutionBackwardFilter(handle, alpha, src, srcData, diff, diffData, conv, algo,
		workspace, workspaceBytes, beta, grad, gradData)
}

func (l *lib) ConvolutionBackwardBias(parent streamexec.Executor, handle libcudnn.Handle, alpha float32,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32,
	bias libcudnn.TensorDescriptor, biasData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.convolutionBackwardBias(handle, alpha, src, srcData, beta, bias, biasData)
}

func (l *lib) AddTensor(parent streamexec.Executor, handle libcudnn.Handle, alpha float32,
	bias libcudnn.TensorDescriptor, biasData unsafe.Pointer, beta float32,
	dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.addTensor(handle, alpha, bias, biasData, beta, dest, destData)
}

func (l *lib) TransformTensor(parent streamexec.Executor, handle libcudnn.Handle, alpha float32,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32,
	dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.transformTensor(handle, alpha, src, srcData, beta, dest, destData)
}

func (l *lib) ActivationForward(parent streamexec.Executor, handle libcudnn.Handle,
	activation libcudnn.ActivationDescriptor, alpha float32,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32,
	dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.activationForward(handle, activation, alpha, src, srcData, beta, dest, destData)
}

func (l *lib) ActivationForwardMode(parent streamexec.Executor, handle libcudnn.Handle,
	mode libcudnn.ActivationMode, alpha float32,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32,
	dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.activationForwardMode(handle, mode, alpha, src, srcData, beta, dest, destData)
}

func (l *lib) PoolingForward(parent streamexec.Executor, handle libcudnn.Handle,
	pooling libcudnn.PoolingDescriptor, alpha float32,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32,
	dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.poolingForward(handle, pooling, alpha, src, srcData, beta, dest, destData)
}

func (l *lib) PoolingBackward(parent streamexec.Executor, handle libcudnn.Handle,
	pooling libcudnn.PoolingDescriptor, alpha float32,
	dest libcudnn.TensorDescriptor, destData unsafe.Pointer,
	destDiff libcudnn.TensorDescriptor, destDiffData unsafe.Pointer,
	src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32,
	srcDiff libcudnn.TensorDescriptor, srcDiffData unsafe.Pointer) libcudnn.Status {
	defer parent.Activate()()
	return l.poolingBackward(handle, pooling, alpha, dest, destData, destDiff, destDiffData,
		src, srcData, beta, srcDiff, srcDiffData)
}
