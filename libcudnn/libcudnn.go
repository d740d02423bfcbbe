// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package libcudnn specifies the contract between the cudnn backend and the
// runtime-loaded cuDNN library: the status codes, opaque native handle
// types, native enumerations, the typed signature of every entry point the
// backend calls, and the declarative, version-gated symbol table.
//
// How the library is actually located and its symbols materialized is
// external to this module: a Loader is installed once per process (see
// SetLoader) and hands out a Library whose Lookup returns, for each symbol
// name, a value assignable to the signature type declared here. Real
// bindings and test fakes implement the same contract.
package libcudnn

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// Version is the cuDNN version this adapter was built against.
// The format follows cuDNN: major*1000 + minor*100 + patch.
const Version int64 = 5105

// CompatibilityVersion coarsens a cuDNN version number to the bucket used to
// judge ABI compatibility: patch-level differences are expected to be
// ABI-compatible, so 5107 and 5103 both map to 5100.
func CompatibilityVersion(version int64) int64 {
	return (version / 100) * 100
}

// Status is the raw status code returned by every cuDNN entry point.
type Status int32

const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusAllocFailed
	StatusBadParam
	StatusInternalError
	StatusInvalidValue
	StatusArchMismatch
	StatusMappingError
	StatusExecutionFailed
	StatusNotSupported
	StatusLicenseError
)

// String returns cuDNN's canonical name for the status code.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "CUDNN_STATUS_SUCCESS"
	case StatusNotInitialized:
		return "CUDNN_STATUS_NOT_INITIALIZED"
	case StatusAllocFailed:
		return "CUDNN_STATUS_ALLOC_FAILED"
	case StatusBadParam:
		return "CUDNN_STATUS_BAD_PARAM"
	case StatusInternalError:
		return "CUDNN_STATUS_INTERNAL_ERROR"
	case StatusInvalidValue:
		return "CUDNN_STATUS_INVALID_VALUE"
	case StatusArchMismatch:
		return "CUDNN_STATUS_ARCH_MISMATCH"
	case StatusMappingError:
		return "CUDNN_STATUS_MAPPING_ERROR"
	case StatusExecutionFailed:
		return "CUDNN_STATUS_EXECUTION_FAILED"
	case StatusNotSupported:
		return "CUDNN_STATUS_NOT_SUPPORTED"
	case StatusLicenseError:
		return "CUDNN_STATUS_LICENSE_ERROR"
	}
	return fmt.Sprintf("<unknown cudnn status: %d>", int32(s))
}

// Opaque native handle types. The zero value is "no handle".
type (
	// Handle is the one stateful cuDNN execution context per device. It is
	// not safe for unsynchronized concurrent configuration.
	Handle uintptr

	TensorDescriptor      uintptr
	FilterDescriptor      uintptr
	ConvolutionDescriptor uintptr
	PoolingDescriptor     uintptr
	ActivationDescriptor  uintptr

	// Stream is the platform's native stream value bound to a Handle.
	Stream uintptr
)

// DataType is cuDNN's native element type tag.
type DataType int32

const (
	DataFloat DataType = iota
	DataDouble
	DataHalf
)

// TensorFormat is cuDNN's native tensor format tag.
type TensorFormat int32

// FormatNCHW is the planes-channel-height-width filter convention, the only
// format this adapter emits.
const FormatNCHW TensorFormat = 0

// ConvolutionMode selects convolution vs. cross-correlation.
type ConvolutionMode int32

const (
	ModeConvolution ConvolutionMode = iota
	ModeCrossCorrelation
)

// NanPropagation selects whether NaN values propagate through an operation.
type NanPropagation int32

const (
	NotPropagateNan NanPropagation = iota
	PropagateNan
)

// PoolingMode is cuDNN's native pooling mode.
type PoolingMode int32

const (
	PoolingMax PoolingMode = iota
	PoolingAverageCountIncludePadding
	PoolingAverageCountExcludePadding
)

// ActivationMode is cuDNN's native activation mode.
type ActivationMode int32

const (
	ActivationSigmoid ActivationMode = iota
	ActivationRelu
	ActivationTanh
	ActivationClippedRelu
)

// ConvolutionFwdAlgo enumerates the forward convolution algorithms.
type ConvolutionFwdAlgo int64

const (
	ConvolutionFwdAlgoImplicitGemm ConvolutionFwdAlgo = iota
	ConvolutionFwdAlgoImplicitPrecompGemm
	ConvolutionFwdAlgoGemm
	ConvolutionFwdAlgoDirect
	ConvolutionFwdAlgoFFT
	ConvolutionFwdAlgoFFTTiling
	ConvolutionFwdAlgoWinograd // requires a loaded version >= 5000
)

// ConvolutionFwdPreference selects how the forward algorithm is chosen.
type ConvolutionFwdPreference int32

const (
	ConvolutionFwdNoWorkspace ConvolutionFwdPreference = iota
	ConvolutionFwdPreferFastest
	ConvolutionFwdSpecifyWorkspaceLimit
)

// ConvolutionBwdDataAlgo enumerates the backward-data algorithms.
type ConvolutionBwdDataAlgo int64

const (
	ConvolutionBwdDataAlgo0 ConvolutionBwdDataAlgo = iota
	ConvolutionBwdDataAlgo1
	ConvolutionBwdDataAlgoFFT
	ConvolutionBwdDataAlgoFFTTiling
	ConvolutionBwdDataAlgoWinograd // requires a loaded version >= 5000
)

// ConvolutionBwdDataPreference selects how the backward-data algorithm is
// chosen.
type ConvolutionBwdDataPreference int32

const (
	ConvolutionBwdDataNoWorkspace ConvolutionBwdDataPreference = iota
	ConvolutionBwdDataPreferFastest
	ConvolutionBwdDataSpecifyWorkspaceLimit
)

// ConvolutionBwdFilterAlgo enumerates the backward-filter algorithms.
type ConvolutionBwdFilterAlgo int64

const (
	ConvolutionBwdFilterAlgo0 ConvolutionBwdFilterAlgo = iota
	ConvolutionBwdFilterAlgo1
	ConvolutionBwdFilterAlgoFFT
	ConvolutionBwdFilterAlgo3
)

// ConvolutionBwdFilterPreference selects how the backward-filter algorithm
// is chosen.
type ConvolutionBwdFilterPreference int32

const (
	ConvolutionBwdFilterNoWorkspace ConvolutionBwdFilterPreference = iota
	ConvolutionBwdFilterPreferFastest
	ConvolutionBwdFilterSpecifyWorkspaceLimit
)

// Typed signatures of the entry points the backend resolves. A Library's
// Lookup must return values assignable to these types for the corresponding
// symbol names. Slice arguments carry their length; cuDNN's separate nd/size
// parameters are implied by len().
type (
	GetVersionFunc func() int64

	CreateFunc    func() (Handle, Status)
	DestroyFunc   func(Handle) Status
	SetStreamFunc func(Handle, Stream) Status

	CreateTensorDescriptorFunc  func() (TensorDescriptor, Status)
	SetTensorNdDescriptorFunc   func(desc TensorDescriptor, dataType DataType, dims, strides []int32) Status
	DestroyTensorDescriptorFunc func(TensorDescriptor) Status

	CreateFilterDescriptorFunc  func() (FilterDescriptor, Status)
	SetFilterNdDescriptorFunc   func(desc FilterDescriptor, dataType DataType, format TensorFormat, dims []int32) Status
	DestroyFilterDescriptorFunc func(FilterDescriptor) Status

	CreateConvolutionDescriptorFunc  func() (ConvolutionDescriptor, Status)
	SetConvolutionNdDescriptorFunc   func(desc ConvolutionDescriptor, padding, strides, upscale []int32, mode ConvolutionMode, computeType DataType) Status
	DestroyConvolutionDescriptorFunc func(ConvolutionDescriptor) Status

	CreatePoolingDescriptorFunc  func() (PoolingDescriptor, Status)
	SetPoolingNdDescriptorFunc   func(desc PoolingDescriptor, mode PoolingMode, nan NanPropagation, window, padding, strides []int32) Status
	DestroyPoolingDescriptorFunc func(PoolingDescriptor) Status

	CreateActivationDescriptorFunc  func() (ActivationDescriptor, Status)
	SetActivationDescriptorFunc     func(desc ActivationDescriptor, mode ActivationMode, nan NanPropagation, ceiling float64) Status
	DestroyActivationDescriptorFunc func(ActivationDescriptor) Status

	GetConvolutionNdForwardOutputDimFunc func(conv ConvolutionDescriptor, input TensorDescriptor, filter FilterDescriptor, nd int32) ([]int32, Status)

	GetConvolutionForwardAlgorithmFunc     func(handle Handle, src TensorDescriptor, filter FilterDescriptor, conv ConvolutionDescriptor, dest TensorDescriptor, preference ConvolutionFwdPreference, memoryLimitBytes int64) (ConvolutionFwdAlgo, Status)
	GetConvolutionForwardWorkspaceSizeFunc func(handle Handle, src TensorDescriptor, filter FilterDescriptor, conv ConvolutionDescriptor, dest TensorDescriptor, algo ConvolutionFwdAlgo) (uint64, Status)
	ConvolutionForwardFunc                 func(handle Handle, alpha float32, src TensorDescriptor, srcData unsafe.Pointer, filter FilterDescriptor, filterData unsafe.Pointer, conv ConvolutionDescriptor, algo ConvolutionFwdAlgo, workspace unsafe.Pointer, workspaceBytes uint64, beta float32, dest TensorDescriptor, destData unsafe.Pointer) Status

	GetConvolutionBackwardDataAlgorithmFunc     func(handle Handle, filter FilterDescriptor, diff TensorDescriptor, conv ConvolutionDescriptor, grad TensorDescriptor, preference ConvolutionBwdDataPreference, memoryLimitBytes int64) (ConvolutionBwdDataAlgo, Status)
	GetConvolutionBackwardDataWorkspaceSizeFunc func(handle Handle, filter FilterDescriptor, diff TensorDescriptor, conv ConvolutionDescriptor, grad TensorDescriptor, algo ConvolutionBwdDataAlgo) (uint64, Status)
	ConvolutionBackwardDataFunc                 func(handle Handle, alpha float32, filter FilterDescriptor, filterData unsafe.Pointer, diff TensorDescriptor, diffData unsafe.Pointer, conv ConvolutionDescriptor, algo ConvolutionBwdDataAlgo, workspace unsafe.Pointer, workspaceBytes uint64, beta float32, grad TensorDescriptor, gradData unsafe.Pointer) Status

	GetConvolutionBackwardFilterAlgorithmFunc     func(handle Handle, src TensorDescriptor, diff TensorDescriptor, conv ConvolutionDescriptor, grad FilterDescriptor, preference ConvolutionBwdFilterPreference, memoryLimitBytes int64) (ConvolutionBwdFilterAlgo, Status)
	GetConvolutionBackwardFilterWorkspaceSizeFunc func(handle Handle, src TensorDescriptor, diff TensorDescriptor, conv ConvolutionDescriptor, grad FilterDescriptor, algo ConvolutionBwdFilterAlgo) (uint64, Status)
	ConvolutionBackwardFilterFunc                 func(handle Handle, alpha float32, src TensorDescriptor, srcData unsafe.Pointer, diff TensorDescriptor, diffData unsafe.Pointer, conv ConvolutionDescriptor, algo ConvolutionBwdFilterAlgo, workspace unsafe.Pointer, workspaceBytes uint64, beta float32, grad FilterDescriptor, gradData unsafe.Pointer) Status

	ConvolutionBackwardBiasFunc func(handle Handle, alpha float32, src TensorDescriptor, srcData unsafe.Pointer, beta float32, bias TensorDescriptor, biasData unsafe.Pointer) Status

	AddTensorFunc       func(handle Handle, alpha float32, bias TensorDescriptor, biasData unsafe.Pointer, beta float32, dest TensorDescriptor, destData unsafe.Pointer) Status
	TransformTensorFunc func(handle Handle, alpha float32, src TensorDescriptor, srcData unsafe.Pointer, beta float32, dest TensorDescriptor, destData unsafe.Pointer) Status

	// ActivationForwardFunc is the signature from version 5000 on, taking an
	// activation descriptor.
	ActivationForwardFunc func(handle Handle, activation ActivationDescriptor, alpha float32, src TensorDescriptor, srcData unsafe.Pointer, beta float32, dest TensorDescriptor, destData unsafe.Pointer) Status

	// ActivationForwardModeFunc is the pre-5000 signature, taking the mode
	// directly.
	ActivationForwardModeFunc func(handle Handle, mode ActivationMode, alpha float32, src TensorDescriptor, srcData unsafe.Pointer, beta float32, dest TensorDescriptor, destData unsafe.Pointer) Status

	PoolingForwardFunc  func(handle Handle, pooling PoolingDescriptor, alpha float32, src TensorDescriptor, srcData unsafe.Pointer, beta float32, dest TensorDescriptor, destData unsafe.Pointer) Status
	PoolingBackwardFunc func(handle Handle, pooling PoolingDescriptor, alpha float32, dest TensorDescriptor, destData unsafe.Pointer, destDiff TensorDescriptor, destDiffData unsafe.Pointer, src TensorDescriptor, srcData unsafe.Pointer, beta float32, srcDiff TensorDescriptor, srcDiffData unsafe.Pointer) Status
)

// Symbol describes one entry point of the library and the loaded-version
// range it exists in. MaxVersion 0 means "no upper bound".
type Symbol struct {
	Name       string
	MinVersion int64
	MaxVersion int64
}

// Symbol names.
const (
	SymGetVersion = "cudnnGetVersion"

	SymCreate    = "cudnnCreate"
	SymDestroy   = "cudnnDestroy"
	SymSetStream = "cudnnSetStream"

	SymCreateTensorDescriptor  = "cudnnCreateTensorDescriptor"
	SymSetTensorNdDescriptor   = "cudnnSetTensorNdDescriptor"
	SymDestroyTensorDescriptor = "cudnnDestroyTensorDescriptor"

	SymCreateFilterDescriptor  = "cudnnCreateFilterDescriptor"
	SymSetFilterNdDescriptor   = "cudnnSetFilterNdDescriptor"
	SymDestroyFilterDescriptor = "cudnnDestroyFilterDescriptor"

	SymCreateConvolutionDescriptor  = "cudnnCreateConvolutionDescriptor"
	SymSetConvolutionNdDescriptor   = "cudnnSetConvolutionNdDescriptor"
	SymDestroyConvolutionDescriptor = "cudnnDestroyConvolutionDescriptor"

	SymCreatePoolingDescriptor  = "cudnnCreatePoolingDescriptor"
	SymSetPoolingNdDescriptor   = "cudnnSetPoolingNdDescriptor"
	SymDestroyPoolingDescriptor = "cudnnDestroyPoolingDescriptor"

	SymCreateActivationDescriptor  = "cudnnCreateActivationDescriptor"
	SymSetActivationDescriptor     = "cudnnSetActivationDescriptor"
	SymDestroyActivationDescriptor = "cudnnDestroyActivationDescriptor"

	SymGetConvolutionNdForwardOutputDim = "cudnnGetConvolutionNdForwardOutputDim"

	SymGetConvolutionForwardAlgorithm     = "cudnnGetConvolutionForwardAlgorithm"
	SymGetConvolutionForwardWorkspaceSize = "cudnnGetConvolutionForwardWorkspaceSize"
	SymConvolutionForward                 = "cudnnConvolutionForward"

	SymGetConvolutionBackwardDataAlgorithm     = "cudnnGetConvolutionBackwardDataAlgorithm"
	SymGetConvolutionBackwardDataWorkspaceSize = "cudnnGetConvolutionBackwardDataWorkspaceSize"
	SymConvolutionBackwardData                 = "cudnnConvolutionBackwardData"
	SymConvolutionBackwardDataV3               = "cudnnConvolutionBackwardData_v3"

	SymGetConvolutionBackwardFilterAlgorithm     = "cudnnGetConvolutionBackwardFilterAlgorithm"
	SymGetConvolutionBackwardFilterWorkspaceSize = "cudnnGetConvolutionBackwardFilterWorkspaceSize"
	SymConvolutionBackwardFilter                 = "cudnnConvolutionBackwardFilter"
	SymConvolutionBackwardFilterV3               = "cudnnConvolutionBackwardFilter_v3"

	SymConvolutionBackwardBias = "cudnnConvolutionBackwardBias"

	SymAddTensor       = "cudnnAddTensor"
	SymAddTensorV3     = "cudnnAddTensor_v3"
	SymTransformTensor = "cudnnTransformTensor"

	SymActivationForward = "cudnnActivationForward"
	SymPoolingForward    = "cudnnPoolingForward"
	SymPoolingBackward   = "cudnnPoolingBackward"
)

// Symbols is the declarative table of every entry point the backend may
// resolve, with the loaded-version range each is expected in. The version
// gating mirrors cuDNN's release history: the workspace/algorithm queries
// appeared in R3, activation descriptors in R5, and the _v3 suffixed
// variants exist only in [R3, R5).
var Symbols = []Symbol{
	{Name: SymGetVersion},
	{Name: SymCreate},
	{Name: SymDestroy},
	{Name: SymSetStream},
	{Name: SymCreateTensorDescriptor},
	{Name: SymSetTensorNdDescriptor},
	{Name: SymDestroyTensorDescriptor},
	{Name: SymCreateFilterDescriptor},
	{Name: SymSetFilterNdDescriptor},
	{Name: SymDestroyFilterDescriptor},
	{Name: SymCreateConvolutionDescriptor},
	{Name: SymSetConvolutionNdDescriptor},
	{Name: SymDestroyConvolutionDescriptor},
	{Name: SymCreatePoolingDescriptor},
	{Name: SymSetPoolingNdDescriptor},
	{Name: SymDestroyPoolingDescriptor},
	{Name: SymGetConvolutionNdForwardOutputDim},
	{Name: SymGetConvolutionForwardAlgorithm},
	{Name: SymGetConvolutionForwardWorkspaceSize},
	{Name: SymConvolutionForward},
	{Name: SymConvolutionBackwardBias},
	{Name: SymTransformTensor},
	{Name: SymActivationForward},
	{Name: SymPoolingForward},
	{Name: SymPoolingBackward},

	{Name: SymGetConvolutionBackwardDataAlgorithm, MinVersion: 3000},
	{Name: SymGetConvolutionBackwardDataWorkspaceSize, MinVersion: 3000},
	{Name: SymGetConvolutionBackwardFilterAlgorithm, MinVersion: 3000},
	{Name: SymGetConvolutionBackwardFilterWorkspaceSize, MinVersion: 3000},

	{Name: SymAddTensorV3, MinVersion: 3000, MaxVersion: 4999},
	{Name: SymConvolutionBackwardDataV3, MinVersion: 3000, MaxVersion: 4999},
	{Name: SymConvolutionBackwardFilterV3, MinVersion: 3000, MaxVersion: 4999},

	{Name: SymAddTensor, MinVersion: 5000},
	{Name: SymConvolutionBackwardData, MinVersion: 5000},
	{Name: SymConvolutionBackwardFilter, MinVersion: 5000},
	{Name: SymCreateActivationDescriptor, MinVersion: 5000},
	{Name: SymSetActivationDescriptor, MinVersion: 5000},
	{Name: SymDestroyActivationDescriptor, MinVersion: 5000},
}

// SupportedSymbols returns the names of the symbols expected in a library of
// the given loaded version.
func SupportedSymbols(version int64) []string {
	names := make([]string, 0, len(Symbols))
	for _, sym := range Symbols {
		if version < sym.MinVersion {
			continue
		}
		if sym.MaxVersion != 0 && version > sym.MaxVersion {
			continue
		}
		names = append(names, sym.Name)
	}
	return names
}

// Library is a loaded cuDNN library handle: symbols are materialized by
// name. Lookup returns a value assignable to the symbol's signature type
// declared in this package, or an error if the symbol is absent.
type Library interface {
	Lookup(name string) (any, error)
}

// Loader locates and loads native libraries by name. Installed once per
// process with SetLoader; the handle for LibraryName is resolved exactly
// once, on first need.
type Loader interface {
	HandleFor(library string) (Library, error)
}

// LibraryName is the name the loader is asked for.
const LibraryName = "cudnn"

var (
	loaderMu sync.Mutex
	loader   Loader

	handleOnce sync.Once
	handle     Library
	handleErr  error
)

// SetLoader installs the process-wide library loader. It must be called
// before the first backend use; later calls have no effect on an already
// resolved handle.
func SetLoader(l Loader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loader = l
}

// HandleFor resolves the cuDNN library handle through the installed loader.
// The result -- including a failure -- is resolved once and cached for the
// process lifetime.
func HandleFor() (Library, error) {
	handleOnce.Do(func() {
		loaderMu.Lock()
		l := loader
		loaderMu.Unlock()
		if l == nil {
			handleErr = fmt.Errorf("libcudnn: no loader installed, see libcudnn.SetLoader")
			return
		}
		handle, handleErr = l.HandleFor(LibraryName)
	})
	return handle, handleErr
}

// bookkeeping is a bounded background worker that hosts deferred
// symbol-resolution and teardown chores. Never compute.
var bookkeeping = func() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(1)
	return g
}()

// Bookkeeping schedules fn on the background bookkeeping worker.
func Bookkeeping(fn func() error) {
	bookkeeping.Go(fn)
}

// WaitBookkeeping blocks until all scheduled bookkeeping has run and returns
// the first error any of it produced.
func WaitBookkeeping() error {
	return bookkeeping.Wait()
}
