// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/godnn/libcudnn"
	"github.com/gomlx/godnn/streamexec"
)

// fakeLibrary serves symbols from a map, like a real loaded library would
// from its export table.
type fakeLibrary struct {
	symbols map[string]any
}

func (l *fakeLibrary) Lookup(name string) (any, error) {
	if sym, ok := l.symbols[name]; ok {
		return sym, nil
	}
	return nil, errors.Errorf("symbol %q not found", name)
}

type tensorSetting struct {
	dataType libcudnn.DataType
	dims     []int32
	strides  []int32
}

type filterSetting struct {
	dataType libcudnn.DataType
	format   libcudnn.TensorFormat
	dims     []int32
}

type convSetting struct {
	padding     []int32
	strides     []int32
	upscale     []int32
	mode        libcudnn.ConvolutionMode
	computeType libcudnn.DataType
}

type poolingSetting struct {
	mode    libcudnn.PoolingMode
	nan     libcudnn.NanPropagation
	window  []int32
	padding []int32
	strides []int32
}

type activationSetting struct {
	mode    libcudnn.ActivationMode
	nan     libcudnn.NanPropagation
	ceiling float64
}

type algoQuery struct {
	preference       int32
	memoryLimitBytes int64
}

type convExecCall struct {
	algo           int64
	srcData        unsafe.Pointer
	filterData     unsafe.Pointer
	workspace      unsafe.Pointer
	workspaceBytes uint64
	destData       unsafe.Pointer
	alpha, beta    float32
}

type dataExecCall struct {
	srcData     unsafe.Pointer
	destData    unsafe.Pointer
	alpha, beta float32
}

// fakeCudnn scripts a native cuDNN library: descriptor settings are
// remembered by handle, execution calls are recorded, and the scripted
// statuses/sizes drive the backend's negotiation logic.
type fakeCudnn struct {
	version int64

	nextHandle      uintptr
	created         []libcudnn.Handle
	destroyed       []libcudnn.Handle
	createStatus    libcudnn.Status
	boundStreams    []libcudnn.Stream
	setStreamStatus libcudnn.Status

	tensorDescs     map[libcudnn.TensorDescriptor]tensorSetting
	filterDescs     map[libcudnn.FilterDescriptor]filterSetting
	convDescs       map[libcudnn.ConvolutionDescriptor]convSetting
	poolingDescs    map[libcudnn.PoolingDescriptor]poolingSetting
	activationDescs map[libcudnn.ActivationDescriptor]activationSetting
	liveDescriptors int

	fwdAlgoQueries     []algoQuery
	fwdAlgo            libcudnn.ConvolutionFwdAlgo
	fwdWorkspaceBytes  uint64
	fwdWorkspaceStatus libcudnn.Status

	bwdDataAlgoQueries     []algoQuery
	bwdDataAlgo            libcudnn.ConvolutionBwdDataAlgo
	bwdDataWorkspaceBytes  uint64
	bwdDataWorkspaceStatus libcudnn.Status

	bwdFilterAlgoQueries     []algoQuery
	bwdFilterAlgo            libcudnn.ConvolutionBwdFilterAlgo
	bwdFilterWorkspaceBytes  uint64
	bwdFilterWorkspaceStatus libcudnn.Status

	outputDim       []int32
	outputDimStatus libcudnn.Status

	convForwardCalls   []convExecCall
	convForwardStatus  libcudnn.Status
	bwdDataCalls       []convExecCall
	bwdFilterCalls     []convExecCall
	bwdBiasCalls       []dataExecCall
	addTensorCalls     []dataExecCall
	transformCalls     []dataExecCall
	activationCalls    []dataExecCall
	activationDescUsed []libcudnn.ActivationDescriptor
	activationModeUsed []libcudnn.ActivationMode
	poolingFwdCalls    []dataExecCall
	poolingBwdCalls    []dataExecCall
}

func newFakeCudnn(version int64) *fakeCudnn {
	return &fakeCudnn{
		version:         version,
		tensorDescs:     make(map[libcudnn.TensorDescriptor]tensorSetting),
		filterDescs:     make(map[libcudnn.FilterDescriptor]filterSetting),
		convDescs:       make(map[libcudnn.ConvolutionDescriptor]convSetting),
		poolingDescs:    make(map[libcudnn.PoolingDescriptor]poolingSetting),
		activationDescs: make(map[libcudnn.ActivationDescriptor]activationSetting),
	}
}

func (f *fakeCudnn) handleOut() uintptr {
	f.nextHandle++
	return f.nextHandle
}

// library exports the fake through the libcudnn contract, honoring the same
// version gating a real library's export table would.
func (f *fakeCudnn) library() *fakeLibrary {
	symbols := map[string]any{
		libcudnn.SymGetVersion: libcudnn.GetVersionFunc(func() int64 { return f.version }),

		libcudnn.SymCreate: libcudnn.CreateFunc(func() (libcudnn.Handle, libcudnn.Status) {
			if f.createStatus != libcudnn.StatusSuccess {
				return 0, f.createStatus
			}
			handle := libcudnn.Handle(f.handleOut())
			f.created = append(f.created, handle)
			return handle, libcudnn.StatusSuccess
		}),
		libcudnn.SymDestroy: libcudnn.DestroyFunc(func(handle libcudnn.Handle) libcudnn.Status {
			f.destroyed = append(f.destroyed, handle)
			return libcudnn.StatusSuccess
		}),
		libcudnn.SymSetStream: libcudnn.SetStreamFunc(func(handle libcudnn.Handle, stream libcudnn.Stream) libcudnn.Status {
			if f.setStreamStatus != libcudnn.StatusSuccess {
				return f.setStreamStatus
			}
			f.boundStreams = append(f.boundStreams, stream)
			return libcudnn.StatusSuccess
		}),

		libcudnn.SymCreateTensorDescriptor: libcudnn.CreateTensorDescriptorFunc(func() (libcudnn.TensorDescriptor, libcudnn.Status) {
			f.liveDescriptors++
			return libcudnn.TensorDescriptor(f.handleOut()), libcudnn.StatusSuccess
		}),
		libcudnn.SymSetTensorNdDescriptor: libcudnn.SetTensorNdDescriptorFunc(func(desc libcudnn.TensorDescriptor, dataType libcudnn.DataType, dims, strides []int32) libcudnn.Status {
			f.tensorDescs[desc] = tensorSetting{dataType: dataType, dims: dims, strides: strides}
			return libcudnn.StatusSuccess
		}),
		libcudnn.SymDestroyTensorDescriptor: libcudnn.DestroyTensorDescriptorFunc(func(desc libcudnn.TensorDescriptor) libcudnn.Status {
			f.liveDescriptors--
			return libcudnn.StatusSuccess
		}),

		libcudnn.SymCreateFilterDescriptor: libcudnn.CreateFilterDescriptorFunc(func() (libcudnn.FilterDescriptor, libcudnn.Status) {
			f.liveDescriptors++
			return libcudnn.FilterDescriptor(f.handleOut()), libcudnn.StatusSuccess
		}),
		libcudnn.SymSetFilterNdDescriptor: libcudnn.SetFilterNdDescriptorFunc(func(desc libcudnn.FilterDescriptor, dataType libcudnn.DataType, format libcudnn.TensorFormat, dims []int32) libcudnn.Status {
			f.filterDescs[desc] = filterSetting{dataType: dataType, format: format, dims: dims}
			return libcudnn.StatusSuccess
		}),
		libcudnn.SymDestroyFilterDescriptor: libcudnn.DestroyFilterDescriptorFunc(func(desc libcudnn.FilterDescriptor) libcudnn.Status {
			f.liveDescriptors--
			return libcudnn.StatusSuccess
		}),

		libcudnn.SymCreateConvolutionDescriptor: libcudnn.CreateConvolutionDescriptorFunc(func() (libcudnn.ConvolutionDescriptor, libcudnn.Status) {
			f.liveDescriptors++
			return libcudnn.ConvolutionDescriptor(f.handleOut()), libcudnn.StatusSuccess
		}),
		libcudnn.SymSetConvolutionNdDescriptor: libcudnn.SetConvolutionNdDescriptorFunc(func(desc libcudnn.ConvolutionDescriptor, padding, strides, upscale []int32, mode libcudnn.ConvolutionMode, computeType libcudnn.DataType) libcudnn.Status {
			f.convDescs[desc] = convSetting{padding: padding, strides: strides, upscale: upscale, mode: mode, computeType: computeType}
			return libcudnn.StatusSuccess
		}),
		libcudnn.SymDestroyConvolutionDescriptor: libcudnn.DestroyConvolutionDescriptorFunc(func(desc libcudnn.ConvolutionDescriptor) libcudnn.Status {
			f.liveDescriptors--
			return libcudnn.StatusSuccess
		}),

		libcudnn.SymCreatePoolingDescriptor: libcudnn.CreatePoolingDescriptorFunc(func() (libcudnn.PoolingDescriptor, libcudnn.Status) {
			f.liveDescriptors++
			return libcudnn.PoolingDescriptor(f.handleOut()), libcudnn.StatusSuccess
		}),
		libcudnn.SymSetPoolingNdDescriptor: libcudnn.SetPoolingNdDescriptorFunc(func(desc libcudnn.PoolingDescriptor, mode libcudnn.PoolingMode, nan libcudnn.NanPropagation, window, padding, strides []int32) libcudnn.Status {
			f.poolingDescs[desc] = poolingSetting{mode: mode, nan: nan, window: window, padding: padding, strides: strides}
			return libcudnn.StatusSuccess
		}),
		libcudnn.SymDestroyPoolingDescriptor: libcudnn.DestroyPoolingDescriptorFunc(func(desc libcudnn.PoolingDescriptor) libcudnn.Status {
			f.liveDescriptors--
			return libcudnn.StatusSuccess
		}),

		libcudnn.SymGetConvolutionNdForwardOutputDim: libcudnn.GetConvolutionNdForwardOutputDimFunc(func(conv libcudnn.ConvolutionDescriptor, input libcudnn.TensorDescriptor, filter libcudnn.FilterDescriptor, nd int32) ([]int32, libcudnn.Status) {
			if f.outputDimStatus != libcudnn.StatusSuccess {
				return nil, f.outputDimStatus
			}
			return f.outputDim, libcudnn.StatusSuccess
		}),

		libcudnn.SymGetConvolutionForwardAlgorithm: libcudnn.GetConvolutionForwardAlgorithmFunc(func(handle libcudnn.Handle, src libcudnn.TensorDescriptor, filter libcudnn.FilterDescriptor, conv libcudnn.ConvolutionDescriptor, dest libcudnn.TensorDescriptor, preference libcudnn.ConvolutionFwdPreference, memoryLimitBytes int64) (libcudnn.ConvolutionFwdAlgo, libcudnn.Status) {
			f.fwdAlgoQueries = append(f.fwdAlgoQueries, algoQuery{preference: int32(preference), memoryLimitBytes: memoryLimitBytes})
			return f.fwdAlgo, libcudnn.StatusSuccess
		}),
		libcudnn.SymGetConvolutionForwardWorkspaceSize: libcudnn.GetConvolutionForwardWorkspaceSizeFunc(func(handle libcudnn.Handle, src libcudnn.TensorDescriptor, filter libcudnn.FilterDescriptor, conv libcudnn.ConvolutionDescriptor, dest libcudnn.TensorDescriptor, algo libcudnn.ConvolutionFwdAlgo) (uint64, libcudnn.Status) {
			return f.fwdWorkspaceBytes, f.fwdWorkspaceStatus
		}),
		libcudnn.SymConvolutionForward: libcudnn.ConvolutionForwardFunc(func(handle libcudnn.Handle, alpha float32, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, filter libcudnn.FilterDescriptor, filterData unsafe.Pointer, conv libcudnn.ConvolutionDescriptor, algo libcudnn.ConvolutionFwdAlgo, workspace unsafe.Pointer, workspaceBytes uint64, beta float32, dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
			f.convForwardCalls = append(f.convForwardCalls, convExecCall{
				algo: int64(algo), srcData: srcData, filterData: filterData,
				workspace: workspace, workspaceBytes: workspaceBytes, destData: destData,
				alpha: alpha, beta: beta,
			})
			return f.convForwardStatus
		}),

		libcudnn.SymConvolutionBackwardBias: libcudnn.ConvolutionBackwardBiasFunc(func(handle libcudnn.Handle, alpha float32, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32, bias libcudnn.TensorDescriptor, biasData unsafe.Pointer) libcudnn.Status {
			f.bwdBiasCalls = append(f.bwdBiasCalls, dataExecCall{srcData: srcData, destData: biasData, alpha: alpha, beta: beta})
			return libcudnn.StatusSuccess
		}),
		libcudnn.SymTransformTensor: libcudnn.TransformTensorFunc(func(handle libcudnn.Handle, alpha float32, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32, dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
			f.transformCalls = append(f.transformCalls, dataExecCall{srcData: srcData, destData: destData, alpha: alpha, beta: beta})
			return libcudnn.StatusSuccess
		}),

		libcudnn.SymPoolingForward: libcudnn.PoolingForwardFunc(func(handle libcudnn.Handle, pooling libcudnn.PoolingDescriptor, alpha float32, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32, dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
			f.poolingFwdCalls = append(f.poolingFwdCalls, dataExecCall{srcData: srcData, destData: destData, alpha: alpha, beta: beta})
			return libcudnn.StatusSuccess
		}),
		libcudnn.SymPoolingBackward: libcudnn.PoolingBackwardFunc(func(handle libcudnn.Handle, pooling libcudnn.PoolingDescriptor, alpha float32, dest libcudnn.TensorDescriptor, destData unsafe.Pointer, destDiff libcudnn.TensorDescriptor, destDiffData unsafe.Pointer, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32, srcDiff libcudnn.TensorDescriptor, srcDiffData unsafe.Pointer) libcudnn.Status {
			f.poolingBwdCalls = append(f.poolingBwdCalls, dataExecCall{srcData: srcData, destData: srcDiffData, alpha: alpha, beta: beta})
			return libcudnn.StatusSuccess
		}),
	}

	if f.version >= 3000 {
		symbols[libcudnn.SymGetConvolutionBackwardDataAlgorithm] = libcudnn.GetConvolutionBackwardDataAlgorithmFunc(func(handle libcudnn.Handle, filter libcudnn.FilterDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor, grad libcudnn.TensorDescriptor, preference libcudnn.ConvolutionBwdDataPreference, memoryLimitBytes int64) (libcudnn.ConvolutionBwdDataAlgo, libcudnn.Status) {
			f.bwdDataAlgoQueries = append(f.bwdDataAlgoQueries, algoQuery{preference: int32(preference), memoryLimitBytes: memoryLimitBytes})
			return f.bwdDataAlgo, libcudnn.StatusSuccess
		})
		symbols[libcudnn.SymGetConvolutionBackwardDataWorkspaceSize] = libcudnn.GetConvolutionBackwardDataWorkspaceSizeFunc(func(handle libcudnn.Handle, filter libcudnn.FilterDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor, grad libcudnn.TensorDescriptor, algo libcudnn.ConvolutionBwdDataAlgo) (uint64, libcudnn.Status) {
			return f.bwdDataWorkspaceBytes, f.bwdDataWorkspaceStatus
		})
		symbols[libcudnn.SymGetConvolutionBackwardFilterAlgorithm] = libcudnn.GetConvolutionBackwardFilterAlgorithmFunc(func(handle libcudnn.Handle, src libcudnn.TensorDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor, grad libcudnn.FilterDescriptor, preference libcudnn.ConvolutionBwdFilterPreference, memoryLimitBytes int64) (libcudnn.ConvolutionBwdFilterAlgo, libcudnn.Status) {
			f.bwdFilterAlgoQueries = append(f.bwdFilterAlgoQueries, algoQuery{preference: int32(preference), memoryLimitBytes: memoryLimitBytes})
			return f.bwdFilterAlgo, libcudnn.StatusSuccess
		})
		symbols[libcudnn.SymGetConvolutionBackwardFilterWorkspaceSize] = libcudnn.GetConvolutionBackwardFilterWorkspaceSizeFunc(func(handle libcudnn.Handle, src libcudnn.TensorDescriptor, diff libcudnn.TensorDescriptor, conv libcudnn.ConvolutionDescriptor, grad libcudnn.FilterDescriptor, algo libcudnn.ConvolutionBwdFilterAlgo) (uint64, libcudnn.Status) {
			return f.bwdFilterWorkspaceBytes, f.bwdFilterWorkspaceStatus
		})
	}

	addTensor := libcudnn.AddTensorFunc(func(handle libcudnn.Handle, alpha float32, bias libcudnn.TensorDescriptor, biasData unsafe.Pointer, beta float32, dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
		f.addTensorCalls = append(f.addTensorCalls, dataExecCall{srcData: biasData, destData: destData, alpha: alpha, beta: beta})
		return libcudnn.StatusSuccess
	})
	backwardData := libcudnn.ConvolutionBackwardDataFunc(func(handle libcudnn.Handle, alpha float32, filter libcudnn.FilterDescriptor, filterData unsafe.Pointer, diff libcudnn.TensorDescriptor, diffData unsafe.Pointer, conv libcudnn.ConvolutionDescriptor, algo libcudnn.ConvolutionBwdDataAlgo, workspace unsafe.Pointer, workspaceBytes uint64, beta float32, grad libcudnn.TensorDescriptor, gradData unsafe.Pointer) libcudnn.Status {
		f.bwdDataCalls = append(f.bwdDataCalls, convExecCall{
			algo: int64(algo), srcData: diffData, filterData: filterData,
			workspace: workspace, workspaceBytes: workspaceBytes, destData: gradData,
			alpha: alpha, beta: beta,
		})
		return libcudnn.StatusSuccess
	})
	backwardFilter := libcudnn.ConvolutionBackwardFilterFunc(func(handle libcudnn.Handle, alpha float32, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, diff libcudnn.TensorDescriptor, diffData unsafe.Pointer, conv libcudnn.ConvolutionDescriptor, algo libcudnn.ConvolutionBwdFilterAlgo, workspace unsafe.Pointer, workspaceBytes uint64, beta float32, grad libcudnn.FilterDescriptor, gradData unsafe.Pointer) libcudnn.Status {
		f.bwdFilterCalls = append(f.bwdFilterCalls, convExecCall{
			algo: int64(algo), srcData: srcData, filterData: gradData,
			workspace: workspace, workspaceBytes: workspaceBytes, destData: gradData,
			alpha: alpha, beta: beta,
		})
		return libcudnn.StatusSuccess
	})

	if f.version >= 5000 {
		symbols[libcudnn.SymAddTensor] = addTensor
		symbols[libcudnn.SymConvolutionBackwardData] = backwardData
		symbols[libcudnn.SymConvolutionBackwardFilter] = backwardFilter
		symbols[libcudnn.SymCreateActivationDescriptor] = libcudnn.CreateActivationDescriptorFunc(func() (libcudnn.ActivationDescriptor, libcudnn.Status) {
			f.liveDescriptors++
			return libcudnn.ActivationDescriptor(f.handleOut()), libcudnn.StatusSuccess
		})
		symbols[libcudnn.SymSetActivationDescriptor] = libcudnn.SetActivationDescriptorFunc(func(desc libcudnn.ActivationDescriptor, mode libcudnn.ActivationMode, nan libcudnn.NanPropagation, ceiling float64) libcudnn.Status {
			f.activationDescs[desc] = activationSetting{mode: mode, nan: nan, ceiling: ceiling}
			return libcudnn.StatusSuccess
		})
		symbols[libcudnn.SymDestroyActivationDescriptor] = libcudnn.DestroyActivationDescriptorFunc(func(desc libcudnn.ActivationDescriptor) libcudnn.Status {
			f.liveDescriptors--
			return libcudnn.StatusSuccess
		})
		symbols[libcudnn.SymActivationForward] = libcudnn.ActivationForwardFunc(func(handle libcudnn.Handle, activation libcudnn.ActivationDescriptor, alpha float32, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32, dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
			f.activationCalls = append(f.activationCalls, dataExecCall{srcData: srcData, destData: destData, alpha: alpha, beta: beta})
			f.activationDescUsed = append(f.activationDescUsed, activation)
			return libcudnn.StatusSuccess
		})
	} else {
		symbols[libcudnn.SymAddTensorV3] = addTensor
		symbols[libcudnn.SymConvolutionBackwardDataV3] = backwardData
		symbols[libcudnn.SymConvolutionBackwardFilterV3] = backwardFilter
		symbols[libcudnn.SymActivationForward] = libcudnn.ActivationForwardModeFunc(func(handle libcudnn.Handle, mode libcudnn.ActivationMode, alpha float32, src libcudnn.TensorDescriptor, srcData unsafe.Pointer, beta float32, dest libcudnn.TensorDescriptor, destData unsafe.Pointer) libcudnn.Status {
			f.activationCalls = append(f.activationCalls, dataExecCall{srcData: srcData, destData: destData, alpha: alpha, beta: beta})
			f.activationModeUsed = append(f.activationModeUsed, mode)
			return libcudnn.StatusSuccess
		})
	}

	return &fakeLibrary{symbols: symbols}
}

type fakeTimer struct {
	started, stopped, destroyed bool
	elapsed                     time.Duration
}

func (t *fakeTimer) Start(streamexec.Stream) error { t.started = true; return nil }
func (t *fakeTimer) Stop(streamexec.Stream) error  { t.stopped = true; return nil }
func (t *fakeTimer) Elapsed() time.Duration        { return t.elapsed }
func (t *fakeTimer) Destroy()                      { t.destroyed = true }

type fakeExecutor struct {
	activations int
	lastTimer   *fakeTimer
}

func (e *fakeExecutor) Platform() string { return "cuda" }

func (e *fakeExecutor) Activate() (release func()) {
	e.activations++
	return func() {}
}

func (e *fakeExecutor) NewTimer() (streamexec.Timer, error) {
	e.lastTimer = &fakeTimer{elapsed: 3 * time.Millisecond}
	return e.lastTimer, nil
}

type d2dCopy struct {
	dst, src  unsafe.Pointer
	sizeBytes uint64
}

// fakeStream models device memory as ordinary host slices, so the memcpy
// primitives actually move data.
type fakeStream struct {
	platform    uintptr
	temporaries [][]byte
	d2dCopies   []d2dCopy
	blockCount  int
	blockErr    error
}

func (s *fakeStream) PlatformStream() uintptr { return s.platform }

func (s *fakeStream) MemcpyD2H(src streamexec.DeviceMemory, dst any) error {
	switch d := dst.(type) {
	case []float32:
		copy(d, unsafe.Slice((*float32)(src.Opaque()), len(d)))
	case []float16.Float16:
		copy(d, unsafe.Slice((*float16.Float16)(src.Opaque()), len(d)))
	default:
		return errors.Errorf("unsupported host buffer type %T", dst)
	}
	return nil
}

func (s *fakeStream) MemcpyH2D(src any, dst streamexec.DeviceMemory) error {
	switch h := src.(type) {
	case []float32:
		copy(unsafe.Slice((*float32)(dst.Opaque()), len(h)), h)
	case []float16.Float16:
		copy(unsafe.Slice((*float16.Float16)(dst.Opaque()), len(h)), h)
	default:
		return errors.Errorf("unsupported host buffer type %T", src)
	}
	return nil
}

func (s *fakeStream) MemcpyD2D(dst, src streamexec.DeviceMemory, sizeBytes uint64) error {
	s.d2dCopies = append(s.d2dCopies, d2dCopy{dst: dst.Opaque(), src: src.Opaque(), sizeBytes: sizeBytes})
	copy(unsafe.Slice((*byte)(dst.Opaque()), sizeBytes), unsafe.Slice((*byte)(src.Opaque()), sizeBytes))
	return nil
}

func (s *fakeStream) AllocateTemporary(sizeBytes uint64) (streamexec.DeviceMemory, error) {
	buf := make([]byte, sizeBytes)
	s.temporaries = append(s.temporaries, buf)
	return streamexec.MakeDeviceMemory(unsafe.Pointer(&buf[0]), sizeBytes), nil
}

func (s *fakeStream) BlockHostUntilDone() error {
	s.blockCount++
	return s.blockErr
}

func (s *fakeStream) Ok() bool { return true }

type gemmCall struct {
	transA, transB streamexec.Transpose
	m, n, k        int64
	alpha, beta    float32
	a, b, c        streamexec.DeviceMemory
	lda, ldb, ldc  int
	batchCount     int
	batchA, batchB []streamexec.DeviceMemory
	batchC         []streamexec.DeviceMemory
}

// fakeBlasStream is a fakeStream that also supports BLAS.
type fakeBlasStream struct {
	fakeStream
	gemms []gemmCall
}

func (s *fakeBlasStream) Gemm(transA, transB streamexec.Transpose, m, n, k int64, alpha float32,
	a streamexec.DeviceMemory, lda int, b streamexec.DeviceMemory, ldb int, beta float32,
	c streamexec.DeviceMemory, ldc int) error {
	s.gemms = append(s.gemms, gemmCall{
		transA: transA, transB: transB, m: m, n: n, k: k, alpha: alpha, beta: beta,
		a: a, b: b, c: c, lda: lda, ldb: ldb, ldc: ldc,
	})
	return nil
}

func (s *fakeBlasStream) GemmBatched(transA, transB streamexec.Transpose, m, n, k int64, alpha float32,
	a []streamexec.DeviceMemory, lda int, b []streamexec.DeviceMemory, ldb int, beta float32,
	c []streamexec.DeviceMemory, ldc int, batchCount int) error {
	s.gemms = append(s.gemms, gemmCall{
		transA: transA, transB: transB, m: m, n: n, k: k, alpha: alpha, beta: beta,
		lda: lda, ldb: ldb, ldc: ldc, batchCount: batchCount,
		batchA: a, batchB: b, batchC: c,
	})
	return nil
}

type fakeScratch struct {
	limit     int64
	fail      bool
	returnNil bool
	allocs    []uint64
	buffers   [][]byte
}

func (a *fakeScratch) GetMemoryLimitInBytes(streamexec.Stream) int64 { return a.limit }

func (a *fakeScratch) AllocateBytes(_ streamexec.Stream, sizeBytes uint64) (streamexec.DeviceMemory, error) {
	a.allocs = append(a.allocs, sizeBytes)
	if a.fail {
		return streamexec.DeviceMemory{}, errors.Errorf("scratch limit exceeded allocating %d bytes", sizeBytes)
	}
	if a.returnNil {
		return streamexec.DeviceMemory{}, nil
	}
	buf := make([]byte, sizeBytes)
	a.buffers = append(a.buffers, buf)
	return streamexec.MakeDeviceMemory(unsafe.Pointer(&buf[0]), sizeBytes), nil
}

// newDeviceBuffer creates a float32 "device" buffer and its memory reference.
func newDeviceBuffer(values ...float32) ([]float32, streamexec.DeviceMemory) {
	buf := make([]float32, len(values))
	copy(buf, values)
	return buf, streamexec.MakeDeviceMemory(unsafe.Pointer(&buf[0]), uint64(len(buf))*4)
}

// newHalfDeviceBuffer is newDeviceBuffer for half precision data.
func newHalfDeviceBuffer(values ...float32) ([]float16.Float16, streamexec.DeviceMemory) {
	buf := make([]float16.Float16, len(values))
	for i, v := range values {
		buf[i] = float16.Fromfloat32(v)
	}
	return buf, streamexec.MakeDeviceMemory(unsafe.Pointer(&buf[0]), uint64(len(buf))*2)
}

// newTestSupport builds an initialized backend over a scripted fake library.
func newTestSupport(t *testing.T, fake *fakeCudnn) (*Support, *fakeExecutor) {
	t.Helper()
	executor := &fakeExecutor{}
	support := newWithLibrary(executor, fake.library())
	require.NoError(t, support.Init())
	t.Cleanup(support.Finalize)
	return support, executor
}
