// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package streamexec defines the contracts the DNN adapter requires from the
// device/stream execution model: a compute Stream with memory-copy
// primitives, opaque DeviceMemory references, a ScratchAllocator for
// algorithm workspaces, and an Executor that owns the device context.
//
// The package only specifies interfaces (plus the DeviceMemory value type);
// concrete implementations belong to the platform's stream-executor.
package streamexec

import (
	"time"
	"unsafe"
)

// DeviceMemory is an opaque, untyped reference to a region of device memory.
// It never owns the memory it points to: inputs, outputs and scratch buffers
// are always borrowed from the caller or from a ScratchAllocator for the
// duration of one call.
type DeviceMemory struct {
	base unsafe.Pointer
	size uint64
}

// MakeDeviceMemory creates a DeviceMemory reference from a raw device pointer
// and a size in bytes.
func MakeDeviceMemory(base unsafe.Pointer, sizeBytes uint64) DeviceMemory {
	return DeviceMemory{base: base, size: sizeBytes}
}

// Opaque returns the underlying device pointer.
func (m DeviceMemory) Opaque() unsafe.Pointer { return m.base }

// Size returns the size of the region in bytes.
func (m DeviceMemory) Size() uint64 { return m.size }

// IsNil reports whether the reference doesn't point to any device memory.
func (m DeviceMemory) IsNil() bool { return m.base == nil }

// Offset returns a sub-region starting offsetBytes into m, spanning the rest
// of the region. It panics if offsetBytes is past the end of the region.
func (m DeviceMemory) Offset(offsetBytes uint64) DeviceMemory {
	if offsetBytes > m.size {
		panic("streamexec: DeviceMemory.Offset past the end of the region")
	}
	return DeviceMemory{
		base: unsafe.Add(m.base, offsetBytes),
		size: m.size - offsetBytes,
	}
}

// Stream is one in-order device execution stream. Operations enqueued on the
// same Stream execute in issue order on the device, asynchronously relative
// to the host unless explicitly blocked on.
type Stream interface {
	// PlatformStream returns the platform's native stream value, suitable to
	// bind to a native library execution handle.
	PlatformStream() uintptr

	// MemcpyD2H enqueues a device-to-host copy of src into the flat slice
	// dst (e.g. a []float32) and returns once enqueued.
	MemcpyD2H(src DeviceMemory, dst any) error

	// MemcpyH2D enqueues a host-to-device copy of the flat slice src into dst.
	MemcpyH2D(src any, dst DeviceMemory) error

	// MemcpyD2D enqueues a device-to-device copy of sizeBytes from src to dst.
	MemcpyD2D(dst, src DeviceMemory, sizeBytes uint64) error

	// AllocateTemporary allocates a temporary device buffer whose lifetime is
	// managed by the stream (released once the stream's enqueued work drains).
	AllocateTemporary(sizeBytes uint64) (DeviceMemory, error)

	// BlockHostUntilDone blocks the calling thread until all work enqueued on
	// the stream so far has completed on the device.
	BlockHostUntilDone() error

	// Ok reports whether the stream is still in a valid, non-errored state.
	Ok() bool
}

// Transpose selects whether a Blas operand is transposed.
type Transpose int

const (
	NoTranspose Transpose = iota
	DoTranspose
)

// Blas gives access to the platform's basic linear algebra primitives.
// Streams that support the matrix-multiply fallback path also implement Blas;
// the adapter discovers it with a type assertion.
//
// The contract is the usual column-major gemm: C = alpha*op(A)*op(B) + beta*C.
type Blas interface {
	Gemm(transA, transB Transpose, m, n, k int64, alpha float32,
		a DeviceMemory, lda int, b DeviceMemory, ldb int, beta float32,
		c DeviceMemory, ldc int) error

	GemmBatched(transA, transB Transpose, m, n, k int64, alpha float32,
		a []DeviceMemory, lda int, b []DeviceMemory, ldb int, beta float32,
		c []DeviceMemory, ldc int, batchCount int) error
}

// ScratchAllocator hands out temporary device memory for algorithm
// workspaces. The allocator owns the memory; the adapter only borrows it for
// the duration of one call.
type ScratchAllocator interface {
	// GetMemoryLimitInBytes returns the most bytes the allocator is willing
	// to hand out for one allocation. Negative values mean "no scratch".
	GetMemoryLimitInBytes(stream Stream) int64

	// AllocateBytes allocates sizeBytes of device memory usable on stream.
	AllocateBytes(stream Stream, sizeBytes uint64) (DeviceMemory, error)
}

// Timer measures elapsed device time between Start and Stop on a stream.
type Timer interface {
	Start(stream Stream) error
	Stop(stream Stream) error
	Elapsed() time.Duration
	Destroy()
}

// Executor represents one logical accelerator device. Every native-library
// call issued on behalf of an Executor must run with that device's context
// active, since callers may issue operations from arbitrary host threads.
type Executor interface {
	// Platform returns the platform name the executor belongs to, e.g. "cuda".
	Platform() string

	// Activate makes the executor's device context current for the calling
	// goroutine/thread and returns a function that restores the previous one.
	//
	// Usage: defer executor.Activate()()
	Activate() (release func())

	// NewTimer creates a device-side timer for profiling.
	NewTimer() (Timer, error)
}
