// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cudnn implements the dnn.Support DNN primitives on top of the
// runtime-loaded cuDNN library, one backend instance per executor (device).
//
// Import it with a blank identifier to register the backend for the "cuda"
// platform:
//
//	import _ "github.com/gomlx/godnn/cudnn"
//
// The backend owns a single native cuDNN handle. The handle is stateful --
// the stream it is bound to and the algorithm negotiation that follows are
// handle-wide -- so each operation binds the stream, negotiates and enqueues
// under one mutex.
package cudnn

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/godnn/dnn"
	"github.com/gomlx/godnn/libcudnn"
	"github.com/gomlx/godnn/streamexec"
)

// Support implements dnn.Support using the cuDNN library.
type Support struct {
	parent streamexec.Executor
	lib    *lib

	// mu serializes use of the native handle: stream binding, algorithm
	// negotiation and the enqueue itself happen under it.
	mu     sync.Mutex
	handle libcudnn.Handle
}

var _ dnn.Support = (*Support)(nil)

// New creates a cuDNN backend for the executor. The library must be
// reachable through the loader installed with libcudnn.SetLoader; symbol
// resolution happens here, on first use.
func New(parent streamexec.Executor) (*Support, error) {
	l, err := sharedLibHandle()
	if err != nil {
		return nil, errors.WithMessage(err, "cudnn: loading the cudnn library")
	}
	return &Support{parent: parent, lib: l}, nil
}

// newWithLibrary builds a backend from an explicit library handle, bypassing
// the process-wide loader. Used by tests.
func newWithLibrary(parent streamexec.Executor, library libcudnn.Library) *Support {
	return &Support{parent: parent, lib: loadLib(library)}
}

// Init creates the native cuDNN handle and verifies the loaded library is
// compatible with the version this backend was built against. Versions are
// compatible when they agree up to the patch level.
func (s *Support) Init() error {
	handle, status := s.lib.Create(s.parent)
	if status != libcudnn.StatusSuccess {
		return errors.Errorf("cudnn: could not create cudnn handle: %s", status)
	}
	loaded := s.lib.version
	if libcudnn.CompatibilityVersion(loaded) != libcudnn.CompatibilityVersion(libcudnn.Version) {
		if destroyStatus := s.lib.Destroy(s.parent, handle); destroyStatus != libcudnn.StatusSuccess {
			klog.Errorf("cudnn: could not destroy cudnn handle: %s", destroyStatus)
		}
		return errors.Errorf(
			"cudnn: loaded runtime cudnn library %d but this build requires compatibility with %d; "+
				"if using a binary install, upgrade your cudnn library to match, "+
				"if building from source, make sure the library loaded matches the version you built against",
			loaded, libcudnn.Version)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

// Finalize destroys the native handle. The backend is invalid afterwards.
func (s *Support) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return
	}
	if status := s.lib.Destroy(s.parent, s.handle); status != libcudnn.StatusSuccess {
		klog.Warningf("cudnn: could not destroy cudnn handle: %s", status)
	}
	s.handle = 0
}

// bindStream points the native handle at the stream's platform stream.
// Callers must hold s.mu. Returns false (after logging) on failure.
func (s *Support) bindStream(stream streamexec.Stream) bool {
	status := s.lib.SetStream(s.parent, s.handle, libcudnn.Stream(stream.PlatformStream()))
	if status != libcudnn.StatusSuccess {
		klog.Errorf("cudnn: failed to set stream for cudnn handle: %s", status)
		return false
	}
	return true
}

// mustBindStream is bindStream for the convolution entry points, where a
// handle that cannot be pointed at the stream leaves the backend unusable.
func (s *Support) mustBindStream(stream streamexec.Stream) {
	status := s.lib.SetStream(s.parent, s.handle, libcudnn.Stream(stream.PlatformStream()))
	if status != libcudnn.StatusSuccess {
		exceptions.Panicf("cudnn: failed to set stream for cudnn handle: %s", status)
	}
}

// PrimeLibrary schedules background resolution of the cuDNN library and its
// symbols, so the first operation doesn't pay for it. Call it after
// libcudnn.SetLoader; libcudnn.WaitBookkeeping reports the outcome.
func PrimeLibrary() {
	libcudnn.Bookkeeping(func() error {
		_, err := sharedLibHandle()
		return err
	})
}

func init() {
	dnn.Register("cuda", "cuDNN", func(executor streamexec.Executor) (dnn.Support, error) {
		return New(executor)
	})
}
