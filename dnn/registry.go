// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/godnn/streamexec"
)

// Factory builds a Support implementation bound to one executor (device).
// The returned Support must still be Init()-ed by the registry.
type Factory func(executor streamexec.Executor) (Support, error)

type platformFactories struct {
	factories   map[string]Factory
	defaultName string
}

var registeredFactories = make(map[string]*platformFactories)

// Register makes factory available as the implementation named name for the
// given platform (e.g. platform "cuda", name "cuDNN"). The first factory
// registered for a platform becomes its default.
//
// To be safe, call Register during initialization of a package.
func Register(platform, name string, factory Factory) {
	pf := registeredFactories[platform]
	if pf == nil {
		pf = &platformFactories{factories: make(map[string]Factory)}
		registeredFactories[platform] = pf
	}
	if len(pf.factories) == 0 {
		pf.defaultName = name
	}
	pf.factories[name] = factory
}

// SetDefaultFactory selects which registered factory NewForExecutor uses for
// the platform. It panics if the factory was never registered.
func SetDefaultFactory(platform, name string) {
	pf := registeredFactories[platform]
	if pf == nil || pf.factories[name] == nil {
		exceptions.Panicf("dnn: no factory %q registered for platform %q", name, platform)
	}
	pf.defaultName = name
}

// NewForExecutor creates and initializes the default Support implementation
// for the executor's platform.
//
// It panics if no factory was ever registered for the platform -- likely a
// missing underscore-import of the backend package. Initialization failures
// (e.g. an incompatible native library) are returned as errors.
func NewForExecutor(executor streamexec.Executor) (Support, error) {
	platform := executor.Platform()
	pf := registeredFactories[platform]
	if pf == nil || len(pf.factories) == 0 {
		exceptions.Panicf(`dnn: no DNN factories registered for platform %q -- maybe import the backend with import _ "github.com/gomlx/godnn/cudnn"?`, platform)
	}
	factory := pf.factories[pf.defaultName]
	support, err := factory(executor)
	if err != nil {
		return nil, errors.WithMessagef(err, "dnn: factory %q for platform %q", pf.defaultName, platform)
	}
	if err = support.Init(); err != nil {
		support.Finalize()
		return nil, errors.WithMessagef(err, "dnn: initializing %q for platform %q", pf.defaultName, platform)
	}
	return support, nil
}
