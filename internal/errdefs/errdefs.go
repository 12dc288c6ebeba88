// Copyright 2025 The Libra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package errdefs declares the sentinel errors surfaced across package
// boundaries. Callers wrap them with fmt.Errorf("%w: %w", ...) and classify
// with errors.Is; the CLI maps each class to a stable exit code.
package errdefs

import (
	"errors"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrSpecInvalid           = errors.New("spec invalid")
	ErrBundleInvalid         = errors.New("bundle invalid")
	ErrRuntimeCreate         = errors.New("runtime create failed")
	ErrRuntimeStart          = errors.New("runtime start failed")
	ErrRuntimeDelete         = errors.New("runtime delete failed")
	ErrCgroupProgram         = errors.New("cgroup programming failed")
	ErrNetworkSetupFailed    = errors.New("network setup failed")
	ErrNetworkTeardownFailed = errors.New("network teardown failed")
	ErrNamespaceShareFailed  = errors.New("namespace sharing failed")
	ErrTimeout               = errors.New("operation timed out")
	ErrCycleDetected         = errors.New("dependency cycle detected")
	ErrInternal              = errors.New("internal error")

	ErrPodNotFound           = errors.New("pod not found")
	ErrContainerNotFound     = errors.New("container not found")
	ErrNetworkNotFound       = errors.New("network not found")
	ErrNetworkInUse          = errors.New("network has active attachments")
	ErrNotRunning            = errors.New("workload is not running")
	ErrNotCreated            = errors.New("workload is not in created phase")
	ErrPodNameRequired       = errors.New("pod name is required")
	ErrContainerNameRequired = errors.New("container name is required")
	ErrPauseBundleRequired   = errors.New("pause bundle label is required")
	ErrImageRequired         = errors.New("container image is required")

	ErrConfig                = errors.New("config error")
	ErrWriteRecord           = errors.New("failed to write record file")
	ErrUnsupportedAPIVersion = errors.New("unsupported apiVersion")
	ErrUnknownKind           = errors.New("unknown kind")
)

// IsTerminal reports whether a reconcile attempt for a spec that produced err
// should not be retried. SpecInvalid and CycleDetected can only be fixed by
// editing the manifest; AlreadyExists means desired and observed converged.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSpecInvalid) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrAlreadyExists)
}
