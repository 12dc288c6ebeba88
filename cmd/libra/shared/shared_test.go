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

package shared_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/libradev/libra/cmd/libra/shared"
	"github.com/libradev/libra/internal/errdefs"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: shared.ExitOK},
		{name: "spec invalid", err: fmt.Errorf("%w: x", errdefs.ErrSpecInvalid), want: shared.ExitSpec},
		{name: "bundle invalid", err: errdefs.ErrBundleInvalid, want: shared.ExitSpec},
		{name: "cycle", err: errdefs.ErrCycleDetected, want: shared.ExitSpec},
		{name: "not found", err: errdefs.ErrPodNotFound, want: shared.ExitNotFound},
		{name: "already exists", err: fmt.Errorf("%w: pod", errdefs.ErrAlreadyExists), want: shared.ExitExists},
		{name: "runtime", err: errdefs.ErrRuntimeStart, want: shared.ExitRuntime},
		{name: "cgroup", err: errdefs.ErrCgroupProgram, want: shared.ExitRuntime},
		{name: "network", err: errdefs.ErrNetworkSetupFailed, want: shared.ExitNetwork},
		{name: "timeout", err: errdefs.ErrTimeout, want: shared.ExitTimeout},
		{name: "generic", err: errors.New("anything else"), want: shared.ExitGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shared.ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseEnvFlags(t *testing.T) {
	env, err := shared.ParseEnvFlags([]string{"A=1", "B=two=2"})
	if err != nil {
		t.Fatalf("ParseEnvFlags() error: %v", err)
	}
	if len(env) != 2 || env[1] != "B=two=2" {
		t.Errorf("env = %v", env)
	}
	if _, err := shared.ParseEnvFlags([]string{"NOEQUALS"}); !errors.Is(err, errdefs.ErrSpecInvalid) {
		t.Errorf("ParseEnvFlags(NOEQUALS) = %v, want ErrSpecInvalid", err)
	}
}
