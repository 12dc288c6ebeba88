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

package pod

import (
	"testing"

	"github.com/libradev/libra/internal/oci"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

func st(status oci.Status) *oci.State {
	return &oci.State{Status: status}
}

func TestDerivePhase(t *testing.T) {
	tests := []struct {
		name    string
		pause   *oci.State
		workers []*oci.State
		prev    v1.Phase
		want    v1.Phase
	}{
		{
			name: "pause absent",
			prev: v1.PhaseRunning,
			want: v1.PhaseDeleted,
		},
		{
			name:    "all created",
			pause:   st(oci.StatusCreated),
			workers: []*oci.State{st(oci.StatusCreated), st(oci.StatusCreated)},
			prev:    v1.PhaseCreating,
			want:    v1.PhaseCreated,
		},
		{
			name:    "pause running worker created",
			pause:   st(oci.StatusRunning),
			workers: []*oci.State{st(oci.StatusRunning), st(oci.StatusCreated)},
			prev:    v1.PhaseStarting,
			want:    v1.PhaseStarting,
		},
		{
			name:    "all running",
			pause:   st(oci.StatusRunning),
			workers: []*oci.State{st(oci.StatusRunning), st(oci.StatusRunning)},
			prev:    v1.PhaseStarting,
			want:    v1.PhaseRunning,
		},
		{
			name:    "worker stopped while running",
			pause:   st(oci.StatusRunning),
			workers: []*oci.State{st(oci.StatusStopped), st(oci.StatusRunning)},
			prev:    v1.PhaseRunning,
			want:    v1.PhaseStopping,
		},
		{
			name:    "worker stopped before start completed",
			pause:   st(oci.StatusRunning),
			workers: []*oci.State{st(oci.StatusStopped), st(oci.StatusCreated)},
			prev:    v1.PhaseStarting,
			want:    v1.PhaseFailed,
		},
		{
			name:    "pause stopped before running",
			pause:   st(oci.StatusStopped),
			workers: []*oci.State{st(oci.StatusCreated)},
			prev:    v1.PhaseCreated,
			want:    v1.PhaseFailed,
		},
		{
			name:    "worker gone while running",
			pause:   st(oci.StatusRunning),
			workers: []*oci.State{nil, st(oci.StatusRunning)},
			prev:    v1.PhaseRunning,
			want:    v1.PhaseStopping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePhase(tt.pause, tt.workers, tt.prev); got != tt.want {
				t.Errorf("DerivePhase() = %s, want %s", got, tt.want)
			}
		})
	}
}
