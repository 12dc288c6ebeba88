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
	"github.com/libradev/libra/internal/oci"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// DerivePhase reconstructs the pod phase from observed runtime states.
// pause is nil when the runtime no longer knows the pause container; workers
// holds one entry per worker in declared order, nil for a worker the runtime
// no longer reports (treated as stopped). prev is the phase last recorded by the manager, needed to tell a
// deliberate stop from a crash.
func DerivePhase(pause *oci.State, workers []*oci.State, prev v1.Phase) v1.Phase {
	if pause == nil {
		return v1.PhaseDeleted
	}

	anyStopped := pause.Status == oci.StatusStopped
	anyCreated := false
	allRunning := pause.Status == oci.StatusRunning
	allAtMostCreated := atMostCreated(pause.Status)
	for _, w := range workers {
		if w == nil {
			anyStopped = true
			allRunning = false
			continue
		}
		switch w.Status {
		case oci.StatusStopped:
			anyStopped = true
			allRunning = false
		case oci.StatusCreated, oci.StatusCreating:
			anyCreated = true
			allRunning = false
		case oci.StatusRunning:
		case oci.StatusPaused:
			allRunning = false
		}
		if !atMostCreated(w.Status) {
			allAtMostCreated = false
		}
	}

	switch {
	case anyStopped:
		// A stop observed after the pod was Running is an orderly (or
		// monitored) shutdown; before that it is a launch failure.
		if prev == v1.PhaseRunning || prev == v1.PhaseStopping {
			return v1.PhaseStopping
		}
		return v1.PhaseFailed
	case pause.Status == oci.StatusCreated && allAtMostCreated:
		return v1.PhaseCreated
	case pause.Status == oci.StatusRunning && anyCreated:
		return v1.PhaseStarting
	case allRunning:
		return v1.PhaseRunning
	default:
		return prev
	}
}

func atMostCreated(s oci.Status) bool {
	return s == oci.StatusCreating || s == oci.StatusCreated
}
