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
	"time"

	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// ContainerRecord tracks one realized container of a pod.
type ContainerRecord struct {
	// Name is the spec-level container name.
	Name string `json:"name"`
	// RuntimeID is the id the OCI runtime knows the container by.
	RuntimeID string `json:"runtimeId"`
	// BundleDir is the composed working bundle directory.
	BundleDir string `json:"bundleDir"`
	// CgroupPath is the group the cgroup programmer created.
	CgroupPath string `json:"cgroupPath"`
	// Init marks an init container, started before the workers.
	Init bool `json:"init,omitempty"`
}

// Record is the authoritative per-pod state, mirrored to the state directory
// for crash recovery.
type Record struct {
	PodID     string            `json:"podId"`
	UID       string            `json:"uid"`
	Phase     v1.Phase          `json:"phase"`
	PauseID   string            `json:"pauseId"`
	PauseDir  string            `json:"pauseDir"`
	Workers   []ContainerRecord `json:"workers"`
	NetnsPath string            `json:"netnsPath,omitempty"`
	Network   string            `json:"network,omitempty"`
	IPAddress string            `json:"ipAddress,omitempty"`
	SpecHash  string            `json:"specHash"`
	CreatedAt time.Time         `json:"createdAt"`
	LastError string            `json:"lastError,omitempty"`
}

// Worker returns the record for a named container, nil when absent.
func (r *Record) Worker(name string) *ContainerRecord {
	for i := range r.Workers {
		if r.Workers[i].Name == name {
			return &r.Workers[i]
		}
	}
	return nil
}

// clone returns a copy safe to hand to callers outside the pod lock.
func (r *Record) clone() Record {
	out := *r
	out.Workers = append([]ContainerRecord(nil), r.Workers...)
	return out
}
