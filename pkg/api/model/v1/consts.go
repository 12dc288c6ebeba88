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

package v1

// Version identifies the apiVersion of a document.
type Version string

// Kind identifies the kind of a document.
type Kind string

const (
	APIVersion Version = "libra.dev/v1"

	KindPod       Kind = "Pod"
	KindContainer Kind = "Container"
)

// BundleLabel is the pod label that points at the pause bundle.
const BundleLabel = "bundle"

// Phase is the lifecycle phase of a pod or standalone container.
type Phase string

const (
	PhasePending  Phase = "Pending"
	PhaseCreating Phase = "Creating"
	PhaseCreated  Phase = "Created"
	PhaseStarting Phase = "Starting"
	PhaseRunning  Phase = "Running"
	PhaseStopping Phase = "Stopping"
	PhaseDeleted  Phase = "Deleted"
	PhaseFailed   Phase = "Failed"
)

const (
	ProtocolTCP = "TCP"
	ProtocolUDP = "UDP"

	MountModeRO = "ro"
	MountModeRW = "rw"
)
