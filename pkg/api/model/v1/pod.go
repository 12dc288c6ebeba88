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

import (
	"fmt"
	"strings"

	"github.com/libradev/libra/internal/errdefs"
)

// PodDoc is the spec-file shape of a pod.
type PodDoc struct {
	APIVersion Version     `json:"apiVersion" yaml:"apiVersion"`
	Kind       Kind        `json:"kind"       yaml:"kind"`
	Metadata   PodMetadata `json:"metadata"   yaml:"metadata"`
	Spec       PodSpec     `json:"spec"       yaml:"spec"`
}

type PodMetadata struct {
	Name   string            `json:"name"             yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

type PodSpec struct {
	Containers     []ContainerSpec `json:"containers"               yaml:"containers"`
	InitContainers []ContainerSpec `json:"initContainers,omitempty" yaml:"initContainers,omitempty"`
	// Network names a CNI configuration; empty selects the node default.
	Network string `json:"network,omitempty" yaml:"network,omitempty"`
}

// PauseBundle returns the bundle path for the pause container from labels.
func (d *PodDoc) PauseBundle() (string, error) {
	bundle := strings.TrimSpace(d.Metadata.Labels[BundleLabel])
	if bundle == "" {
		return "", fmt.Errorf("%w: pod %q", errdefs.ErrPauseBundleRequired, d.Metadata.Name)
	}
	return bundle, nil
}

// Validate checks the document header and every container spec.
func (d *PodDoc) Validate() error {
	if d.APIVersion != APIVersion {
		return fmt.Errorf("%w: %q", errdefs.ErrUnsupportedAPIVersion, d.APIVersion)
	}
	if d.Kind != KindPod {
		return fmt.Errorf("%w: %q", errdefs.ErrUnknownKind, d.Kind)
	}
	if strings.TrimSpace(d.Metadata.Name) == "" {
		return errdefs.ErrPodNameRequired
	}
	if err := ValidateName(d.Metadata.Name); err != nil {
		return err
	}
	if _, err := d.PauseBundle(); err != nil {
		return err
	}
	if len(d.Spec.Containers) == 0 {
		return fmt.Errorf("%w: pod %q has no containers", errdefs.ErrSpecInvalid, d.Metadata.Name)
	}
	seen := make(map[string]bool, len(d.Spec.Containers)+len(d.Spec.InitContainers))
	for i := range d.Spec.InitContainers {
		c := &d.Spec.InitContainers[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate container name %q", errdefs.ErrSpecInvalid, c.Name)
		}
		seen[c.Name] = true
	}
	for i := range d.Spec.Containers {
		c := &d.Spec.Containers[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate container name %q", errdefs.ErrSpecInvalid, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}
