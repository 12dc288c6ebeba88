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
	"regexp"
	"strings"

	"github.com/libradev/libra/internal/errdefs"
)

// ContainerSpec is the immutable description of one container. Inside a pod
// the name must be unique among siblings; standalone containers share the
// node-wide identifier namespace with pods.
type ContainerSpec struct {
	Name      string            `json:"name"                yaml:"name"`
	Image     string            `json:"image"               yaml:"image"`
	Args      []string          `json:"args,omitempty"      yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"       yaml:"env,omitempty"`
	Ports     []Port            `json:"ports,omitempty"     yaml:"ports,omitempty"`
	Resources *Resources        `json:"resources,omitempty" yaml:"resources,omitempty"`
	Mounts    []Mount           `json:"mounts,omitempty"    yaml:"mounts,omitempty"`
}

// Port describes a container port and its optional host publication.
type Port struct {
	ContainerPort int32  `json:"containerPort"      yaml:"containerPort"`
	HostPort      int32  `json:"hostPort,omitempty" yaml:"hostPort,omitempty"`
	HostIP        string `json:"hostIP,omitempty"   yaml:"hostIP,omitempty"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Mount is a bind mount into the container rootfs.
type Mount struct {
	Source string `json:"source"         yaml:"source"`
	Target string `json:"target"         yaml:"target"`
	Mode   string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Resources carries the limit set applied to a container's cgroup.
type Resources struct {
	Limits *ResourceList `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// ResourceList holds quantity strings as they appear in spec files.
type ResourceList struct {
	CPU    string `json:"cpu,omitempty"    yaml:"cpu,omitempty"`
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`
	Pids   string `json:"pids,omitempty"   yaml:"pids,omitempty"`
}

// NetworkHost selects the host network for a standalone container.
const NetworkHost = "host"

// ContainerDoc is the spec-file shape for a standalone container. The
// apiVersion/kind header is optional for bare container records. Network
// names a CNI configuration, "host" joins the host network, empty selects
// the node default.
type ContainerDoc struct {
	APIVersion Version       `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
	Kind       Kind          `json:"kind,omitempty"       yaml:"kind,omitempty"`
	Network    string        `json:"network,omitempty"    yaml:"network,omitempty"`
	Spec       ContainerSpec `json:",inline"              yaml:",inline"`
}

var nameRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9._]*[a-z0-9])?$`)

// ValidateName reports whether name is usable as a pod, container, project or
// network identifier.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errdefs.ErrContainerNameRequired
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid name %q", errdefs.ErrSpecInvalid, name)
	}
	return nil
}

// Validate checks the fields the runtime depends on. The referenced bundle
// path is checked later by the bundle composer, not here.
func (c *ContainerSpec) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if strings.TrimSpace(c.Image) == "" {
		return fmt.Errorf("%w: container %q", errdefs.ErrImageRequired, c.Name)
	}
	for _, p := range c.Ports {
		if p.ContainerPort <= 0 || p.ContainerPort > 65535 {
			return fmt.Errorf("%w: container %q: containerPort %d out of range",
				errdefs.ErrSpecInvalid, c.Name, p.ContainerPort)
		}
		switch p.Protocol {
		case "", ProtocolTCP, ProtocolUDP:
		default:
			return fmt.Errorf("%w: container %q: unsupported protocol %q",
				errdefs.ErrSpecInvalid, c.Name, p.Protocol)
		}
	}
	for _, m := range c.Mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("%w: container %q: mount needs source and target",
				errdefs.ErrSpecInvalid, c.Name)
		}
		switch m.Mode {
		case "", MountModeRO, MountModeRW:
		default:
			return fmt.Errorf("%w: container %q: mount mode %q",
				errdefs.ErrSpecInvalid, c.Name, m.Mode)
		}
	}
	if c.Resources != nil && c.Resources.Limits != nil {
		if _, err := c.Resources.Limits.Parse(); err != nil {
			return fmt.Errorf("%w: container %q: %w", errdefs.ErrSpecInvalid, c.Name, err)
		}
	}
	return nil
}

// Validate checks a standalone container document.
func (d *ContainerDoc) Validate() error {
	if d.APIVersion != "" && d.APIVersion != APIVersion {
		return fmt.Errorf("%w: %q", errdefs.ErrUnsupportedAPIVersion, d.APIVersion)
	}
	if d.Kind != "" && d.Kind != KindContainer {
		return fmt.Errorf("%w: %q", errdefs.ErrUnknownKind, d.Kind)
	}
	return d.Spec.Validate()
}
