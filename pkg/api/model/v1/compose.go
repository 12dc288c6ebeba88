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
	"sort"
	"strings"

	"github.com/libradev/libra/internal/errdefs"
)

// ComposeDoc is the compose-style application shape: services, networks and
// configs, without an apiVersion/kind header.
type ComposeDoc struct {
	Name     string                 `json:"name,omitempty"     yaml:"name,omitempty"`
	Services map[string]ServiceSpec `json:"services"           yaml:"services"`
	Networks map[string]NetworkSpec `json:"networks,omitempty" yaml:"networks,omitempty"`
	Configs  map[string]ConfigSpec  `json:"configs,omitempty"  yaml:"configs,omitempty"`
}

// ServiceSpec extends the container fields with compose-only relations.
type ServiceSpec struct {
	Image       string            `json:"image"                 yaml:"image"`
	Command     []string          `json:"command,omitempty"     yaml:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Ports       []string          `json:"ports,omitempty"       yaml:"ports,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"     yaml:"volumes,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"  yaml:"depends_on,omitempty"`
	Networks    []string          `json:"networks,omitempty"    yaml:"networks,omitempty"`
	Configs     []string          `json:"configs,omitempty"     yaml:"configs,omitempty"`
	Resources   *Resources        `json:"resources,omitempty"   yaml:"resources,omitempty"`
}

// NetworkSpec declares a compose network. Only the bridge driver exists.
type NetworkSpec struct {
	Driver  string            `json:"driver,omitempty"      yaml:"driver,omitempty"`
	Options map[string]string `json:"driver_opts,omitempty" yaml:"driver_opts,omitempty"`
}

// ConfigSpec points at a file materialized as a read-only mount.
type ConfigSpec struct {
	File string `json:"file" yaml:"file"`
}

// DefaultNetworkName is the network created for a project that declares none.
func DefaultNetworkName(project string) string {
	return project + "-net"
}

// ServiceNames returns the service names sorted, for deterministic walks.
func (d *ComposeDoc) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks cross references between services, networks and configs.
// Dependency cycles are left to the translator's topological sort.
func (d *ComposeDoc) Validate() error {
	if len(d.Services) == 0 {
		return fmt.Errorf("%w: compose file declares no services", errdefs.ErrSpecInvalid)
	}
	if d.Name != "" {
		if err := ValidateName(d.Name); err != nil {
			return err
		}
	}
	for name, net := range d.Networks {
		if err := ValidateName(name); err != nil {
			return err
		}
		switch net.Driver {
		case "", "bridge":
		default:
			return fmt.Errorf("%w: network %q: unsupported driver %q",
				errdefs.ErrSpecInvalid, name, net.Driver)
		}
	}
	for name, cfg := range d.Configs {
		if strings.TrimSpace(cfg.File) == "" {
			return fmt.Errorf("%w: config %q has no file", errdefs.ErrSpecInvalid, name)
		}
	}
	for _, name := range d.ServiceNames() {
		svc := d.Services[name]
		if err := ValidateName(name); err != nil {
			return err
		}
		if strings.TrimSpace(svc.Image) == "" {
			return fmt.Errorf("%w: service %q", errdefs.ErrImageRequired, name)
		}
		for _, dep := range svc.DependsOn {
			if _, ok := d.Services[dep]; !ok {
				return fmt.Errorf("%w: service %q depends on unknown service %q",
					errdefs.ErrSpecInvalid, name, dep)
			}
		}
		for _, net := range svc.Networks {
			if _, ok := d.Networks[net]; !ok {
				return fmt.Errorf("%w: service %q references undefined network %q",
					errdefs.ErrSpecInvalid, name, net)
			}
		}
		for _, cfg := range svc.Configs {
			if _, ok := d.Configs[cfg]; !ok {
				return fmt.Errorf("%w: service %q references undefined config %q",
					errdefs.ErrSpecInvalid, name, cfg)
			}
		}
		if svc.Resources != nil && svc.Resources.Limits != nil {
			if _, err := svc.Resources.Limits.Parse(); err != nil {
				return fmt.Errorf("%w: service %q: %w", errdefs.ErrSpecInvalid, name, err)
			}
		}
	}
	return nil
}
