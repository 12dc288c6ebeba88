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

package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/libradev/libra/internal/errdefs"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// ParsePort parses the compose port shorthand HOST:CONTAINER[/PROTO]. A bare
// CONTAINER[/PROTO] records the port without publishing it.
func ParsePort(raw string) (v1.Port, error) {
	spec := raw
	protocol := v1.ProtocolTCP
	if base, proto, ok := strings.Cut(spec, "/"); ok {
		spec = base
		switch strings.ToUpper(proto) {
		case v1.ProtocolTCP:
			protocol = v1.ProtocolTCP
		case v1.ProtocolUDP:
			protocol = v1.ProtocolUDP
		default:
			return v1.Port{}, fmt.Errorf("%w: port %q: unknown protocol %q",
				errdefs.ErrSpecInvalid, raw, proto)
		}
	}

	parts := strings.Split(spec, ":")
	parse := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n <= 0 || n > 65535 {
			return 0, fmt.Errorf("%w: invalid port in %q", errdefs.ErrSpecInvalid, raw)
		}
		return int32(n), nil
	}

	var port v1.Port
	port.Protocol = protocol
	switch len(parts) {
	case 1:
		containerPort, err := parse(parts[0])
		if err != nil {
			return v1.Port{}, err
		}
		port.ContainerPort = containerPort
	case 2:
		hostPort, err := parse(parts[0])
		if err != nil {
			return v1.Port{}, err
		}
		containerPort, err := parse(parts[1])
		if err != nil {
			return v1.Port{}, err
		}
		port.HostPort = hostPort
		port.ContainerPort = containerPort
	case 3:
		hostPort, err := parse(parts[1])
		if err != nil {
			return v1.Port{}, err
		}
		containerPort, err := parse(parts[2])
		if err != nil {
			return v1.Port{}, err
		}
		port.HostIP = parts[0]
		port.HostPort = hostPort
		port.ContainerPort = containerPort
	default:
		return v1.Port{}, fmt.Errorf("%w: port %q", errdefs.ErrSpecInvalid, raw)
	}
	return port, nil
}

// ParseVolume parses SOURCE:TARGET[:MODE]. Relative sources resolve against
// projectDir and are created as directories when absent; absolute paths are
// used verbatim.
func ParseVolume(raw, projectDir string) (v1.Mount, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return v1.Mount{}, fmt.Errorf("%w: volume %q", errdefs.ErrSpecInvalid, raw)
	}
	source, target := parts[0], parts[1]
	mode := v1.MountModeRW
	if len(parts) == 3 {
		switch parts[2] {
		case v1.MountModeRO, v1.MountModeRW:
			mode = parts[2]
		default:
			return v1.Mount{}, fmt.Errorf("%w: volume %q: mode %q",
				errdefs.ErrSpecInvalid, raw, parts[2])
		}
	}
	if source == "" || !strings.HasPrefix(target, "/") {
		return v1.Mount{}, fmt.Errorf("%w: volume %q", errdefs.ErrSpecInvalid, raw)
	}

	if !filepath.IsAbs(source) {
		source = filepath.Join(projectDir, source)
		// A missing relative source is created rather than rejected, so a
		// fresh checkout can come up without manual mkdir.
		if err := os.MkdirAll(source, 0o755); err != nil {
			return v1.Mount{}, fmt.Errorf("create volume source %q: %w", source, err)
		}
	}
	return v1.Mount{Source: source, Target: target, Mode: mode}, nil
}

// translateService builds the standalone-container document for one service.
func translateService(
	doc *v1.ComposeDoc,
	project, projectDir, service, networkName string,
) (*v1.ContainerDoc, error) {
	svc := doc.Services[service]

	spec := v1.ContainerSpec{
		Name:      ContainerName(project, service),
		Image:     svc.Image,
		Args:      append([]string(nil), svc.Command...),
		Resources: svc.Resources,
	}
	if len(svc.Environment) > 0 {
		spec.Env = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			spec.Env[k] = v
		}
	}
	for _, raw := range svc.Ports {
		port, err := ParsePort(raw)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", service, err)
		}
		spec.Ports = append(spec.Ports, port)
	}
	for _, raw := range svc.Volumes {
		mount, err := ParseVolume(raw, projectDir)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", service, err)
		}
		spec.Mounts = append(spec.Mounts, mount)
	}
	for _, name := range svc.Configs {
		cfg := doc.Configs[name]
		source := cfg.File
		if !filepath.IsAbs(source) {
			source = filepath.Join(projectDir, source)
		}
		spec.Mounts = append(spec.Mounts, v1.Mount{
			Source: source,
			Target: "/" + name,
			Mode:   v1.MountModeRO,
		})
	}

	return &v1.ContainerDoc{Network: networkName, Spec: spec}, nil
}

// ContainerName is the node identifier of a service's container.
func ContainerName(project, service string) string {
	return project + "-" + service
}
