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

// Package cni invokes the configured CNI plugins through libcni: JSON
// conflists on disk, plugin binaries on the configured search path, ADD/DEL/
// CHECK verbs against a container's network namespace.
package cni

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	libcni "github.com/containernetworking/cni/libcni"
	cnitypes "github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"

	"github.com/libradev/libra/internal/errdefs"
)

// Invoker is the surface the network service programs against.
type Invoker interface {
	Add(ctx context.Context, network, containerID, netnsPath string) (Attachment, error)
	Del(ctx context.Context, network, containerID, netnsPath string) error
	Check(ctx context.Context, network, containerID, netnsPath string) error
	EnsureNetworkConfig(cfg NetworkConfig) (string, error)
	RemoveNetworkConfig(name string) error
	NetworkConfigExists(name string) (bool, error)
}

// Manager implements Invoker on top of libcni.
type Manager struct {
	cniConf *libcni.CNIConfig
	conf    Conf
}

var _ Invoker = (*Manager)(nil)

// NewManager creates a CNI manager with the provided directories, applying
// defaults for any empty path.
func NewManager(cniBinDir, cniConfigDir, cniCacheDir string) *Manager {
	if cniConfigDir == "" {
		cniConfigDir = defaultCniConfDir
	}
	if cniBinDir == "" {
		cniBinDir = defaultCniBinDir
	}
	if cniCacheDir == "" {
		cniCacheDir = defaultCniCacheDir
	}

	return &Manager{
		cniConf: libcni.NewCNIConfigWithCacheDir([]string{cniBinDir}, cniCacheDir, nil),
		conf: Conf{
			CniConfigDir: cniConfigDir,
			CniBinDir:    cniBinDir,
			CniCacheDir:  cniCacheDir,
		},
	}
}

func (m *Manager) confPath(network string) string {
	return filepath.Join(m.conf.CniConfigDir, network+".conflist")
}

func (m *Manager) loadNetwork(network string) (*libcni.NetworkConfigList, error) {
	conf, err := libcni.ConfListFromFile(m.confPath(network))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", errdefs.ErrNetworkNotFound, network)
		}
		return nil, fmt.Errorf("load CNI config for %q: %w", network, err)
	}
	return conf, nil
}

func runtimeConf(containerID, netnsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netnsPath, // e.g. /proc/<pid>/ns/net
		IfName:      defaultIfName,
	}
}

// Add attaches the namespace to the network and returns the IPAM outcome.
func (m *Manager) Add(ctx context.Context, network, containerID, netnsPath string) (Attachment, error) {
	conf, err := m.loadNetwork(network)
	if err != nil {
		return Attachment{}, err
	}

	result, err := m.cniConf.AddNetworkList(ctx, conf, runtimeConf(containerID, netnsPath))
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: ADD %q: %w", errdefs.ErrNetworkSetupFailed, network, err)
	}
	return parseResult(result)
}

// Del detaches the namespace from the network.
func (m *Manager) Del(ctx context.Context, network, containerID, netnsPath string) error {
	conf, err := m.loadNetwork(network)
	if err != nil {
		return err
	}
	if err := m.cniConf.DelNetworkList(ctx, conf, runtimeConf(containerID, netnsPath)); err != nil {
		return fmt.Errorf("%w: DEL %q: %w", errdefs.ErrNetworkTeardownFailed, network, err)
	}
	return nil
}

// Check verifies an existing attachment.
func (m *Manager) Check(ctx context.Context, network, containerID, netnsPath string) error {
	conf, err := m.loadNetwork(network)
	if err != nil {
		return err
	}
	if err := m.cniConf.CheckNetworkList(ctx, conf, runtimeConf(containerID, netnsPath)); err != nil {
		return fmt.Errorf("%w: CHECK %q: %w", errdefs.ErrNetworkSetupFailed, network, err)
	}
	return nil
}

// parseResult lifts a plugin result to the current result schema and pulls
// out the first assigned address.
func parseResult(result cnitypes.Result) (Attachment, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: parse CNI result: %w", errdefs.ErrNetworkSetupFailed, err)
	}
	if len(res.IPs) == 0 {
		return Attachment{}, fmt.Errorf("%w: CNI result carries no IP", errdefs.ErrNetworkSetupFailed)
	}
	ipconf := res.IPs[0]
	att := Attachment{IP: ipconf.Address.String()}
	if ipconf.Gateway != nil {
		att.Gateway = ipconf.Gateway.String()
	}
	if ipconf.Interface != nil {
		idx := *ipconf.Interface
		if idx >= 0 && idx < len(res.Interfaces) && res.Interfaces[idx] != nil {
			att.Interface = res.Interfaces[idx].Name
		}
	}
	return att, nil
}
