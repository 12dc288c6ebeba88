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

package cni

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libradev/libra/internal/errdefs"
)

// NewNetworkConfig builds a NetworkConfig with defaults: the bridge carries
// the network's name, addressing comes from the default subnet.
func NewNetworkConfig(name string) NetworkConfig {
	return NetworkConfig{
		Name:       name,
		BridgeName: name,
		SubnetCIDR: defaultSubnetCIDR,
	}
}

// BuildDefaultConflist generates the bridge+host-local+loopback conflist.
func BuildDefaultConflist(name, bridge, subnet string) ([]byte, error) {
	conf := ConflistModel{
		CNIVersion: defaultCNIVersion,
		Name:       name,
		Plugins: []any{
			BridgePluginModel{
				Type:      "bridge",
				Bridge:    bridge,
				IsGateway: true,
				IPMasq:    true,
				IPAM: BridgeIPAMConfig{
					Type: "host-local",
					Ranges: [][]map[string]string{
						{
							{"subnet": subnet},
						},
					},
					Routes: []RouteModel{
						{Dst: "0.0.0.0/0"},
					},
				},
			},
			LoopbackPluginModel{
				Type: "loopback",
			},
		},
	}
	return json.MarshalIndent(conf, "", "  ")
}

// NetworkConfigExists reports whether a conflist for the network is present
// and actually names that network.
func (m *Manager) NetworkConfigExists(name string) (bool, error) {
	data, err := os.ReadFile(m.confPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return false, fmt.Errorf("parse %s: %w", m.confPath(name), err)
	}
	got, ok := raw["name"].(string)
	return ok && got == name, nil
}

// EnsureNetworkConfig writes the conflist for cfg unless one already exists,
// and returns its path.
func (m *Manager) EnsureNetworkConfig(cfg NetworkConfig) (string, error) {
	if cfg.Name == "" {
		return "", fmt.Errorf("%w: network name is required", errdefs.ErrSpecInvalid)
	}
	target := m.confPath(cfg.Name)

	exists, err := m.NetworkConfigExists(cfg.Name)
	if err != nil {
		return "", err
	}
	if exists {
		return target, nil
	}

	bridge := cfg.BridgeName
	if bridge == "" {
		bridge = cfg.Name
	}
	subnet := cfg.SubnetCIDR
	if subnet == "" {
		subnet = defaultSubnetCIDR
	}
	out, err := BuildDefaultConflist(cfg.Name, bridge, subnet)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, out, 0o600); err != nil {
		return "", err
	}
	return target, nil
}

// RemoveNetworkConfig deletes the network's conflist, tolerating absence.
func (m *Manager) RemoveNetworkConfig(name string) error {
	if err := os.Remove(m.confPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
