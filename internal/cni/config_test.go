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

package cni_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	cni "github.com/libradev/libra/internal/cni"
)

func TestNewNetworkConfig(t *testing.T) {
	cfg := cni.NewNetworkConfig("libra-net")
	if cfg.Name != "libra-net" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.BridgeName != "libra-net" {
		t.Errorf("bridge = %q, want the network name", cfg.BridgeName)
	}
	if cfg.SubnetCIDR != "10.88.0.0/16" {
		t.Errorf("subnet = %q, want 10.88.0.0/16", cfg.SubnetCIDR)
	}
}

func TestBuildDefaultConflist(t *testing.T) {
	out, err := cni.BuildDefaultConflist("test-network", "test-bridge", "10.1.0.0/16")
	if err != nil {
		t.Fatalf("BuildDefaultConflist() error: %v", err)
	}

	var conf cni.ConflistModel
	if err := json.Unmarshal(out, &conf); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}
	if conf.CNIVersion != "0.4.0" {
		t.Errorf("cniVersion = %q, want 0.4.0", conf.CNIVersion)
	}
	if conf.Name != "test-network" {
		t.Errorf("name = %q", conf.Name)
	}
	if len(conf.Plugins) != 2 {
		t.Fatalf("plugins = %d, want 2", len(conf.Plugins))
	}

	bridge, ok := conf.Plugins[0].(map[string]any)
	if !ok || bridge["type"] != "bridge" {
		t.Fatalf("first plugin = %v, want bridge", conf.Plugins[0])
	}
	if bridge["bridge"] != "test-bridge" {
		t.Errorf("bridge interface = %v", bridge["bridge"])
	}
	ipam, ok := bridge["ipam"].(map[string]any)
	if !ok || ipam["type"] != "host-local" {
		t.Fatalf("ipam = %v, want host-local", bridge["ipam"])
	}

	loopback, ok := conf.Plugins[1].(map[string]any)
	if !ok || loopback["type"] != "loopback" {
		t.Errorf("second plugin = %v, want loopback", conf.Plugins[1])
	}
}

func TestEnsureNetworkConfig(t *testing.T) {
	confDir := t.TempDir()
	manager := cni.NewManager(t.TempDir(), confDir, t.TempDir())

	path, err := manager.EnsureNetworkConfig(cni.NewNetworkConfig("libra-net"))
	if err != nil {
		t.Fatalf("EnsureNetworkConfig() error: %v", err)
	}
	if filepath.Base(path) != "libra-net.conflist" {
		t.Errorf("conflist path = %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("conflist not written: %v", err)
	}

	exists, err := manager.NetworkConfigExists("libra-net")
	if err != nil || !exists {
		t.Errorf("NetworkConfigExists() = %v, %v, want true", exists, err)
	}

	// Idempotent: a second ensure leaves the file in place.
	before, _ := os.ReadFile(path)
	if _, err := manager.EnsureNetworkConfig(cni.NetworkConfig{Name: "libra-net", SubnetCIDR: "10.99.0.0/16"}); err != nil {
		t.Fatalf("second EnsureNetworkConfig() error: %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("existing conflist was overwritten")
	}

	if err := manager.RemoveNetworkConfig("libra-net"); err != nil {
		t.Fatalf("RemoveNetworkConfig() error: %v", err)
	}
	if exists, _ := manager.NetworkConfigExists("libra-net"); exists {
		t.Error("conflist still present after removal")
	}
	if err := manager.RemoveNetworkConfig("libra-net"); err != nil {
		t.Errorf("RemoveNetworkConfig() twice = %v, want nil", err)
	}
}
