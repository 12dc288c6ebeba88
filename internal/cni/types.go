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

const (
	defaultCniConfDir  = "/etc/cni/net.d"
	defaultCniBinDir   = "/opt/cni/bin"
	defaultCniCacheDir = "/var/lib/libra/cni-cache"

	defaultCNIVersion = "0.4.0"
	defaultSubnetCIDR = "10.88.0.0/16"
	defaultIfName     = "eth0"

	// DefaultNetworkName is the node network used when a pod names none.
	DefaultNetworkName = "libra-net"
)

// Conf carries the directories the manager operates on.
type Conf struct {
	CniConfigDir string
	CniBinDir    string
	CniCacheDir  string
}

// NetworkConfig describes a bridge network conflist to generate.
type NetworkConfig struct {
	Name       string
	BridgeName string
	SubnetCIDR string
}

// Attachment is the parsed outcome of a CNI ADD.
type Attachment struct {
	IP        string `json:"ip"`
	Gateway   string `json:"gateway,omitempty"`
	Interface string `json:"interface,omitempty"`
}

// ConflistModel is the serialized .conflist shape.
type ConflistModel struct {
	CNIVersion string `json:"cniVersion"`
	Name       string `json:"name"`
	Plugins    []any  `json:"plugins"`
}

// BridgePluginModel is the bridge plugin entry of a conflist.
type BridgePluginModel struct {
	Type      string           `json:"type"`
	Bridge    string           `json:"bridge"`
	IsGateway bool             `json:"isGateway"`
	IPMasq    bool             `json:"ipMasq"`
	IPAM      BridgeIPAMConfig `json:"ipam"`
}

// BridgeIPAMConfig is the host-local IPAM section.
type BridgeIPAMConfig struct {
	Type   string                `json:"type"`
	Ranges [][]map[string]string `json:"ranges"`
	Routes []RouteModel          `json:"routes"`
}

// RouteModel is one IPAM route entry.
type RouteModel struct {
	Dst string `json:"dst"`
	GW  string `json:"gw,omitempty"`
}

// LoopbackPluginModel is the loopback plugin entry of a conflist.
type LoopbackPluginModel struct {
	Type string `json:"type"`
}
