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

// Package config declares libra's configuration variables. Every knob is one
// Var record binding an environment variable to a viper key, with precedence
// viper (config file / bound flag) over OS environment over default.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Var is one configuration variable.
type Var struct {
	Key        string // e.g. "LIBRA_STATE_ROOT"
	ViperKey   string // e.g. "libra/stateRoot"
	Default    string
	HasDefault bool
}

// DefineKV declares a Var with an env key and viper key.
func DefineKV(envName, viperKey string, defaultVal ...string) Var {
	v := Var{Key: envName, ViperKey: viperKey}
	if len(defaultVal) > 0 {
		v.Default = defaultVal[0]
		v.HasDefault = true
	}
	return v
}

// ValueOrDefault resolves the variable: viper -> OS env -> default -> "".
func (v *Var) ValueOrDefault() string {
	if v.ViperKey != "" && viper.IsSet(v.ViperKey) {
		return viper.GetString(v.ViperKey)
	}
	if val, ok := os.LookupEnv(v.Key); ok {
		return val
	}
	if v.HasDefault {
		return v.Default
	}
	return ""
}

// BindEnv registers the env binding with viper.
func (v *Var) BindEnv() error {
	if v.ViperKey == "" {
		return nil
	}
	return viper.BindEnv(v.ViperKey, v.Key)
}

//nolint:gochecknoglobals // configuration variables are declared statically
var (
	LIBRA_ROOT_VERBOSE     = DefineKV("LIBRA_VERBOSE", "libra/verbose")
	LIBRA_ROOT_LOG_LEVEL   = DefineKV("LIBRA_LOG_LEVEL", "libra/logLevel", "info")
	LIBRA_ROOT_CONFIG_FILE = DefineKV("LIBRA_CONFIG_FILE", "libra/configFile")
	LIBRA_ROOT_STATE_ROOT  = DefineKV("LIBRA_STATE_ROOT", "libra/stateRoot", "/var/lib/libra")
	LIBRA_ROOT_RUNTIME_BIN = DefineKV("LIBRA_RUNTIME_BIN", "libra/runtime.bin", "runc")

	LIBRA_CNI_CONF_DIR  = DefineKV("LIBRA_CNI_CONF_DIR", "libra/cni.confDir", "/etc/cni/net.d")
	LIBRA_CNI_BIN_DIR   = DefineKV("LIBRA_CNI_BIN_DIR", "libra/cni.binDir", "/opt/cni/bin")
	LIBRA_CNI_CACHE_DIR = DefineKV("LIBRA_CNI_CACHE_DIR", "libra/cni.cacheDir", "/var/lib/libra/cni-cache")
	LIBRA_NETWORK       = DefineKV("LIBRA_NETWORK", "libra/network")

	LIBRA_POD_MANIFEST_DIR = DefineKV("LIBRA_MANIFEST_DIR", "libra/pod.manifestDir", "/etc/libra/manifests")
	LIBRA_AGENT_SERVER     = DefineKV("LIBRA_SERVER", "libra/agent.server")
	LIBRA_AGENT_NODE_NAME  = DefineKV("LIBRA_NODE_NAME", "libra/agent.nodeName")
)

// All lists every declared variable for env binding.
func All() []Var {
	return []Var{
		LIBRA_ROOT_VERBOSE,
		LIBRA_ROOT_LOG_LEVEL,
		LIBRA_ROOT_CONFIG_FILE,
		LIBRA_ROOT_STATE_ROOT,
		LIBRA_ROOT_RUNTIME_BIN,
		LIBRA_CNI_CONF_DIR,
		LIBRA_CNI_BIN_DIR,
		LIBRA_CNI_CACHE_DIR,
		LIBRA_NETWORK,
		LIBRA_POD_MANIFEST_DIR,
		LIBRA_AGENT_SERVER,
		LIBRA_AGENT_NODE_NAME,
	}
}

const defaultConfigFile = "/etc/libra/config.yaml"

// LoadConfig binds env variables and reads the optional config file.
func LoadConfig() error {
	for _, v := range All() {
		if err := v.BindEnv(); err != nil {
			return fmt.Errorf("bind %s: %w", v.Key, err)
		}
	}

	file := LIBRA_ROOT_CONFIG_FILE.ValueOrDefault()
	explicit := file != ""
	if !explicit {
		file = defaultConfigFile
	}
	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if explicit {
				return fmt.Errorf("config file %s: %w", file, err)
			}
			return nil // the default config file is optional
		}
		return err
	}
	return nil
}
