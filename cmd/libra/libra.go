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

// Package libra assembles the root command.
package libra

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/libradev/libra/cmd/config"
	composecmd "github.com/libradev/libra/cmd/libra/compose"
	containercmd "github.com/libradev/libra/cmd/libra/container"
	podcmd "github.com/libradev/libra/cmd/libra/pod"
	"github.com/libradev/libra/cmd/types"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/logging"
)

// ConfigLoader is swapped by tests to avoid touching the host config.
type ConfigLoader interface {
	LoadConfig() error
}

// MockConfigLoaderKey injects a mock config loader through the context.
type MockConfigLoaderKey struct{}

type realConfigLoader struct{}

func (realConfigLoader) LoadConfig() error { return config.LoadConfig() }

// NewLibraCmd builds the root command tree.
func NewLibraCmd() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:           "libra",
		Short:         "Libra is a lightweight pod and container runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var loader ConfigLoader = realConfigLoader{}
			if mock, ok := cmd.Context().Value(MockConfigLoaderKey{}).(ConfigLoader); ok {
				loader = mock
			}
			if err := loader.LoadConfig(); err != nil {
				return fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
			}

			logger := logging.NewNoopLogger()
			if viper.GetBool(config.LIBRA_ROOT_VERBOSE.ViperKey) {
				logger = logging.NewLogger(os.Stderr, config.LIBRA_ROOT_LOG_LEVEL.ValueOrDefault())
			}
			cmd.SetContext(context.WithValue(cmd.Context(), types.CtxLogger, logger))
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	if err := SetupLibraCmd(cmd); err != nil {
		return nil, fmt.Errorf("failed to setup libra command: %w", err)
	}
	return cmd, nil
}

// SetupLibraCmd attaches subcommands and persistent flags.
func SetupLibraCmd(rootCmd *cobra.Command) error {
	rootCmd.AddCommand(containercmd.NewContainerCmd())
	rootCmd.AddCommand(podcmd.NewPodCmd())
	rootCmd.AddCommand(composecmd.NewComposeCmd())

	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "enable logging to stderr")
	flags.Duration("timeout", 2*time.Minute, "deadline for one runtime operation")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("state-root", "", "node state directory (default /var/lib/libra)")
	flags.String("runtime-bin", "", "OCI runtime binary (default runc)")
	flags.String("cni-conf-dir", "", "CNI configuration directory (default /etc/cni/net.d)")
	flags.String("cni-bin-dir", "", "CNI plugin directory (default /opt/cni/bin)")
	flags.String("network", "", "default network for workloads naming none")

	for viperKey, flagName := range map[string]string{
		config.LIBRA_ROOT_VERBOSE.ViperKey:     "verbose",
		config.LIBRA_ROOT_LOG_LEVEL.ViperKey:   "log-level",
		config.LIBRA_ROOT_STATE_ROOT.ViperKey:  "state-root",
		config.LIBRA_ROOT_RUNTIME_BIN.ViperKey: "runtime-bin",
		config.LIBRA_CNI_CONF_DIR.ViperKey:     "cni-conf-dir",
		config.LIBRA_CNI_BIN_DIR.ViperKey:      "cni-bin-dir",
		config.LIBRA_NETWORK.ViperKey:          "network",
	} {
		if err := viper.BindPFlag(viperKey, flags.Lookup(flagName)); err != nil {
			return err
		}
	}
	return nil
}
