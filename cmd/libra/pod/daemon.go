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

package pod

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/libradev/libra/cmd/config"
	"github.com/libradev/libra/cmd/libra/shared"
	"github.com/libradev/libra/internal/agent"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/reconcile"
)

func newDaemonCmd() *cobra.Command {
	var manifestDir string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Reconcile pods against a manifest directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if manifestDir == "" {
				manifestDir = config.LIBRA_POD_MANIFEST_DIR.ValueOrDefault()
			}
			logger := shared.Logger(cmd)

			node, err := shared.BuildNode(cmd.Context(), logger)
			if err != nil {
				return err
			}
			if err := node.Network.EnsureDefault(); err != nil {
				return err
			}

			source, err := reconcile.NewDirSource(logger, manifestDir)
			if err != nil {
				return err
			}
			defer source.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "daemon reconciling", "manifestDir", manifestDir)
			reconciler := reconcile.New(logger, source, node.Pods, reconcile.Options{Interval: interval})
			if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestDir, "manifest-dir", "", "directory of pod manifests to reconcile")
	cmd.Flags().DurationVar(&interval, "interval", 0, "periodic reconcile interval (default 10s)")
	return cmd
}

func newNodeAgentCmd() *cobra.Command {
	var server, nodeName string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "node-agent",
		Short: "Reconcile pods assigned to this node by the control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server == "" {
				server = config.LIBRA_AGENT_SERVER.ValueOrDefault()
			}
			if nodeName == "" {
				nodeName = config.LIBRA_AGENT_NODE_NAME.ValueOrDefault()
			}
			if server == "" || nodeName == "" {
				return fmt.Errorf("%w: node-agent needs --server and --node-name", errdefs.ErrConfig)
			}
			logger := shared.Logger(cmd)

			node, err := shared.BuildNode(cmd.Context(), logger)
			if err != nil {
				return err
			}
			if err := node.Network.EnsureDefault(); err != nil {
				return err
			}

			source := agent.NewSource(logger, server, nodeName)
			defer source.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "node agent reconciling", "server", server, "node", nodeName)
			reconciler := reconcile.New(logger, source, node.Pods, reconcile.Options{Interval: interval})

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return source.Run(ctx) })
			group.Go(func() error { return reconciler.Run(ctx) })
			if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "control-plane base URL")
	cmd.Flags().StringVar(&nodeName, "node-name", "", "this node's name in the cluster")
	cmd.Flags().DurationVar(&interval, "interval", 0, "periodic reconcile interval (default 10s)")
	return cmd
}
