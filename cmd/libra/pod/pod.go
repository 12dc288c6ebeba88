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

// Package pod implements the `libra pod` subcommands, including the daemon
// and the cluster node-agent.
package pod

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/libradev/libra/cmd/libra/shared"
	"github.com/libradev/libra/internal/apply/parser"
	"github.com/libradev/libra/internal/oci"
	"github.com/libradev/libra/internal/pod"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// NewPodCmd builds the pod noun with its verbs.
func NewPodCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pod",
		Short: "Manage pods",
	}
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newExecCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newNodeAgentCmd())
	return cmd
}

func loadDoc(node *shared.Node, path string) (*v1.PodDoc, error) {
	doc, err := parser.ParsePodFile(path)
	if err != nil {
		return nil, err
	}
	if doc.Spec.Network == "" && node.DefaultNetwork != "" {
		doc.Spec.Network = node.DefaultNetwork
	}
	if err := node.Network.CreateNetwork(doc.Spec.Network, "bridge", nil, ""); err != nil {
		return nil, err
	}
	return doc, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <spec-file>",
		Short: "Create and start a pod from a spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			doc, err := loadDoc(node, args[0])
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			record, err := node.Pods.Run(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pod %s is %s (ip %s)\n",
				record.PodID, record.Phase, record.IPAddress)
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <spec-file>",
		Short: "Create a pod without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			doc, err := loadDoc(node, args[0])
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			record, err := node.Pods.Create(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pod %s created with %d containers\n",
				record.PodID, len(record.Workers))
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	var atomic bool
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a created pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			record, err := node.Pods.Start(ctx, args[0], pod.StartOptions{Atomic: atomic})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pod %s is %s\n", record.PodID, record.Phase)
			return nil
		},
	}
	cmd.Flags().BoolVar(&atomic, "atomic", false, "tear the pod down completely if any container fails to start")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Stop and delete a pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			if err := node.Pods.Delete(ctx, args[0], pod.DeleteOptions{Force: force}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pod %s deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also remove bundles preserved from a failed pod")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <name>",
		Short: "Show a pod's observed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			record, err := node.Pods.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pod:      %s\n", record.PodID)
			fmt.Fprintf(out, "phase:    %s\n", record.Phase)
			fmt.Fprintf(out, "ip:       %s\n", record.IPAddress)
			fmt.Fprintf(out, "netns:    %s\n", record.NetnsPath)
			fmt.Fprintf(out, "created:  %s\n", humanize.Time(record.CreatedAt))
			if record.LastError != "" {
				fmt.Fprintf(out, "error:    %s\n", record.LastError)
			}
			w := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "CONTAINER\tRUNTIME ID")
			for _, worker := range record.Workers {
				fmt.Fprintf(w, "%s\t%s\n", worker.Name, worker.RuntimeID)
			}
			return w.Flush()
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pods on this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			records, err := node.Pods.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPHASE\tCONTAINERS\tIP\tCREATED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					r.PodID, r.Phase, len(r.Workers), r.IPAddress, humanize.Time(r.CreatedAt))
			}
			return w.Flush()
		},
	}
}

func newExecCmd() *cobra.Command {
	var envFlags []string
	var tty bool
	cmd := &cobra.Command{
		Use:   "exec <pod> <container> [-e KEY=VAL]... <cmd>...",
		Short: "Run a command in a container of a running pod",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			env, err := shared.ParseEnvFlags(envFlags)
			if err != nil {
				return err
			}
			code, err := node.Pods.Exec(cmd.Context(), args[0], args[1], oci.ExecSpec{
				Args: args[2:],
				Env:  env,
				TTY:  tty,
			})
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&envFlags, "env", "e", nil, "environment variable KEY=VAL for the command")
	cmd.Flags().BoolVarP(&tty, "tty", "t", false, "allocate a terminal")
	return cmd
}
