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

// Package container implements the `libra container` subcommands.
package container

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/libradev/libra/cmd/libra/shared"
	"github.com/libradev/libra/internal/apply/parser"
	"github.com/libradev/libra/internal/container"
	"github.com/libradev/libra/internal/oci"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// NewContainerCmd builds the container noun with its verbs.
func NewContainerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Manage standalone containers",
	}
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newExecCmd())
	return cmd
}

func loadDoc(node *shared.Node, path string) (*v1.ContainerDoc, error) {
	doc, err := parser.ParseContainerFile(path)
	if err != nil {
		return nil, err
	}
	if doc.Network == "" && node.DefaultNetwork != "" {
		doc.Network = node.DefaultNetwork
	}
	if doc.Network != v1.NetworkHost {
		if err := node.Network.CreateNetwork(doc.Network, "bridge", nil, ""); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <spec-file>",
		Short: "Create and start a container from a spec file",
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
			record, err := node.Containers.Run(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "container %s is %s\n", record.Name, record.Phase)
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <spec-file>",
		Short: "Create a container without starting it",
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
			record, err := node.Containers.Create(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "container %s created\n", record.Name)
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start a created container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			record, err := node.Containers.Start(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "container %s is %s\n", record.Name, record.Phase)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Stop and delete a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			if err := node.Containers.Delete(ctx, args[0], container.DeleteOptions{Force: force}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "container %s deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also remove bundles preserved from a failed container")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <name>",
		Short: "Show a container's observed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			record, err := node.Containers.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRecords(cmd, record)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List containers on this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			records, err := node.Containers.List(cmd.Context())
			if err != nil {
				return err
			}
			printRecords(cmd, records...)
			return nil
		},
	}
}

func printRecords(cmd *cobra.Command, records ...container.Record) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPHASE\tIP\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Phase, orDash(r.IPAddress), humanize.Time(r.CreatedAt))
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newExecCmd() *cobra.Command {
	var envFlags []string
	var tty bool
	cmd := &cobra.Command{
		Use:   "exec <name> [-e KEY=VAL]... <cmd>...",
		Short: "Run a command in a running container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			env, err := shared.ParseEnvFlags(envFlags)
			if err != nil {
				return err
			}
			code, err := node.Containers.Exec(cmd.Context(), args[0], oci.ExecSpec{
				Args: args[1:],
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
