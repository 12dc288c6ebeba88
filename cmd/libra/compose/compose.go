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

// Package compose implements the `libra compose` subcommands.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/libradev/libra/cmd/libra/shared"
	"github.com/libradev/libra/internal/apply/parser"
	"github.com/libradev/libra/internal/compose"
	"github.com/libradev/libra/internal/errdefs"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// NewComposeCmd builds the compose noun with its verbs.
func NewComposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Manage compose applications",
	}
	cmd.AddCommand(newUpCmd())
	cmd.AddCommand(newDownCmd())
	cmd.AddCommand(newPsCmd())
	return cmd
}

// defaultFile finds compose.yaml or compose.yml in the working directory.
func defaultFile() (string, error) {
	for _, name := range []string{"compose.yaml", "compose.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no compose.yaml or compose.yml in the current directory",
		errdefs.ErrNotFound)
}

func resolveFile(file string) (string, error) {
	var err error
	if file == "" {
		if file, err = defaultFile(); err != nil {
			return "", err
		}
	}
	return filepath.Abs(file)
}

// loadProject parses the compose file and derives the project name.
func loadProject(file, projectOverride string) (*v1.ComposeDoc, string, string, error) {
	path, err := resolveFile(file)
	if err != nil {
		return nil, "", "", err
	}
	doc, err := parser.ParseComposeFile(path)
	if err != nil {
		return nil, "", "", err
	}
	return doc, compose.ProjectName(projectOverride, doc, path), path, nil
}

func newUpCmd() *cobra.Command {
	var file, project string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start a compose application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, projectName, path, err := loadProject(file, project)
			if err != nil {
				return err
			}
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			record, err := node.Compose.Up(ctx, doc, projectName, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s up: %d services\n",
				record.Project, len(record.Services))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "compose file (default compose.yaml or compose.yml)")
	cmd.Flags().StringVar(&project, "project-name", "", "project name override")
	return cmd
}

func newDownCmd() *cobra.Command {
	var file, project string
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and delete a compose application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectName := project
			if projectName == "" {
				_, derived, _, err := loadProject(file, project)
				if err != nil {
					return err
				}
				projectName = derived
			}
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := shared.OpContext(cmd)
			defer cancel()
			if err := node.Compose.Down(ctx, projectName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s down\n", projectName)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "compose file (default compose.yaml or compose.yml)")
	cmd.Flags().StringVar(&project, "project-name", "", "project name override")
	return cmd
}

func newPsCmd() *cobra.Command {
	var file, project string
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List the containers of a compose application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectName := project
			if projectName == "" {
				_, derived, _, err := loadProject(file, project)
				if err != nil {
					return err
				}
				projectName = derived
			}
			node, err := shared.BuildNode(cmd.Context(), shared.Logger(cmd))
			if err != nil {
				return err
			}
			records, err := node.Compose.Ps(cmd.Context(), projectName)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "CONTAINER\tPHASE\tIP\tCREATED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.Name, r.Phase, r.IPAddress, humanize.Time(r.CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "compose file (default compose.yaml or compose.yml)")
	cmd.Flags().StringVar(&project, "project-name", "", "project name override")
	return cmd
}
