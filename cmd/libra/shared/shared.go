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

// Package shared wires the node-level components for the CLI commands and
// maps errors to the stable exit codes.
package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/libradev/libra/cmd/config"
	"github.com/libradev/libra/cmd/types"
	"github.com/libradev/libra/internal/bundle"
	"github.com/libradev/libra/internal/cgroups"
	"github.com/libradev/libra/internal/cni"
	"github.com/libradev/libra/internal/compose"
	"github.com/libradev/libra/internal/container"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/logging"
	"github.com/libradev/libra/internal/network"
	"github.com/libradev/libra/internal/oci"
	"github.com/libradev/libra/internal/pod"
	"github.com/libradev/libra/internal/state"
)

// Node bundles the process-wide runtime state, constructed once per command
// with explicit dependencies. Nothing in libra reaches for ambient state.
type Node struct {
	Logger     *slog.Logger
	Dir        *state.Dir
	Runtime    oci.Runtime
	Network    *network.Service
	Pods       *pod.Manager
	Containers *container.Manager
	Compose    *compose.Manager

	// DefaultNetwork is the node network used when specs name none.
	DefaultNetwork string
}

// OpContext derives the context for one mutating operation, honoring the
// root --timeout flag. Interactive commands (exec) and the daemon use the
// command context directly.
func OpContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, err := cmd.Root().PersistentFlags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		return cmd.Context(), func() {}
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// Logger pulls the configured logger from the command context.
func Logger(cmd *cobra.Command) *slog.Logger {
	if logger, ok := cmd.Context().Value(types.CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return logging.NewNoopLogger()
}

// BuildNode constructs the node components from configuration and restores
// records from the state directory.
func BuildNode(ctx context.Context, logger *slog.Logger) (*Node, error) {
	dir, err := state.Open(config.LIBRA_ROOT_STATE_ROOT.ValueOrDefault())
	if err != nil {
		return nil, err
	}

	runtime := oci.NewRuncRuntime(logger, config.LIBRA_ROOT_RUNTIME_BIN.ValueOrDefault(), dir.RuntimeRoot())
	programmer := cgroups.NewProgrammer(logger)
	composer := bundle.NewComposer(logger)
	invoker := cni.NewManager(
		config.LIBRA_CNI_BIN_DIR.ValueOrDefault(),
		config.LIBRA_CNI_CONF_DIR.ValueOrDefault(),
		config.LIBRA_CNI_CACHE_DIR.ValueOrDefault(),
	)
	netsvc := network.NewService(logger, invoker, dir)

	pods := pod.NewManager(logger, runtime, programmer, composer, netsvc, dir)
	if err := pods.Load(ctx); err != nil {
		return nil, err
	}
	containers := container.NewManager(logger, runtime, programmer, composer, netsvc, dir)
	if err := containers.Load(ctx); err != nil {
		return nil, err
	}

	return &Node{
		Logger:         logger,
		Dir:            dir,
		Runtime:        runtime,
		Network:        netsvc,
		Pods:           pods,
		Containers:     containers,
		Compose:        compose.NewManager(logger, containers, netsvc, dir),
		DefaultNetwork: config.LIBRA_NETWORK.ValueOrDefault(),
	}, nil
}

// Exit codes per error class; the mapping is part of the CLI contract.
const (
	ExitOK       = 0
	ExitGeneric  = 1
	ExitSpec     = 2
	ExitNotFound = 3
	ExitExists   = 4
	ExitRuntime  = 5
	ExitNetwork  = 6
	ExitTimeout  = 7
)

// ExitCode maps an error to its stable exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errdefs.ErrSpecInvalid),
		errors.Is(err, errdefs.ErrBundleInvalid),
		errors.Is(err, errdefs.ErrCycleDetected),
		errors.Is(err, errdefs.ErrUnsupportedAPIVersion),
		errors.Is(err, errdefs.ErrUnknownKind):
		return ExitSpec
	case errors.Is(err, errdefs.ErrNotFound),
		errors.Is(err, errdefs.ErrPodNotFound),
		errors.Is(err, errdefs.ErrContainerNotFound),
		errors.Is(err, errdefs.ErrNetworkNotFound):
		return ExitNotFound
	case errors.Is(err, errdefs.ErrAlreadyExists):
		return ExitExists
	case errors.Is(err, errdefs.ErrRuntimeCreate),
		errors.Is(err, errdefs.ErrRuntimeStart),
		errors.Is(err, errdefs.ErrRuntimeDelete),
		errors.Is(err, errdefs.ErrCgroupProgram),
		errors.Is(err, errdefs.ErrNamespaceShareFailed):
		return ExitRuntime
	case errors.Is(err, errdefs.ErrNetworkSetupFailed),
		errors.Is(err, errdefs.ErrNetworkTeardownFailed),
		errors.Is(err, errdefs.ErrNetworkInUse):
		return ExitNetwork
	case errors.Is(err, errdefs.ErrTimeout):
		return ExitTimeout
	default:
		return ExitGeneric
	}
}

// PrintError writes the single-line summary, indenting any further
// diagnostic lines under it.
func PrintError(err error) {
	lines := strings.Split(err.Error(), "\n")
	fmt.Fprintf(os.Stderr, "libra: %s\n", lines[0])
	for _, line := range lines[1:] {
		fmt.Fprintf(os.Stderr, "    %s\n", line)
	}
}

// ParseEnvFlags turns repeated KEY=VAL flags into a list, rejecting entries
// without a key.
func ParseEnvFlags(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, kv := range values {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: invalid env %q, expected KEY=VAL", errdefs.ErrSpecInvalid, kv)
		}
		out = append(out, kv)
	}
	return out, nil
}
