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

package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/libradev/libra/internal/errdefs"
)

const defaultBinary = "runc"

// runcRuntime drives a runc-compatible binary over its CLI. Every container
// operation maps to one invocation with --root pointing into the node state
// directory, so state survives libra restarts.
type runcRuntime struct {
	logger *slog.Logger
	binary string
	root   string
}

// NewRuncRuntime returns a Runtime backed by the given binary and state root.
func NewRuncRuntime(logger *slog.Logger, binary, root string) Runtime {
	if binary == "" {
		binary = defaultBinary
	}
	return &runcRuntime{logger: logger, binary: binary, root: root}
}

func (r *runcRuntime) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"--root", r.root}, args...)
	return exec.CommandContext(ctx, r.binary, full...)
}

// run executes an invocation and returns stdout. Stderr text becomes the
// error message; a context deadline surfaces as ErrTimeout.
func (r *runcRuntime) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := r.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.DebugContext(ctx, "invoking runtime", "binary", r.binary, "args", args)
	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", errdefs.ErrTimeout, r.binary, args[0])
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if isNotFoundMessage(msg) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrContainerNotFound, msg)
		}
		return nil, errors.New(msg)
	}
	return stdout.Bytes(), nil
}

// runc phrases a missing container differently across verbs and versions.
func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "container not found") ||
		strings.Contains(lower, "no such file or directory")
}

func (r *runcRuntime) Create(ctx context.Context, id, bundle string) error {
	if _, err := r.run(ctx, "create", "--bundle", bundle, id); err != nil {
		if errors.Is(err, errdefs.ErrTimeout) {
			return err
		}
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return fmt.Errorf("%w: container %q", errdefs.ErrAlreadyExists, id)
		}
		return fmt.Errorf("%w: %w", errdefs.ErrRuntimeCreate, err)
	}
	r.logger.InfoContext(ctx, "created container", "id", id, "bundle", bundle)
	return nil
}

func (r *runcRuntime) Start(ctx context.Context, id string) error {
	if _, err := r.run(ctx, "start", id); err != nil {
		if errors.Is(err, errdefs.ErrTimeout) || errors.Is(err, errdefs.ErrContainerNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", errdefs.ErrRuntimeStart, err)
	}
	r.logger.InfoContext(ctx, "started container", "id", id)
	return nil
}

func (r *runcRuntime) State(ctx context.Context, id string) (State, error) {
	out, err := r.run(ctx, "state", id)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(out, &st); err != nil {
		return State{}, fmt.Errorf("%w: parse state for %q: %w", errdefs.ErrInternal, id, err)
	}
	return st, nil
}

func (r *runcRuntime) Kill(ctx context.Context, id string, sig syscall.Signal, all bool) error {
	args := []string{"kill"}
	if all {
		args = append(args, "--all")
	}
	args = append(args, id, fmt.Sprintf("%d", int(sig)))
	if _, err := r.run(ctx, args...); err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "signalled container", "id", id, "signal", int(sig))
	return nil
}

func (r *runcRuntime) Delete(ctx context.Context, id string, force bool) error {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)
	if _, err := r.run(ctx, args...); err != nil {
		if errors.Is(err, errdefs.ErrTimeout) || errors.Is(err, errdefs.ErrContainerNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", errdefs.ErrRuntimeDelete, err)
	}
	r.logger.InfoContext(ctx, "deleted container", "id", id)
	return nil
}

// Exec runs a process in the container foreground, inheriting stdio. The
// returned int is the process exit code.
func (r *runcRuntime) Exec(ctx context.Context, id string, spec ExecSpec) (int, error) {
	args := []string{"exec"}
	if spec.TTY {
		args = append(args, "--tty")
	}
	if spec.Cwd != "" {
		args = append(args, "--cwd", spec.Cwd)
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}
	args = append(args, id)
	args = append(args, spec.Args...)

	cmd := r.command(ctx, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.logger.DebugContext(ctx, "exec in container", "id", id, "args", spec.Args)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1, fmt.Errorf("%w: exec in %q", errdefs.ErrTimeout, id)
	}
	return -1, fmt.Errorf("exec in %q: %w", id, err)
}

func (r *runcRuntime) List(ctx context.Context) ([]State, error) {
	out, err := r.run(ctx, "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var states []State
	if err := json.Unmarshal(trimmed, &states); err != nil {
		return nil, fmt.Errorf("%w: parse list output: %w", errdefs.ErrInternal, err)
	}
	return states, nil
}
