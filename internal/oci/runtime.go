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

// Package oci adapts an OCI bundle runtime (runc or a compatible binary) to
// the operations the task managers need. Containers are addressed by id; the
// runtime keeps its own state under the node state directory.
package oci

import (
	"context"
	"syscall"
	"time"
)

// Status mirrors the runtime's container status strings.
type Status string

const (
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
)

// State is the runtime-reported state of one container.
type State struct {
	ID      string    `json:"id"`
	Status  Status    `json:"status"`
	PID     int       `json:"pid"`
	Bundle  string    `json:"bundle"`
	Created time.Time `json:"created"`
}

// ExecSpec describes a process to run inside a running container.
type ExecSpec struct {
	Args []string
	Env  []string
	Cwd  string
	TTY  bool
}

// Runtime is the contract the task managers program against. All calls block
// and honor the context deadline.
type Runtime interface {
	Create(ctx context.Context, id, bundle string) error
	Start(ctx context.Context, id string) error
	State(ctx context.Context, id string) (State, error)
	Kill(ctx context.Context, id string, sig syscall.Signal, all bool) error
	Delete(ctx context.Context, id string, force bool) error
	Exec(ctx context.Context, id string, spec ExecSpec) (int, error)
	List(ctx context.Context) ([]State, error)
}
