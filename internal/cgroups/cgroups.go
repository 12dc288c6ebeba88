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

// Package cgroups programs cgroup v2 resource limits for containers. Groups
// are addressed as /libra/<owner>/<container>; a container's group lives
// exactly as long as its runtime container.
package cgroups

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	cgroup2 "github.com/containerd/cgroups/v2/cgroup2"

	"github.com/libradev/libra/internal/errdefs"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

const (
	defaultMountpoint = "/sys/fs/cgroup"
	groupRoot         = "/libra"

	// cpu.max period; quota = millicores * 100 against this period.
	cpuPeriod uint64 = 100000
)

// Programmer creates, inspects and removes cgroups.
type Programmer interface {
	Ensure(group string, limits v1.Limits) error
	Exists(group string) (bool, error)
	Delete(group string) error
}

// GroupPath builds the canonical group path for a container.
func GroupPath(owner, container string) string {
	return path.Join(groupRoot, owner, container)
}

type programmer struct {
	logger *slog.Logger

	mountpointOnce sync.Once
	mountpoint     string
	mountpointErr  error
}

// NewProgrammer returns a Programmer against the host cgroup2 hierarchy.
func NewProgrammer(logger *slog.Logger) Programmer {
	return &programmer{logger: logger}
}

// Mountpoint discovers the cgroup2 mount from /proc/self/mounts once.
func (p *programmer) Mountpoint() (string, error) {
	p.mountpointOnce.Do(func() {
		p.mountpoint, p.mountpointErr = findCgroup2Mountpoint()
	})
	return p.mountpoint, p.mountpointErr
}

func findCgroup2Mountpoint() (string, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return defaultMountpoint, nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == "cgroup2" {
			return fields[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan /proc/self/mounts: %w", err)
	}
	return defaultMountpoint, nil
}

func toResources(limits v1.Limits) *cgroup2.Resources {
	resources := &cgroup2.Resources{}
	if limits.CPUMilli > 0 {
		quota := limits.CPUMilli * 100
		period := cpuPeriod
		resources.CPU = &cgroup2.CPU{
			Max: cgroup2.NewCPUMax(&quota, &period),
		}
	}
	if limits.MemoryBytes > 0 {
		max := limits.MemoryBytes
		resources.Memory = &cgroup2.Memory{Max: &max}
	}
	if limits.PidsMax > 0 {
		resources.Pids = &cgroup2.Pids{Max: limits.PidsMax}
	}
	return resources
}

func validateGroupPath(group string) error {
	if group == "" || !strings.HasPrefix(group, "/") {
		return fmt.Errorf("%w: invalid cgroup path %q", errdefs.ErrCgroupProgram, group)
	}
	return nil
}

// Ensure creates the group with the given limits, or re-applies the limits
// when the group already exists.
func (p *programmer) Ensure(group string, limits v1.Limits) error {
	if err := validateGroupPath(group); err != nil {
		return err
	}
	mp, err := p.Mountpoint()
	if err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrCgroupProgram, err)
	}

	exists, err := p.Exists(group)
	if err != nil {
		return err
	}
	if exists {
		manager, loadErr := cgroup2.LoadManager(mp, group)
		if loadErr != nil {
			return fmt.Errorf("%w: load %s: %w", errdefs.ErrCgroupProgram, group, loadErr)
		}
		if updateErr := manager.Update(toResources(limits)); updateErr != nil {
			return fmt.Errorf("%w: update %s: %w", errdefs.ErrCgroupProgram, group, updateErr)
		}
		p.logger.Debug("updated cgroup", "group", group)
		return nil
	}

	if _, err := cgroup2.NewManager(mp, group, toResources(limits)); err != nil {
		return fmt.Errorf("%w: create %s: %w", errdefs.ErrCgroupProgram, group, err)
	}
	p.logger.Info("created cgroup", "group", group,
		"cpuMilli", limits.CPUMilli, "memoryBytes", limits.MemoryBytes)
	return nil
}

// Exists checks for the group directory and its cgroup.controllers file.
func (p *programmer) Exists(group string) (bool, error) {
	if err := validateGroupPath(group); err != nil {
		return false, err
	}
	mp, err := p.Mountpoint()
	if err != nil {
		return false, fmt.Errorf("%w: %w", errdefs.ErrCgroupProgram, err)
	}
	dir := filepath.Join(mp, strings.TrimPrefix(group, "/"))
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, "cgroup.controllers")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes the group. A group that is already gone is not an error.
func (p *programmer) Delete(group string) error {
	if err := validateGroupPath(group); err != nil {
		return err
	}
	mp, err := p.Mountpoint()
	if err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrCgroupProgram, err)
	}
	exists, err := p.Exists(group)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	manager, err := cgroup2.LoadManager(mp, group)
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", errdefs.ErrCgroupProgram, group, err)
	}
	if err := manager.Delete(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", errdefs.ErrCgroupProgram, group, err)
	}
	p.logger.Info("deleted cgroup", "group", group)
	return nil
}
