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

// Package bundle composes working OCI bundles. An input bundle (config.json
// plus rootfs) is never modified; each container instance gets its own
// working copy so config.json edits stay isolated. The rootfs is hard-linked
// file by file when source and destination share a filesystem, and copied
// otherwise.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/libradev/libra/internal/errdefs"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

const configFile = "config.json"

// Input describes one working-bundle composition.
type Input struct {
	// SourceBundle is the read-only input bundle directory.
	SourceBundle string
	// WorkDir is the working bundle directory to produce.
	WorkDir string
	// Hostname is set in the composed config: the pod id for the pause
	// container, the container name for workers and standalone containers.
	Hostname string
	// Args replaces process.args when non-empty.
	Args []string
	// Env is merged over the bundle's process.env; caller wins.
	Env map[string]string
	// Mounts are appended as bind mounts.
	Mounts []v1.Mount
	// Namespaces replaces the linux.namespaces section when non-nil.
	Namespaces []specs.LinuxNamespace
	// CgroupsPath is set when non-empty so the runtime joins the group the
	// cgroup programmer created.
	CgroupsPath string
}

// Composer builds working bundles.
type Composer struct {
	logger *slog.Logger
}

// NewComposer returns a Composer.
func NewComposer(logger *slog.Logger) *Composer {
	return &Composer{logger: logger}
}

// Validate checks that dir looks like an OCI bundle.
func Validate(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", errdefs.ErrBundleInvalid, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		return fmt.Errorf("%w: %s has no config.json", errdefs.ErrBundleInvalid, dir)
	}
	rootfs, err := os.Stat(filepath.Join(dir, "rootfs"))
	if err != nil || !rootfs.IsDir() {
		return fmt.Errorf("%w: %s has no rootfs", errdefs.ErrBundleInvalid, dir)
	}
	return nil
}

// FreshNamespaces is the namespace set for a pause or standalone container:
// new pid, net, ipc, uts and mount namespaces.
func FreshNamespaces() []specs.LinuxNamespace {
	return []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.MountNamespace},
	}
}

// SharedNamespaces is the namespace set for a pod worker: pid, net, ipc and
// uts joined to the pause process, mount kept private so the worker's rootfs
// stays isolated.
func SharedNamespaces(pausePID int) []specs.LinuxNamespace {
	proc := fmt.Sprintf("/proc/%d/ns", pausePID)
	return []specs.LinuxNamespace{
		{Type: specs.PIDNamespace, Path: proc + "/pid"},
		{Type: specs.NetworkNamespace, Path: proc + "/net"},
		{Type: specs.IPCNamespace, Path: proc + "/ipc"},
		{Type: specs.UTSNamespace, Path: proc + "/uts"},
		{Type: specs.MountNamespace},
	}
}

// NetnsPath returns the network namespace file of a process.
func NetnsPath(pid int) string {
	return fmt.Sprintf("/proc/%d/ns/net", pid)
}

// Compose produces the working bundle and returns its path.
func (c *Composer) Compose(in Input) (string, error) {
	if err := Validate(in.SourceBundle); err != nil {
		return "", err
	}
	if in.WorkDir == "" {
		return "", fmt.Errorf("%w: work dir is required", errdefs.ErrInternal)
	}

	spec, err := loadSpec(filepath.Join(in.SourceBundle, configFile))
	if err != nil {
		return "", err
	}

	// A stale working bundle (e.g. preserved from a failed pod) would make
	// the rootfs linking collide; composition always starts clean.
	if err := os.RemoveAll(in.WorkDir); err != nil {
		return "", fmt.Errorf("clear work dir: %w", err)
	}
	if err := os.MkdirAll(in.WorkDir, 0o700); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	srcRootfs := filepath.Join(in.SourceBundle, "rootfs")
	dstRootfs := filepath.Join(in.WorkDir, "rootfs")
	if err := linkOrCopyTree(srcRootfs, dstRootfs); err != nil {
		_ = os.RemoveAll(in.WorkDir)
		return "", fmt.Errorf("%w: copy rootfs: %w", errdefs.ErrBundleInvalid, err)
	}

	applyOverrides(spec, in)

	if err := writeSpec(filepath.Join(in.WorkDir, configFile), spec); err != nil {
		_ = os.RemoveAll(in.WorkDir)
		return "", err
	}

	c.logger.Debug("composed bundle",
		"source", in.SourceBundle, "workdir", in.WorkDir, "hostname", in.Hostname)
	return in.WorkDir, nil
}

func loadSpec(path string) (*specs.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config.json: %w", errdefs.ErrBundleInvalid, err)
	}
	spec := &specs.Spec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("%w: parse config.json: %w", errdefs.ErrBundleInvalid, err)
	}
	return spec, nil
}

func writeSpec(path string, spec *specs.Spec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config.json: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config.json: %w", err)
	}
	return nil
}

func applyOverrides(spec *specs.Spec, in Input) {
	if spec.Process == nil {
		spec.Process = &specs.Process{Cwd: "/"}
	}
	spec.Process.Terminal = false
	if len(in.Args) > 0 {
		spec.Process.Args = append([]string(nil), in.Args...)
	}
	if len(in.Env) > 0 {
		spec.Process.Env = mergeEnv(spec.Process.Env, in.Env)
	}
	if in.Hostname != "" {
		spec.Hostname = in.Hostname
	}
	for _, m := range in.Mounts {
		mode := m.Mode
		if mode == "" {
			mode = v1.MountModeRW
		}
		spec.Mounts = append(spec.Mounts, specs.Mount{
			Destination: m.Target,
			Type:        "bind",
			Source:      m.Source,
			Options:     []string{"rbind", mode},
		})
	}
	if in.Namespaces != nil {
		if spec.Linux == nil {
			spec.Linux = &specs.Linux{}
		}
		spec.Linux.Namespaces = append([]specs.LinuxNamespace(nil), in.Namespaces...)
	}
	if in.CgroupsPath != "" {
		if spec.Linux == nil {
			spec.Linux = &specs.Linux{}
		}
		spec.Linux.CgroupsPath = in.CgroupsPath
	}
}

// mergeEnv merges overrides into a KEY=VAL list; overrides win. Appended
// overrides are sorted so composition is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if val, hit := overrides[key]; hit {
				out = append(out, key+"="+val)
				seen[key] = true
				continue
			}
		}
		out = append(out, kv)
	}
	rest := make([]string, 0, len(overrides))
	for key, val := range overrides {
		if !seen[key] {
			rest = append(rest, key+"="+val)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// linkOrCopyTree recreates src under dst, hard-linking regular files and
// falling back to a byte copy when linking fails (e.g. across filesystems).
func linkOrCopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(dest, target)
		case info.Mode().IsRegular():
			if err := os.Link(path, target); err == nil {
				return nil
			}
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Device nodes and sockets in input bundles are skipped; the
			// runtime populates /dev itself.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Cleanup removes a working bundle directory. Missing directories are fine.
func Cleanup(dir string) error {
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
