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

package bundle_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/libradev/libra/internal/bundle"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/logging"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// makeBundle lays out a minimal OCI bundle under dir.
func makeBundle(t *testing.T, dir string) string {
	t.Helper()
	spec := specs.Spec{
		Version: "1.0.2",
		Process: &specs.Process{
			Args: []string{"/bin/sh"},
			Env:  []string{"PATH=/bin", "HOME=/root"},
			Cwd:  "/",
		},
		Root:     &specs.Root{Path: "rootfs"},
		Hostname: "input",
		Linux:    &specs.Linux{},
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "rootfs", "bin"), 0o755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rootfs", "bin", "sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write rootfs file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		t.Fatalf("write config.json: %v", err)
	}
	return dir
}

func readSpec(t *testing.T, dir string) *specs.Spec {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("read composed config.json: %v", err)
	}
	out := &specs.Spec{}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("parse composed config.json: %v", err)
	}
	return out
}

func TestValidate(t *testing.T) {
	source := makeBundle(t, t.TempDir())
	if err := bundle.Validate(source); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	empty := t.TempDir()
	if err := bundle.Validate(empty); !errors.Is(err, errdefs.ErrBundleInvalid) {
		t.Errorf("Validate() on empty dir = %v, want ErrBundleInvalid", err)
	}

	noRootfs := t.TempDir()
	if err := os.WriteFile(filepath.Join(noRootfs, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := bundle.Validate(noRootfs); !errors.Is(err, errdefs.ErrBundleInvalid) {
		t.Errorf("Validate() without rootfs = %v, want ErrBundleInvalid", err)
	}
}

func TestComposeOverrides(t *testing.T) {
	source := makeBundle(t, t.TempDir())
	composer := bundle.NewComposer(logging.NewNoopLogger())

	workDir, err := composer.Compose(bundle.Input{
		SourceBundle: source,
		WorkDir:      filepath.Join(t.TempDir(), "w1"),
		Hostname:     "w1",
		Args:         []string{"sleep", "100"},
		Env:          map[string]string{"HOME": "/tmp", "MODE": "worker"},
		Mounts: []v1.Mount{
			{Source: "/srv/data", Target: "/data", Mode: "ro"},
		},
		Namespaces:  bundle.SharedNamespaces(4242),
		CgroupsPath: "/libra/pod-a/w1",
	})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}

	spec := readSpec(t, workDir)

	if got := spec.Process.Args; !slices.Equal(got, []string{"sleep", "100"}) {
		t.Errorf("args = %v", got)
	}
	if spec.Hostname != "w1" {
		t.Errorf("hostname = %q, want w1", spec.Hostname)
	}
	if spec.Process.Terminal {
		t.Error("terminal must be disabled in composed bundles")
	}
	// Env merge: override wins, untouched entries survive, new keys appended.
	wantEnv := []string{"PATH=/bin", "HOME=/tmp", "MODE=worker"}
	if !slices.Equal(spec.Process.Env, wantEnv) {
		t.Errorf("env = %v, want %v", spec.Process.Env, wantEnv)
	}

	var mount *specs.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == "/data" {
			mount = &spec.Mounts[i]
		}
	}
	if mount == nil || mount.Source != "/srv/data" || !slices.Contains(mount.Options, "ro") {
		t.Errorf("bind mount not appended correctly: %+v", spec.Mounts)
	}

	if spec.Linux.CgroupsPath != "/libra/pod-a/w1" {
		t.Errorf("cgroupsPath = %q", spec.Linux.CgroupsPath)
	}

	// Namespace sharing: pid/net/ipc/uts reference the pause process, mount
	// stays private.
	nsPaths := make(map[specs.LinuxNamespaceType]string)
	for _, ns := range spec.Linux.Namespaces {
		nsPaths[ns.Type] = ns.Path
	}
	for _, nsType := range []specs.LinuxNamespaceType{
		specs.PIDNamespace, specs.NetworkNamespace, specs.IPCNamespace, specs.UTSNamespace,
	} {
		want := "/proc/4242/ns/" + nsName(nsType)
		if nsPaths[nsType] != want {
			t.Errorf("namespace %s path = %q, want %q", nsType, nsPaths[nsType], want)
		}
	}
	if path, ok := nsPaths[specs.MountNamespace]; !ok || path != "" {
		t.Errorf("mount namespace must be private, got path %q (present=%v)", path, ok)
	}

	// The rootfs must be materialized in the working bundle.
	if _, err := os.Stat(filepath.Join(workDir, "rootfs", "bin", "sh")); err != nil {
		t.Errorf("rootfs not copied: %v", err)
	}
	// The input bundle's config.json must be untouched.
	if readSpec(t, source).Hostname != "input" {
		t.Error("source bundle config.json was modified")
	}
}

func nsName(t specs.LinuxNamespaceType) string {
	switch t {
	case specs.PIDNamespace:
		return "pid"
	case specs.NetworkNamespace:
		return "net"
	case specs.IPCNamespace:
		return "ipc"
	case specs.UTSNamespace:
		return "uts"
	default:
		return string(t)
	}
}

func TestComposeKeepsDefaultArgs(t *testing.T) {
	source := makeBundle(t, t.TempDir())
	composer := bundle.NewComposer(logging.NewNoopLogger())

	workDir, err := composer.Compose(bundle.Input{
		SourceBundle: source,
		WorkDir:      filepath.Join(t.TempDir(), "pause"),
		Hostname:     "pod-a",
		Namespaces:   bundle.FreshNamespaces(),
	})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	spec := readSpec(t, workDir)
	if got := spec.Process.Args; !slices.Equal(got, []string{"/bin/sh"}) {
		t.Errorf("args = %v, want bundle default", got)
	}
	for _, ns := range spec.Linux.Namespaces {
		if ns.Path != "" {
			t.Errorf("fresh namespace %s must have no path, got %q", ns.Type, ns.Path)
		}
	}
}

func TestComposeReplacesStaleWorkdir(t *testing.T) {
	source := makeBundle(t, t.TempDir())
	composer := bundle.NewComposer(logging.NewNoopLogger())
	workDir := filepath.Join(t.TempDir(), "w1")

	for i := 0; i < 2; i++ {
		if _, err := composer.Compose(bundle.Input{
			SourceBundle: source,
			WorkDir:      workDir,
			Hostname:     "w1",
		}); err != nil {
			t.Fatalf("Compose() round %d error: %v", i, err)
		}
	}
}

func TestComposeRejectsInvalidSource(t *testing.T) {
	composer := bundle.NewComposer(logging.NewNoopLogger())
	_, err := composer.Compose(bundle.Input{
		SourceBundle: t.TempDir(),
		WorkDir:      filepath.Join(t.TempDir(), "w"),
	})
	if !errors.Is(err, errdefs.ErrBundleInvalid) {
		t.Fatalf("Compose() from invalid source = %v, want ErrBundleInvalid", err)
	}
}
