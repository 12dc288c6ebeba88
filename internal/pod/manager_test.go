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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/libradev/libra/internal/bundle"
	"github.com/libradev/libra/internal/cni"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/logging"
	"github.com/libradev/libra/internal/network"
	"github.com/libradev/libra/internal/oci"
	"github.com/libradev/libra/internal/state"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// opLog records cross-component operations in order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) index(op string) int {
	for i, got := range l.snapshot() {
		if got == op {
			return i
		}
	}
	return -1
}

type fakeRuntime struct {
	log *opLog

	mu         sync.Mutex
	states     map[string]*oci.State
	nextPID    int
	failCreate map[string]error
	failStart  map[string]error
}

func newFakeRuntime(log *opLog) *fakeRuntime {
	return &fakeRuntime{
		log:        log,
		states:     make(map[string]*oci.State),
		nextPID:    1000,
		failCreate: make(map[string]error),
		failStart:  make(map[string]error),
	}
}

func (f *fakeRuntime) Create(_ context.Context, id, bundleDir string) error {
	f.log.add("runtime.create:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCreate[id]; err != nil {
		return err
	}
	if _, ok := f.states[id]; ok {
		return fmt.Errorf("%w: container %q", errdefs.ErrAlreadyExists, id)
	}
	f.nextPID++
	f.states[id] = &oci.State{ID: id, Status: oci.StatusCreated, PID: f.nextPID, Bundle: bundleDir}
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.log.add("runtime.start:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failStart[id]; err != nil {
		return err
	}
	st, ok := f.states[id]
	if !ok {
		return fmt.Errorf("%w: %q", errdefs.ErrContainerNotFound, id)
	}
	st.Status = oci.StatusRunning
	return nil
}

func (f *fakeRuntime) State(_ context.Context, id string) (oci.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return oci.State{}, fmt.Errorf("%w: %q", errdefs.ErrContainerNotFound, id)
	}
	return *st, nil
}

func (f *fakeRuntime) Kill(_ context.Context, id string, _ syscall.Signal, _ bool) error {
	f.log.add("runtime.kill:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return fmt.Errorf("%w: %q", errdefs.ErrContainerNotFound, id)
	}
	st.Status = oci.StatusStopped
	return nil
}

func (f *fakeRuntime) Delete(_ context.Context, id string, _ bool) error {
	f.log.add("runtime.delete:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return fmt.Errorf("%w: %q", errdefs.ErrContainerNotFound, id)
	}
	delete(f.states, id)
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, id string, _ oci.ExecSpec) (int, error) {
	f.log.add("runtime.exec:" + id)
	return 0, nil
}

func (f *fakeRuntime) List(context.Context) ([]oci.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]oci.State, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, *st)
	}
	return out, nil
}

func (f *fakeRuntime) setStatus(id string, status oci.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[id]; ok {
		st.Status = status
	}
}

type fakeProgrammer struct {
	log *opLog

	mu     sync.Mutex
	groups map[string]v1.Limits
}

func newFakeProgrammer(log *opLog) *fakeProgrammer {
	return &fakeProgrammer{log: log, groups: make(map[string]v1.Limits)}
}

func (f *fakeProgrammer) Ensure(group string, limits v1.Limits) error {
	f.log.add("cgroup.ensure:" + group)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[group] = limits
	return nil
}

func (f *fakeProgrammer) Exists(group string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.groups[group]
	return ok, nil
}

func (f *fakeProgrammer) Delete(group string) error {
	f.log.add("cgroup.delete:" + group)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, group)
	return nil
}

type fakeInvoker struct {
	log    *opLog
	addErr error
}

func (f *fakeInvoker) Add(_ context.Context, _, containerID, _ string) (cni.Attachment, error) {
	f.log.add("cni.add:" + containerID)
	if f.addErr != nil {
		return cni.Attachment{}, f.addErr
	}
	return cni.Attachment{IP: "10.88.0.5/16", Gateway: "10.88.0.1", Interface: "eth0"}, nil
}

func (f *fakeInvoker) Del(_ context.Context, _, containerID, _ string) error {
	f.log.add("cni.del:" + containerID)
	return nil
}

func (f *fakeInvoker) Check(context.Context, string, string, string) error { return nil }

func (f *fakeInvoker) EnsureNetworkConfig(cfg cni.NetworkConfig) (string, error) {
	return cfg.Name + ".conflist", nil
}

func (f *fakeInvoker) RemoveNetworkConfig(string) error { return nil }

func (f *fakeInvoker) NetworkConfigExists(string) (bool, error) { return true, nil }

type harness struct {
	manager *Manager
	runtime *fakeRuntime
	cgroups *fakeProgrammer
	invoker *fakeInvoker
	log     *opLog
	dir     *state.Dir
	bundles string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &opLog{}
	dir, err := state.Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	logger := logging.NewNoopLogger()
	runtime := newFakeRuntime(log)
	programmer := newFakeProgrammer(log)
	invoker := &fakeInvoker{log: log}
	netsvc := network.NewService(logger, invoker, dir)

	bundles := t.TempDir()
	makeTestBundle(t, filepath.Join(bundles, "pause"))
	makeTestBundle(t, filepath.Join(bundles, "busybox"))

	return &harness{
		manager: NewManager(logger, runtime, programmer, bundle.NewComposer(logger), netsvc, dir),
		runtime: runtime,
		cgroups: programmer,
		invoker: invoker,
		log:     log,
		dir:     dir,
		bundles: bundles,
	}
}

func makeTestBundle(t *testing.T, dir string) {
	t.Helper()
	spec := specs.Spec{
		Version:  "1.0.2",
		Process:  &specs.Process{Args: []string{"/bin/sh"}, Env: []string{"PATH=/bin"}, Cwd: "/"},
		Root:     &specs.Root{Path: "rootfs"},
		Hostname: "input",
		Linux:    &specs.Linux{},
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "rootfs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rootfs", "init"), []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) podDoc(name string, workers ...string) *v1.PodDoc {
	doc := &v1.PodDoc{
		APIVersion: v1.APIVersion,
		Kind:       v1.KindPod,
		Metadata: v1.PodMetadata{
			Name:   name,
			Labels: map[string]string{"bundle": filepath.Join(h.bundles, "pause")},
		},
	}
	for _, worker := range workers {
		doc.Spec.Containers = append(doc.Spec.Containers, v1.ContainerSpec{
			Name:  worker,
			Image: filepath.Join(h.bundles, "busybox"),
			Args:  []string{"sleep", "100"},
		})
	}
	return doc
}

func TestCreateStartDeleteOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	record, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1", "w2"))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if record.Phase != v1.PhaseCreated {
		t.Errorf("phase = %s, want Created", record.Phase)
	}
	if record.IPAddress != "10.88.0.5/16" {
		t.Errorf("ip = %q", record.IPAddress)
	}
	if len(record.Workers) != 2 || record.Workers[0].Name != "w1" || record.Workers[1].Name != "w2" {
		t.Fatalf("workers = %+v", record.Workers)
	}

	// Creation order: pause, CNI attach, then workers in declared order.
	for prev, next := range map[string]string{
		"runtime.create:pod-a":    "cni.add:pod-a",
		"cni.add:pod-a":           "runtime.create:pod-a-w1",
		"runtime.create:pod-a-w1": "runtime.create:pod-a-w2",
	} {
		if h.log.index(prev) == -1 || h.log.index(prev) > h.log.index(next) {
			t.Errorf("expected %q before %q in %v", prev, next, h.log.snapshot())
		}
	}

	record, err = h.manager.Start(ctx, "pod-a", StartOptions{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if record.Phase != v1.PhaseRunning {
		t.Errorf("phase = %s, want Running", record.Phase)
	}
	// Start order: pause first, then workers in declared order.
	if !(h.log.index("runtime.start:pod-a") < h.log.index("runtime.start:pod-a-w1") &&
		h.log.index("runtime.start:pod-a-w1") < h.log.index("runtime.start:pod-a-w2")) {
		t.Errorf("bad start ordering: %v", h.log.snapshot())
	}

	if err := h.manager.Delete(ctx, "pod-a", DeleteOptions{}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	// Teardown: workers in reverse order, pause last; each cgroup removed
	// only after its runtime delete.
	if !(h.log.index("runtime.delete:pod-a-w2") < h.log.index("runtime.delete:pod-a-w1") &&
		h.log.index("runtime.delete:pod-a-w1") < h.log.index("runtime.delete:pod-a")) {
		t.Errorf("bad teardown ordering: %v", h.log.snapshot())
	}
	for _, name := range []string{"w1", "w2"} {
		runtimeDelete := h.log.index("runtime.delete:pod-a-" + name)
		cgroupDelete := h.log.index("cgroup.delete:/libra/pod-a/" + name)
		if cgroupDelete == -1 || cgroupDelete < runtimeDelete {
			t.Errorf("cgroup for %s removed before its container: %v", name, h.log.snapshot())
		}
	}

	records, _ := h.manager.List(ctx)
	if len(records) != 0 {
		t.Errorf("List() after delete = %+v", records)
	}
	if _, err := os.Stat(h.dir.PodDir("pod-a")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pod state dir survived delete: %v", err)
	}
}

func TestCreateIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	opsBefore := len(h.log.snapshot())

	record, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1"))
	if !errors.Is(err, errdefs.ErrAlreadyExists) {
		t.Fatalf("second Create() = %v, want ErrAlreadyExists", err)
	}
	if record.PodID != "pod-a" {
		t.Errorf("second Create() must return the existing record, got %+v", record)
	}
	if got := len(h.log.snapshot()); got != opsBefore {
		t.Errorf("second Create() had side effects: %v", h.log.snapshot()[opsBefore:])
	}

	records, _ := h.manager.List(ctx)
	if len(records) != 1 {
		t.Errorf("List() = %d pods, want 1", len(records))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	h := newHarness(t)
	if err := h.manager.Delete(context.Background(), "ghost", DeleteOptions{}); err != nil {
		t.Fatalf("Delete() of unknown pod = %v, want nil", err)
	}
}

func TestNetworkFailureRollsBackPause(t *testing.T) {
	h := newHarness(t)
	h.invoker.addErr = fmt.Errorf("%w: no route", errdefs.ErrNetworkSetupFailed)

	_, err := h.manager.Create(context.Background(), h.podDoc("pod-a", "w1"))
	if !errors.Is(err, errdefs.ErrNetworkSetupFailed) {
		t.Fatalf("Create() = %v, want ErrNetworkSetupFailed", err)
	}

	// The pause is gone, no worker was ever created, the pod is not
	// observable.
	if h.log.index("runtime.delete:pod-a") == -1 {
		t.Errorf("pause was not deleted: %v", h.log.snapshot())
	}
	if h.log.index("runtime.create:pod-a-w1") != -1 {
		t.Errorf("worker created despite network failure: %v", h.log.snapshot())
	}
	records, _ := h.manager.List(context.Background())
	if len(records) != 0 {
		t.Errorf("List() = %+v, want empty", records)
	}
}

func TestWorkerCreateFailureRollsBackWorkers(t *testing.T) {
	h := newHarness(t)
	h.runtime.failCreate["pod-a-w2"] = fmt.Errorf("%w: boom", errdefs.ErrRuntimeCreate)

	record, err := h.manager.Create(context.Background(), h.podDoc("pod-a", "w1", "w2"))
	if !errors.Is(err, errdefs.ErrRuntimeCreate) {
		t.Fatalf("Create() = %v, want ErrRuntimeCreate", err)
	}
	if record.Phase != v1.PhaseFailed {
		t.Errorf("phase = %s, want Failed", record.Phase)
	}

	// w1 is rolled back, the pause survives for diagnosis.
	if h.log.index("runtime.delete:pod-a-w1") == -1 {
		t.Errorf("w1 was not rolled back: %v", h.log.snapshot())
	}
	if h.log.index("runtime.delete:pod-a") != -1 {
		t.Errorf("pause must be preserved: %v", h.log.snapshot())
	}

	records, _ := h.manager.List(context.Background())
	if len(records) != 1 || records[0].Phase != v1.PhaseFailed {
		t.Errorf("List() = %+v, want one Failed pod", records)
	}
}

func TestStartFailureStopsStartedWorkers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.failStart["pod-a-w2"] = fmt.Errorf("%w: exec failed", errdefs.ErrRuntimeStart)

	if _, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1", "w2")); err != nil {
		t.Fatal(err)
	}
	record, err := h.manager.Start(ctx, "pod-a", StartOptions{})
	if !errors.Is(err, errdefs.ErrRuntimeStart) {
		t.Fatalf("Start() = %v, want ErrRuntimeStart", err)
	}
	if record.Phase != v1.PhaseFailed {
		t.Errorf("phase = %s, want Failed", record.Phase)
	}
	if h.log.index("runtime.kill:pod-a-w1") == -1 {
		t.Errorf("w1 was not stopped after w2 failed: %v", h.log.snapshot())
	}
}

func TestStartFailureAtomicTearsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.failStart["pod-a-w1"] = fmt.Errorf("%w: exec failed", errdefs.ErrRuntimeStart)

	if _, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Start(ctx, "pod-a", StartOptions{Atomic: true}); err == nil {
		t.Fatal("Start() should fail")
	}
	records, _ := h.manager.List(ctx)
	if len(records) != 0 {
		t.Errorf("atomic start failure must delete the pod, got %+v", records)
	}
}

func TestStartRequiresCreatedPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.manager.Start(ctx, "ghost", StartOptions{}); !errors.Is(err, errdefs.ErrPodNotFound) {
		t.Errorf("Start(ghost) = %v, want ErrPodNotFound", err)
	}

	if _, err := h.manager.Run(ctx, h.podDoc("pod-a", "w1")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Start(ctx, "pod-a", StartOptions{}); !errors.Is(err, errdefs.ErrNotCreated) {
		t.Errorf("Start() on running pod = %v, want ErrNotCreated", err)
	}
}

func TestWorkerBundlesShareNamespaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	record, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1", "w2"))
	if err != nil {
		t.Fatal(err)
	}
	pauseState, err := h.runtime.State(ctx, record.PauseID)
	if err != nil {
		t.Fatal(err)
	}

	for _, worker := range record.Workers {
		data, err := os.ReadFile(filepath.Join(worker.BundleDir, "config.json"))
		if err != nil {
			t.Fatalf("read worker bundle: %v", err)
		}
		spec := &specs.Spec{}
		if err := json.Unmarshal(data, spec); err != nil {
			t.Fatal(err)
		}
		proc := fmt.Sprintf("/proc/%d/ns", pauseState.PID)
		shared := map[specs.LinuxNamespaceType]bool{}
		for _, ns := range spec.Linux.Namespaces {
			if strings.HasPrefix(ns.Path, proc+"/") {
				shared[ns.Type] = true
			}
			if ns.Type == specs.MountNamespace && ns.Path != "" {
				t.Errorf("worker %s shares the mount namespace", worker.Name)
			}
		}
		for _, nsType := range []specs.LinuxNamespaceType{
			specs.PIDNamespace, specs.NetworkNamespace, specs.IPCNamespace, specs.UTSNamespace,
		} {
			if !shared[nsType] {
				t.Errorf("worker %s does not join the pause %s namespace", worker.Name, nsType)
			}
		}
		if spec.Hostname != worker.Name {
			t.Errorf("worker hostname = %q, want %q", spec.Hostname, worker.Name)
		}
	}
}

func TestStateObservesStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Run(ctx, h.podDoc("pod-a", "w1", "w2")); err != nil {
		t.Fatal(err)
	}

	h.runtime.setStatus("pod-a-w1", oci.StatusStopped)
	record, err := h.manager.State(ctx, "pod-a")
	if err != nil {
		t.Fatal(err)
	}
	if record.Phase != v1.PhaseStopping {
		t.Errorf("phase = %s, want Stopping", record.Phase)
	}
}

func TestExecRequiresRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Exec(ctx, "pod-a", "w1", oci.ExecSpec{Args: []string{"/bin/true"}}); !errors.Is(err, errdefs.ErrNotRunning) {
		t.Errorf("Exec() on created pod = %v, want ErrNotRunning", err)
	}

	if _, err := h.manager.Start(ctx, "pod-a", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	code, err := h.manager.Exec(ctx, "pod-a", "w1", oci.ExecSpec{Args: []string{"/bin/true"}})
	if err != nil || code != 0 {
		t.Errorf("Exec() = %d, %v", code, err)
	}
	if _, err := h.manager.Exec(ctx, "pod-a", "ghost", oci.ExecSpec{}); !errors.Is(err, errdefs.ErrContainerNotFound) {
		t.Errorf("Exec() on unknown container = %v, want ErrContainerNotFound", err)
	}
}

func TestCrashRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Run(ctx, h.podDoc("pod-a", "w1")); err != nil {
		t.Fatal(err)
	}

	// A new manager over the same state dir and runtime stands in for a
	// restarted process.
	logger := logging.NewNoopLogger()
	netsvc := network.NewService(logger, h.invoker, h.dir)
	restarted := NewManager(logger, h.runtime, h.cgroups, bundle.NewComposer(logger), netsvc, h.dir)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	records, err := restarted.List(ctx)
	if err != nil || len(records) != 1 || records[0].PodID != "pod-a" {
		t.Fatalf("List() after restart = %+v, %v", records, err)
	}
	if records[0].Phase != v1.PhaseRunning {
		t.Errorf("restored phase = %s, want Running", records[0].Phase)
	}

	if err := restarted.Delete(ctx, "pod-a", DeleteOptions{}); err != nil {
		t.Fatalf("Delete() after restart error: %v", err)
	}
	if states, _ := h.runtime.List(ctx); len(states) != 0 {
		t.Errorf("runtime containers survived delete: %+v", states)
	}
}

func TestFailedPodKeepsBundlesUnlessForced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.failCreate["pod-a-w1"] = fmt.Errorf("%w: boom", errdefs.ErrRuntimeCreate)

	if _, err := h.manager.Create(ctx, h.podDoc("pod-a", "w1")); err == nil {
		t.Fatal("Create() should fail")
	}
	if err := h.manager.Delete(ctx, "pod-a", DeleteOptions{}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := os.Stat(h.dir.PodBundleDir("pod-a")); err != nil {
		t.Errorf("failed pod bundles should be preserved: %v", err)
	}

	// Force removes the leftovers.
	h.runtime.failCreate = map[string]error{"pod-b-w1": fmt.Errorf("%w: boom", errdefs.ErrRuntimeCreate)}
	if _, err := h.manager.Create(ctx, h.podDoc("pod-b", "w1")); err == nil {
		t.Fatal("Create() should fail")
	}
	if err := h.manager.Delete(ctx, "pod-b", DeleteOptions{Force: true}); err != nil {
		t.Fatalf("Delete(force) error: %v", err)
	}
	if _, err := os.Stat(h.dir.PodDir("pod-b")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("forced delete should remove the pod dir: %v", err)
	}
}
