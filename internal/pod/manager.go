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

// Package pod drives pods through their lifecycle: a pause container holding
// the shared namespaces, workers joined to it, a CNI attachment on the pause
// netns and one cgroup per container. All mutations of a pod happen under
// that pod's exclusive lock; distinct pods progress in parallel.
package pod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/libradev/libra/internal/bundle"
	"github.com/libradev/libra/internal/cgroups"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/network"
	"github.com/libradev/libra/internal/oci"
	"github.com/libradev/libra/internal/state"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// StartOptions controls Start failure handling.
type StartOptions struct {
	// Atomic tears the whole pod down when any worker fails to start,
	// instead of preserving the pause for diagnosis.
	Atomic bool
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Force removes working bundles even for Failed pods, which are
	// otherwise preserved for post-mortem.
	Force bool
}

// Manager is the pod task manager.
type Manager struct {
	logger   *slog.Logger
	runtime  oci.Runtime
	cgroups  cgroups.Programmer
	composer *bundle.Composer
	network  *network.Service
	dir      *state.Dir

	mu   sync.RWMutex
	pods map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// NewManager wires the pod task manager.
func NewManager(
	logger *slog.Logger,
	runtime oci.Runtime,
	programmer cgroups.Programmer,
	composer *bundle.Composer,
	netsvc *network.Service,
	dir *state.Dir,
) *Manager {
	return &Manager{
		logger:   logger,
		runtime:  runtime,
		cgroups:  programmer,
		composer: composer,
		network:  netsvc,
		dir:      dir,
		pods:     make(map[string]*entry),
	}
}

// Load restores pod records from the state directory so pods created by a
// previous process stay discoverable and manageable.
func (m *Manager) Load(ctx context.Context) error {
	names, err := m.dir.ListNames("pods")
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		record, err := state.ReadRecord[Record](m.dir.PodRecordPath(name))
		if err != nil {
			m.logger.WarnContext(ctx, "skipping unreadable pod record", "pod", name, "err", err)
			continue
		}
		m.pods[record.PodID] = &entry{record: record}
		m.logger.DebugContext(ctx, "restored pod record", "pod", record.PodID, "phase", record.Phase)
	}
	return nil
}

func (m *Manager) persist(record *Record) {
	if err := state.WriteRecord(m.dir.PodRecordPath(record.PodID), record); err != nil {
		m.logger.Error("failed to persist pod record", "pod", record.PodID, "err", err)
	}
}

func pauseRuntimeID(podID string) string { return podID }

func workerRuntimeID(podID, name string) string { return podID + "-" + name }

// Create realizes the pod up to phase Created: pause container, CNI
// attachment, then every worker in declared order with namespaces joined to
// the pause. Calling Create for a live pod returns the existing record and
// ErrAlreadyExists without side effects.
func (m *Manager) Create(ctx context.Context, doc *v1.PodDoc) (Record, error) {
	if err := doc.Validate(); err != nil {
		return Record{}, err
	}
	podID := doc.Metadata.Name

	// Pod names and standalone container names share one namespace of live
	// identifiers on the node.
	if _, err := os.Stat(m.dir.ContainerRecordPath(podID)); err == nil {
		return Record{}, fmt.Errorf("%w: %q is a live standalone container", errdefs.ErrAlreadyExists, podID)
	}

	m.mu.Lock()
	if existing, ok := m.pods[podID]; ok {
		m.mu.Unlock()
		existing.mu.Lock()
		record := existing.record.clone()
		existing.mu.Unlock()
		return record, fmt.Errorf("%w: pod %q", errdefs.ErrAlreadyExists, podID)
	}
	e := &entry{}
	e.mu.Lock()
	m.pods[podID] = e
	m.mu.Unlock()
	defer e.mu.Unlock()

	record, err := m.create(ctx, doc)
	if err != nil {
		if record.Phase == v1.PhaseFailed {
			// Keep the failed record (and its bundles) for diagnosis.
			e.record = record
			m.persist(&record)
			return record.clone(), err
		}
		// The pod never became observable; surrender the identifier.
		m.forget(podID)
		return Record{}, err
	}

	e.record = record
	m.logger.InfoContext(ctx, "created pod", "pod", podID, "ip", record.IPAddress,
		"workers", len(record.Workers))
	return record.clone(), nil
}

// create runs the creation sequence under the pod lock. On error the caller
// inspects record.Phase: Failed records stay, anything else is forgotten.
func (m *Manager) create(ctx context.Context, doc *v1.PodDoc) (Record, error) {
	podID := doc.Metadata.Name
	pauseBundle, err := doc.PauseBundle()
	if err != nil {
		return Record{}, err
	}

	hash, err := state.WriteSpecSnapshot(m.dir.PodDir(podID), doc)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", errdefs.ErrWriteRecord, err)
	}

	record := Record{
		PodID:     podID,
		UID:       uuid.NewString(),
		Phase:     v1.PhaseCreating,
		PauseID:   pauseRuntimeID(podID),
		Network:   doc.Spec.Network,
		SpecHash:  hash,
		CreatedAt: time.Now().UTC(),
	}
	m.persist(&record)

	// Pause container: fresh namespaces, hostname = pod id.
	pauseGroup := cgroups.GroupPath(podID, "pause")
	pauseDir, err := m.composer.Compose(bundle.Input{
		SourceBundle: pauseBundle,
		WorkDir:      filepath.Join(m.dir.PodBundleDir(podID), "pause"),
		Hostname:     podID,
		Namespaces:   bundle.FreshNamespaces(),
		CgroupsPath:  pauseGroup,
	})
	if err != nil {
		record.markFailed(err)
		return record, err
	}
	record.PauseDir = pauseDir

	if err := m.cgroups.Ensure(pauseGroup, v1.Limits{}); err != nil {
		record.markFailed(err)
		return record, err
	}
	if err := m.runtime.Create(ctx, record.PauseID, pauseDir); err != nil {
		record.markFailed(err)
		return record, err
	}

	pauseState, err := m.runtime.State(ctx, record.PauseID)
	if err == nil && pauseState.PID == 0 {
		err = fmt.Errorf("pause container %q reports no pid", record.PauseID)
	}
	if err != nil {
		shareErr := fmt.Errorf("%w: %w", errdefs.ErrNamespaceShareFailed, err)
		m.teardownPause(ctx, &record, true)
		record.Phase = v1.PhaseDeleted
		return record, shareErr
	}
	record.NetnsPath = bundle.NetnsPath(pauseState.PID)

	attachment, err := m.network.Attach(ctx, record.NetnsPath, podID, record.Network)
	if err != nil {
		// The pod must never become observable with a half-built network:
		// drop the pause and surrender the identifier.
		m.teardownPause(ctx, &record, true)
		record.Phase = v1.PhaseDeleted
		return record, err
	}
	record.IPAddress = attachment.IP
	m.persist(&record)

	specs := make([]v1.ContainerSpec, 0, len(doc.Spec.InitContainers)+len(doc.Spec.Containers))
	inits := len(doc.Spec.InitContainers)
	specs = append(specs, doc.Spec.InitContainers...)
	specs = append(specs, doc.Spec.Containers...)

	for i, spec := range specs {
		if err := m.createWorker(ctx, &record, spec, pauseState.PID, i < inits); err != nil {
			// Previously created workers go away in reverse order; pause and
			// netns stay up for diagnosis.
			m.rollbackWorkers(ctx, &record)
			record.markFailed(err)
			return record, err
		}
	}

	record.Phase = v1.PhaseCreated
	m.persist(&record)
	return record, nil
}

func (r *Record) markFailed(err error) {
	r.Phase = v1.PhaseFailed
	r.LastError = err.Error()
}

func (m *Manager) createWorker(
	ctx context.Context,
	record *Record,
	spec v1.ContainerSpec,
	pausePID int,
	init bool,
) error {
	runtimeID := workerRuntimeID(record.PodID, spec.Name)
	group := cgroups.GroupPath(record.PodID, spec.Name)

	var limits v1.Limits
	if spec.Resources != nil && spec.Resources.Limits != nil {
		var err error
		if limits, err = spec.Resources.Limits.Parse(); err != nil {
			return fmt.Errorf("%w: container %q: %w", errdefs.ErrSpecInvalid, spec.Name, err)
		}
	}

	workDir, err := m.composer.Compose(bundle.Input{
		SourceBundle: spec.Image,
		WorkDir:      filepath.Join(m.dir.PodBundleDir(record.PodID), spec.Name),
		Hostname:     spec.Name,
		Args:         spec.Args,
		Env:          spec.Env,
		Mounts:       spec.Mounts,
		Namespaces:   bundle.SharedNamespaces(pausePID),
		CgroupsPath:  group,
	})
	if err != nil {
		return err
	}
	if err := m.cgroups.Ensure(group, limits); err != nil {
		_ = bundle.Cleanup(workDir)
		return err
	}
	if err := m.runtime.Create(ctx, runtimeID, workDir); err != nil {
		_ = m.cgroups.Delete(group)
		_ = bundle.Cleanup(workDir)
		return err
	}

	record.Workers = append(record.Workers, ContainerRecord{
		Name:       spec.Name,
		RuntimeID:  runtimeID,
		BundleDir:  workDir,
		CgroupPath: group,
		Init:       init,
	})
	m.persist(record)
	m.logger.DebugContext(ctx, "created worker", "pod", record.PodID, "container", spec.Name)
	return nil
}

// rollbackWorkers deletes already-created workers in reverse order.
func (m *Manager) rollbackWorkers(ctx context.Context, record *Record) {
	ctx = context.WithoutCancel(ctx)
	for i := len(record.Workers) - 1; i >= 0; i-- {
		w := record.Workers[i]
		if err := m.deleteContainer(ctx, w, true); err != nil {
			m.logger.Warn("rollback: failed to delete worker",
				"pod", record.PodID, "container", w.Name, "err", err)
		}
	}
	record.Workers = nil
}

// teardownPause stops and deletes the pause container and its cgroup, and,
// when removeBundle is set, its working bundle.
func (m *Manager) teardownPause(ctx context.Context, record *Record, removeBundle bool) {
	ctx = context.WithoutCancel(ctx)
	_ = m.runtime.Kill(ctx, record.PauseID, syscall.SIGKILL, true)
	if err := m.runtime.Delete(ctx, record.PauseID, true); err != nil &&
		!errors.Is(err, errdefs.ErrContainerNotFound) {
		m.logger.Warn("failed to delete pause container", "pod", record.PodID, "err", err)
	}
	if err := m.cgroups.Delete(cgroups.GroupPath(record.PodID, "pause")); err != nil {
		m.logger.Warn("failed to delete pause cgroup", "pod", record.PodID, "err", err)
	}
	if removeBundle && record.PauseDir != "" {
		_ = bundle.Cleanup(record.PauseDir)
	}
}

// deleteContainer kills and deletes one container, then removes its cgroup
// and, when removeBundle is set, its working bundle.
func (m *Manager) deleteContainer(ctx context.Context, w ContainerRecord, removeBundle bool) error {
	_ = m.runtime.Kill(ctx, w.RuntimeID, syscall.SIGKILL, true)
	if err := m.runtime.Delete(ctx, w.RuntimeID, true); err != nil &&
		!errors.Is(err, errdefs.ErrContainerNotFound) {
		return err
	}
	// The cgroup goes only after the runtime no longer knows the container.
	if err := m.cgroups.Delete(w.CgroupPath); err != nil {
		return err
	}
	if removeBundle {
		return bundle.Cleanup(w.BundleDir)
	}
	return nil
}

func (m *Manager) lookup(podID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pods[podID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrPodNotFound, podID)
	}
	return e, nil
}

func (m *Manager) forget(podID string) {
	m.mu.Lock()
	delete(m.pods, podID)
	m.mu.Unlock()
	if err := os.RemoveAll(m.dir.PodDir(podID)); err != nil {
		m.logger.Warn("failed to remove pod state dir", "pod", podID, "err", err)
	}
}

// Start starts the pause first, then every worker in declared order. The pod
// reaches Running only once the runtime reports every worker running.
func (m *Manager) Start(ctx context.Context, podID string, opts StartOptions) (Record, error) {
	e, err := m.lookup(podID)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Phase != v1.PhaseCreated {
		return e.record.clone(), fmt.Errorf("%w: pod %q is %s",
			errdefs.ErrNotCreated, podID, e.record.Phase)
	}

	e.record.Phase = v1.PhaseStarting
	m.persist(&e.record)

	if err := m.runtime.Start(ctx, e.record.PauseID); err != nil {
		return m.failStart(ctx, e, nil, opts, err)
	}

	started := make([]ContainerRecord, 0, len(e.record.Workers))
	for _, w := range e.record.Workers {
		if err := m.runtime.Start(ctx, w.RuntimeID); err != nil {
			return m.failStart(ctx, e, started, opts, err)
		}
		st, err := m.runtime.State(ctx, w.RuntimeID)
		if err == nil && st.Status != oci.StatusRunning {
			err = fmt.Errorf("%w: container %q is %s after start",
				errdefs.ErrRuntimeStart, w.Name, st.Status)
		}
		if err != nil {
			return m.failStart(ctx, e, started, opts, err)
		}
		started = append(started, w)
		m.logger.DebugContext(ctx, "started worker", "pod", podID, "container", w.Name)
	}

	e.record.Phase = v1.PhaseRunning
	e.record.LastError = ""
	m.persist(&e.record)
	m.logger.InfoContext(ctx, "pod running", "pod", podID)
	return e.record.clone(), nil
}

// failStart stops the workers that already started (reverse order) and marks
// the pod Failed. With Atomic the whole pod is torn down instead.
func (m *Manager) failStart(
	ctx context.Context,
	e *entry,
	started []ContainerRecord,
	opts StartOptions,
	cause error,
) (Record, error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(started) - 1; i >= 0; i-- {
		_ = m.runtime.Kill(ctx, started[i].RuntimeID, syscall.SIGKILL, true)
	}
	e.record.markFailed(cause)
	m.persist(&e.record)

	if opts.Atomic {
		if err := m.deleteLocked(ctx, e, DeleteOptions{Force: true}); err != nil {
			m.logger.Warn("atomic start rollback failed", "pod", e.record.PodID, "err", err)
		}
	}
	return e.record.clone(), cause
}

// State queries the runtime for every container and reconstructs the phase.
func (m *Manager) State(ctx context.Context, podID string) (Record, error) {
	e, err := m.lookup(podID)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pauseState := m.observe(ctx, e.record.PauseID)
	workers := make([]*oci.State, len(e.record.Workers))
	for i, w := range e.record.Workers {
		workers[i] = m.observe(ctx, w.RuntimeID)
	}

	phase := DerivePhase(pauseState, workers, e.record.Phase)
	if phase != e.record.Phase {
		m.logger.InfoContext(ctx, "observed pod phase change",
			"pod", podID, "from", e.record.Phase, "to", phase)
		e.record.Phase = phase
		m.persist(&e.record)
	}
	return e.record.clone(), nil
}

func (m *Manager) observe(ctx context.Context, runtimeID string) *oci.State {
	st, err := m.runtime.State(ctx, runtimeID)
	if err != nil {
		return nil
	}
	return &st
}

// Delete tears the pod down: workers in reverse declared order, then the CNI
// attachment, then the pause. Deleting an unknown pod succeeds silently.
func (m *Manager) Delete(ctx context.Context, podID string, opts DeleteOptions) error {
	m.mu.RLock()
	e, ok := m.pods[podID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.deleteLocked(ctx, e, opts)
}

func (m *Manager) deleteLocked(ctx context.Context, e *entry, opts DeleteOptions) error {
	// Deletions run to completion once issued.
	ctx = context.WithoutCancel(ctx)
	record := &e.record
	podID := record.PodID

	// Failed pods keep their working bundles for post-mortem unless the
	// caller forces removal.
	keepBundles := record.Phase == v1.PhaseFailed && !opts.Force

	record.Phase = v1.PhaseStopping
	m.persist(record)

	var firstErr error
	for i := len(record.Workers) - 1; i >= 0; i-- {
		if err := m.deleteContainer(ctx, record.Workers[i], !keepBundles); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("worker %q: %w", record.Workers[i].Name, err)
		}
	}

	if record.NetnsPath != "" {
		if err := m.network.Detach(ctx, record.NetnsPath, podID, record.Network); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.teardownPause(ctx, record, !keepBundles)

	if firstErr != nil {
		record.markFailed(firstErr)
		m.persist(record)
		return firstErr
	}

	if keepBundles {
		// Preserve the pod directory for post-mortem; only the record goes.
		if err := os.Remove(m.dir.PodRecordPath(podID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to remove pod record", "pod", podID, "err", err)
		}
		m.mu.Lock()
		delete(m.pods, podID)
		m.mu.Unlock()
	} else {
		m.forget(podID)
	}
	m.logger.InfoContext(ctx, "deleted pod", "pod", podID)
	return nil
}

// Exec runs a command in a named container of a Running pod and returns the
// process exit code.
func (m *Manager) Exec(ctx context.Context, podID, containerName string, spec oci.ExecSpec) (int, error) {
	e, err := m.lookup(podID)
	if err != nil {
		return -1, err
	}

	e.mu.Lock()
	if e.record.Phase != v1.PhaseRunning {
		phase := e.record.Phase
		e.mu.Unlock()
		return -1, fmt.Errorf("%w: pod %q is %s", errdefs.ErrNotRunning, podID, phase)
	}
	worker := e.record.Worker(containerName)
	if worker == nil {
		e.mu.Unlock()
		return -1, fmt.Errorf("%w: %q in pod %q", errdefs.ErrContainerNotFound, containerName, podID)
	}
	runtimeID := worker.RuntimeID
	e.mu.Unlock()

	// Exec may be interactive and long-lived; it runs outside the pod lock.
	return m.runtime.Exec(ctx, runtimeID, spec)
}

// List returns a snapshot of all pod records, sorted by pod id.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.pods))
	for _, e := range m.pods {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.record.clone())
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PodID < records[j].PodID })
	return records, nil
}

// Run is create followed by start.
func (m *Manager) Run(ctx context.Context, doc *v1.PodDoc) (Record, error) {
	if _, err := m.Create(ctx, doc); err != nil {
		return Record{}, err
	}
	return m.Start(ctx, doc.Metadata.Name, StartOptions{})
}
