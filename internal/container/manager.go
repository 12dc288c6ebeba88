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

// Package container is the task manager for standalone containers: the pod
// manager's simpler sibling, without pause or namespace sharing. Each
// container gets fresh namespaces and its own CNI attachment, or joins the
// host network when the spec says so.
package container

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
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/libradev/libra/internal/bundle"
	"github.com/libradev/libra/internal/cgroups"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/network"
	"github.com/libradev/libra/internal/oci"
	"github.com/libradev/libra/internal/state"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Force removes working bundles even for Failed containers.
	Force bool
}

// Record is the authoritative per-container state, mirrored to disk.
type Record struct {
	Name       string    `json:"name"`
	UID        string    `json:"uid"`
	Phase      v1.Phase  `json:"phase"`
	RuntimeID  string    `json:"runtimeId"`
	BundleDir  string    `json:"bundleDir"`
	CgroupPath string    `json:"cgroupPath"`
	NetnsPath  string    `json:"netnsPath,omitempty"`
	Network    string    `json:"network,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	SpecHash   string    `json:"specHash"`
	CreatedAt  time.Time `json:"createdAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// Manager is the standalone-container task manager.
type Manager struct {
	logger   *slog.Logger
	runtime  oci.Runtime
	cgroups  cgroups.Programmer
	composer *bundle.Composer
	network  *network.Service
	dir      *state.Dir

	mu         sync.RWMutex
	containers map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// NewManager wires the container task manager.
func NewManager(
	logger *slog.Logger,
	runtime oci.Runtime,
	programmer cgroups.Programmer,
	composer *bundle.Composer,
	netsvc *network.Service,
	dir *state.Dir,
) *Manager {
	return &Manager{
		logger:     logger,
		runtime:    runtime,
		cgroups:    programmer,
		composer:   composer,
		network:    netsvc,
		dir:        dir,
		containers: make(map[string]*entry),
	}
}

// Load restores container records from the state directory.
func (m *Manager) Load(ctx context.Context) error {
	names, err := m.dir.ListNames("containers")
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		record, err := state.ReadRecord[Record](m.dir.ContainerRecordPath(name))
		if err != nil {
			m.logger.WarnContext(ctx, "skipping unreadable container record", "container", name, "err", err)
			continue
		}
		m.containers[record.Name] = &entry{record: record}
	}
	return nil
}

func (m *Manager) persist(record *Record) {
	if err := state.WriteRecord(m.dir.ContainerRecordPath(record.Name), record); err != nil {
		m.logger.Error("failed to persist container record", "container", record.Name, "err", err)
	}
}

// Create realizes the container up to phase Created. Duplicate names return
// the existing record and ErrAlreadyExists without side effects.
func (m *Manager) Create(ctx context.Context, doc *v1.ContainerDoc) (Record, error) {
	if err := doc.Validate(); err != nil {
		return Record{}, err
	}
	name := doc.Spec.Name

	// Live identifiers are shared with pods.
	if _, err := os.Stat(m.dir.PodRecordPath(name)); err == nil {
		return Record{}, fmt.Errorf("%w: %q is a live pod", errdefs.ErrAlreadyExists, name)
	}

	m.mu.Lock()
	if existing, ok := m.containers[name]; ok {
		m.mu.Unlock()
		existing.mu.Lock()
		record := existing.record
		existing.mu.Unlock()
		return record, fmt.Errorf("%w: container %q", errdefs.ErrAlreadyExists, name)
	}
	e := &entry{}
	e.mu.Lock()
	m.containers[name] = e
	m.mu.Unlock()
	defer e.mu.Unlock()

	record, err := m.create(ctx, doc)
	if err != nil {
		if record.Phase == v1.PhaseFailed {
			e.record = record
			m.persist(&record)
			return record, err
		}
		m.forget(name)
		return Record{}, err
	}
	e.record = record
	m.logger.InfoContext(ctx, "created container", "container", name, "ip", record.IPAddress)
	return record, nil
}

func (m *Manager) create(ctx context.Context, doc *v1.ContainerDoc) (Record, error) {
	name := doc.Spec.Name
	hostNetwork := doc.Network == v1.NetworkHost

	hash, err := state.WriteSpecSnapshot(m.dir.ContainerDir(name), doc)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", errdefs.ErrWriteRecord, err)
	}

	record := Record{
		Name:      name,
		UID:       uuid.NewString(),
		Phase:     v1.PhaseCreating,
		RuntimeID: name,
		SpecHash:  hash,
		CreatedAt: time.Now().UTC(),
	}
	if !hostNetwork {
		record.Network = doc.Network
	}
	m.persist(&record)

	group := cgroups.GroupPath(name, "main")
	record.CgroupPath = group

	var limits v1.Limits
	if doc.Spec.Resources != nil && doc.Spec.Resources.Limits != nil {
		if limits, err = doc.Spec.Resources.Limits.Parse(); err != nil {
			err = fmt.Errorf("%w: %w", errdefs.ErrSpecInvalid, err)
			record.markFailed(err)
			return record, err
		}
	}

	namespaces := namespacesFor(hostNetwork)
	workDir, err := m.composer.Compose(bundle.Input{
		SourceBundle: doc.Spec.Image,
		WorkDir:      filepath.Join(m.dir.ContainerBundleDir(name), name),
		Hostname:     name,
		Args:         doc.Spec.Args,
		Env:          doc.Spec.Env,
		Mounts:       doc.Spec.Mounts,
		Namespaces:   namespaces,
		CgroupsPath:  group,
	})
	if err != nil {
		record.markFailed(err)
		return record, err
	}
	record.BundleDir = workDir

	if err := m.cgroups.Ensure(group, limits); err != nil {
		record.markFailed(err)
		return record, err
	}
	if err := m.runtime.Create(ctx, record.RuntimeID, workDir); err != nil {
		record.markFailed(err)
		return record, err
	}

	if !hostNetwork {
		st, err := m.runtime.State(ctx, record.RuntimeID)
		if err == nil && st.PID == 0 {
			err = fmt.Errorf("container %q reports no pid", record.RuntimeID)
		}
		if err != nil {
			shareErr := fmt.Errorf("%w: %w", errdefs.ErrNamespaceShareFailed, err)
			m.teardown(ctx, &record, true)
			record.Phase = v1.PhaseDeleted
			return record, shareErr
		}
		record.NetnsPath = bundle.NetnsPath(st.PID)

		attachment, err := m.network.Attach(ctx, record.NetnsPath, name, record.Network)
		if err != nil {
			m.teardown(ctx, &record, true)
			record.Phase = v1.PhaseDeleted
			return record, err
		}
		record.IPAddress = attachment.IP
	}

	record.Phase = v1.PhaseCreated
	m.persist(&record)
	return record, nil
}

// namespacesFor drops the fresh network namespace when the container joins
// the host network.
func namespacesFor(hostNetwork bool) []specs.LinuxNamespace {
	fresh := bundle.FreshNamespaces()
	if !hostNetwork {
		return fresh
	}
	out := make([]specs.LinuxNamespace, 0, len(fresh)-1)
	for _, ns := range fresh {
		if ns.Type == specs.NetworkNamespace {
			continue
		}
		out = append(out, ns)
	}
	return out
}

func (r *Record) markFailed(err error) {
	r.Phase = v1.PhaseFailed
	r.LastError = err.Error()
}

// Start moves a Created container to Running.
func (m *Manager) Start(ctx context.Context, name string) (Record, error) {
	e, err := m.lookup(name)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Phase != v1.PhaseCreated {
		return e.record, fmt.Errorf("%w: container %q is %s",
			errdefs.ErrNotCreated, name, e.record.Phase)
	}
	e.record.Phase = v1.PhaseStarting
	m.persist(&e.record)

	if err := m.runtime.Start(ctx, e.record.RuntimeID); err != nil {
		e.record.markFailed(err)
		m.persist(&e.record)
		return e.record, err
	}

	e.record.Phase = v1.PhaseRunning
	e.record.LastError = ""
	m.persist(&e.record)
	m.logger.InfoContext(ctx, "container running", "container", name)
	return e.record, nil
}

// State refreshes the phase from the runtime.
func (m *Manager) State(ctx context.Context, name string) (Record, error) {
	e, err := m.lookup(name)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := m.runtime.State(ctx, e.record.RuntimeID)
	var phase v1.Phase
	switch {
	case err != nil:
		phase = v1.PhaseDeleted
	case st.Status == oci.StatusCreated || st.Status == oci.StatusCreating:
		phase = v1.PhaseCreated
	case st.Status == oci.StatusRunning:
		phase = v1.PhaseRunning
	case st.Status == oci.StatusStopped:
		if e.record.Phase == v1.PhaseRunning || e.record.Phase == v1.PhaseStopping {
			phase = v1.PhaseStopping
		} else {
			phase = v1.PhaseFailed
		}
	default:
		phase = e.record.Phase
	}
	if phase != e.record.Phase {
		e.record.Phase = phase
		m.persist(&e.record)
	}
	return e.record, nil
}

// Delete tears the container down. Deleting an unknown name succeeds
// silently, matching the pod manager.
func (m *Manager) Delete(ctx context.Context, name string, opts DeleteOptions) error {
	m.mu.RLock()
	e, ok := m.containers[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	keepBundle := e.record.Phase == v1.PhaseFailed && !opts.Force

	if e.record.NetnsPath != "" {
		if err := m.network.Detach(ctx, e.record.NetnsPath, name, e.record.Network); err != nil {
			m.logger.Warn("failed to detach container network", "container", name, "err", err)
		}
	}
	m.teardown(ctx, &e.record, !keepBundle)

	if keepBundle {
		if err := os.Remove(m.dir.ContainerRecordPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to remove container record", "container", name, "err", err)
		}
		m.mu.Lock()
		delete(m.containers, name)
		m.mu.Unlock()
	} else {
		m.forget(name)
	}
	m.logger.InfoContext(ctx, "deleted container", "container", name)
	return nil
}

// teardown kills and deletes the runtime container, then its cgroup and,
// optionally, its bundle. Best effort; errors are logged.
func (m *Manager) teardown(ctx context.Context, record *Record, removeBundle bool) {
	_ = m.runtime.Kill(ctx, record.RuntimeID, syscall.SIGKILL, true)
	if err := m.runtime.Delete(ctx, record.RuntimeID, true); err != nil &&
		!errors.Is(err, errdefs.ErrContainerNotFound) {
		m.logger.Warn("failed to delete runtime container", "container", record.Name, "err", err)
	}
	if record.CgroupPath != "" {
		if err := m.cgroups.Delete(record.CgroupPath); err != nil {
			m.logger.Warn("failed to delete container cgroup", "container", record.Name, "err", err)
		}
	}
	if removeBundle && record.BundleDir != "" {
		_ = bundle.Cleanup(record.BundleDir)
	}
}

// Exec runs a command in a Running container.
func (m *Manager) Exec(ctx context.Context, name string, spec oci.ExecSpec) (int, error) {
	e, err := m.lookup(name)
	if err != nil {
		return -1, err
	}
	e.mu.Lock()
	if e.record.Phase != v1.PhaseRunning {
		phase := e.record.Phase
		e.mu.Unlock()
		return -1, fmt.Errorf("%w: container %q is %s", errdefs.ErrNotRunning, name, phase)
	}
	runtimeID := e.record.RuntimeID
	e.mu.Unlock()

	return m.runtime.Exec(ctx, runtimeID, spec)
}

// List returns a snapshot of all container records, sorted by name.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.containers))
	for _, e := range m.containers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.record)
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Run is create followed by start.
func (m *Manager) Run(ctx context.Context, doc *v1.ContainerDoc) (Record, error) {
	if _, err := m.Create(ctx, doc); err != nil {
		return Record{}, err
	}
	return m.Start(ctx, doc.Spec.Name)
}

func (m *Manager) lookup(name string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrContainerNotFound, name)
	}
	return e, nil
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.containers, name)
	m.mu.Unlock()
	if err := os.RemoveAll(m.dir.ContainerDir(name)); err != nil {
		m.logger.Warn("failed to remove container state dir", "container", name, "err", err)
	}
}
