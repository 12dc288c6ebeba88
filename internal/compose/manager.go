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

// Package compose translates a compose-style application into an ordered
// container plan and runs it through the container task manager. Services
// start in dependency order and stop in reverse.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/libradev/libra/internal/container"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/network"
	"github.com/libradev/libra/internal/state"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// ServiceRecord maps a service to its realized container.
type ServiceRecord struct {
	Service   string `json:"service"`
	Container string `json:"container"`
}

// Record is the on-disk state of one compose project.
type Record struct {
	Project string `json:"project"`
	File    string `json:"file"`
	// Services are recorded in start order; down walks them backwards.
	Services []ServiceRecord `json:"services"`
	// Networks this project created (and so may remove on down).
	Networks  []string  `json:"networks,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Manager is the compose translator.
type Manager struct {
	logger     *slog.Logger
	containers *container.Manager
	network    *network.Service
	dir        *state.Dir
}

// NewManager wires the compose translator.
func NewManager(
	logger *slog.Logger,
	containers *container.Manager,
	netsvc *network.Service,
	dir *state.Dir,
) *Manager {
	return &Manager{
		logger:     logger,
		containers: containers,
		network:    netsvc,
		dir:        dir,
	}
}

// ProjectName derives the project name: an explicit override wins, then the
// compose file's name field, then the directory holding the file.
func ProjectName(override string, doc *v1.ComposeDoc, file string) string {
	if override != "" {
		return override
	}
	if doc != nil && doc.Name != "" {
		return doc.Name
	}
	dir := filepath.Base(filepath.Dir(file))
	if dir == "." || dir == string(filepath.Separator) {
		return "default"
	}
	return strings.ToLower(dir)
}

// Up starts the application: networks first, then every service in
// dependency order. The project record is persisted incrementally so Down
// can clean up after a partial failure.
func (m *Manager) Up(ctx context.Context, doc *v1.ComposeDoc, project, file string) (Record, error) {
	if err := doc.Validate(); err != nil {
		return Record{}, err
	}
	if err := v1.ValidateName(project); err != nil {
		return Record{}, err
	}

	order, err := StartOrder(doc.Services)
	if err != nil {
		return Record{}, err
	}

	if _, err := state.ReadRecord[Record](m.dir.ComposeRecordPath(project)); err == nil {
		return Record{}, fmt.Errorf("%w: project %q", errdefs.ErrAlreadyExists, project)
	}

	record := Record{
		Project:   project,
		File:      file,
		CreatedAt: time.Now().UTC(),
	}
	projectDir := filepath.Dir(file)

	// Networks. A project without network declarations gets one default
	// bridge network shared by all its services.
	networks := doc.Networks
	defaultNetwork := ""
	if len(networks) == 0 {
		defaultNetwork = v1.DefaultNetworkName(project)
		if err := m.ensureNetwork(&record, defaultNetwork, "bridge", nil); err != nil {
			return record, err
		}
	}
	for name, net := range networks {
		driver := net.Driver
		if driver == "" {
			driver = "bridge"
		}
		if err := m.ensureNetwork(&record, name, driver, net.Options); err != nil {
			return record, err
		}
	}

	for _, service := range order {
		networkName := defaultNetwork
		if svcNets := doc.Services[service].Networks; len(svcNets) > 0 {
			networkName = svcNets[0]
		}

		containerDoc, err := translateService(doc, project, projectDir, service, networkName)
		if err != nil {
			return record, err
		}

		if _, err := m.containers.Create(ctx, containerDoc); err != nil {
			return record, fmt.Errorf("service %q: %w", service, err)
		}
		record.Services = append(record.Services, ServiceRecord{
			Service:   service,
			Container: containerDoc.Spec.Name,
		})
		m.persist(&record)

		if _, err := m.containers.Start(ctx, containerDoc.Spec.Name); err != nil {
			return record, fmt.Errorf("service %q: %w", service, err)
		}
		m.logger.InfoContext(ctx, "service up",
			"project", project, "service", service, "container", containerDoc.Spec.Name)
	}

	m.persist(&record)
	return record, nil
}

func (m *Manager) ensureNetwork(record *Record, name, driver string, options map[string]string) error {
	exists, err := m.network.Exists(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.network.CreateNetwork(name, driver, options, record.Project); err != nil {
		return err
	}
	record.Networks = append(record.Networks, name)
	m.persist(record)
	return nil
}

func (m *Manager) persist(record *Record) {
	if err := state.WriteRecord(m.dir.ComposeRecordPath(record.Project), record); err != nil {
		m.logger.Error("failed to persist project record", "project", record.Project, "err", err)
	}
}

// Down deletes the project's containers in reverse start order, then the
// networks the project created, provided nothing else holds an attachment.
func (m *Manager) Down(ctx context.Context, project string) error {
	record, err := state.ReadRecord[Record](m.dir.ComposeRecordPath(project))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: project %q", errdefs.ErrNotFound, project)
		}
		return err
	}

	var firstErr error
	for i := len(record.Services) - 1; i >= 0; i-- {
		svc := record.Services[i]
		if err := m.containers.Delete(ctx, svc.Container, container.DeleteOptions{Force: true}); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("service %q: %w", svc.Service, err)
			}
			continue
		}
		m.logger.InfoContext(ctx, "service down", "project", project, "service", svc.Service)
	}

	for _, name := range record.Networks {
		if err := m.network.DeleteNetwork(name); err != nil {
			if errors.Is(err, errdefs.ErrNetworkInUse) || errors.Is(err, errdefs.ErrNetworkNotFound) {
				// Some other workload still uses it, or it is already gone;
				// the project no longer owns the decision.
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}
	return os.RemoveAll(m.dir.ComposeDir(project))
}

// Ps reports the observed state of every service container in start order.
func (m *Manager) Ps(ctx context.Context, project string) ([]container.Record, error) {
	record, err := state.ReadRecord[Record](m.dir.ComposeRecordPath(project))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: project %q", errdefs.ErrNotFound, project)
		}
		return nil, err
	}

	out := make([]container.Record, 0, len(record.Services))
	for _, svc := range record.Services {
		st, err := m.containers.State(ctx, svc.Container)
		if err != nil {
			if errors.Is(err, errdefs.ErrContainerNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
