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

// Package network attaches pod network namespaces to named bridge networks
// through CNI and keeps the node's network and IPAM records. A network can
// only be deleted once no pod holds an attachment against it.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/libradev/libra/internal/cni"
	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/state"
)

// Record is the on-disk description of a node network.
type Record struct {
	Name      string    `json:"name"`
	Driver    string    `json:"driver"`
	Bridge    string    `json:"bridge"`
	Subnet    string    `json:"subnet"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment is one pod's IPAM record against a network.
type Attachment struct {
	PodID      string    `json:"podId"`
	Network    string    `json:"network"`
	NetnsPath  string    `json:"netnsPath"`
	IP         string    `json:"ip"`
	Gateway    string    `json:"gateway,omitempty"`
	Interface  string    `json:"interface,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
}

// Service is the node-local network service.
type Service struct {
	logger  *slog.Logger
	invoker cni.Invoker
	dir     *state.Dir

	mu sync.Mutex

	// deleteLink is swapped by tests; production deletes through netlink.
	deleteLink func(name string) error
}

// NewService returns a Service over the given CNI invoker and state dir.
func NewService(logger *slog.Logger, invoker cni.Invoker, dir *state.Dir) *Service {
	return &Service{
		logger:     logger,
		invoker:    invoker,
		dir:        dir,
		deleteLink: deleteBridgeLink,
	}
}

func deleteBridgeLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (s *Service) attachmentDir(network string) string {
	return filepath.Join(s.dir.NetworkDir(network), "attachments")
}

func (s *Service) attachmentPath(network, podID string) string {
	return filepath.Join(s.attachmentDir(network), podID+".json")
}

// resolve applies the default network name.
func resolve(network string) string {
	if strings.TrimSpace(network) == "" {
		return cni.DefaultNetworkName
	}
	return network
}

// EnsureDefault makes sure the node default network exists.
func (s *Service) EnsureDefault() error {
	return s.CreateNetwork(cni.DefaultNetworkName, "bridge", nil, "")
}

// CreateNetwork ensures a named bridge network exists. Idempotent: an
// existing network with the same name is left untouched.
func (s *Service) CreateNetwork(name, driver string, options map[string]string, createdBy string) error {
	name = resolve(name)
	if driver == "" {
		driver = "bridge"
	}
	if driver != "bridge" {
		return fmt.Errorf("%w: unsupported network driver %q", errdefs.ErrSpecInvalid, driver)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := state.ReadRecord[Record](s.dir.NetworkRecordPath(name)); err == nil {
		return nil
	}

	cfg := cni.NewNetworkConfig(name)
	if bridge := options["bridge"]; bridge != "" {
		cfg.BridgeName = bridge
	}
	if subnet := options["subnet"]; subnet != "" {
		cfg.SubnetCIDR = subnet
	}
	if _, err := s.invoker.EnsureNetworkConfig(cfg); err != nil {
		return fmt.Errorf("%w: network %q: %w", errdefs.ErrNetworkSetupFailed, name, err)
	}

	record := Record{
		Name:      name,
		Driver:    driver,
		Bridge:    cfg.BridgeName,
		Subnet:    cfg.SubnetCIDR,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := state.WriteRecord(s.dir.NetworkRecordPath(name), record); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrWriteRecord, err)
	}
	s.logger.Info("created network", "network", name, "bridge", cfg.BridgeName, "subnet", cfg.SubnetCIDR)
	return nil
}

// DeleteNetwork removes a network's conflist, bridge interface and record.
// It refuses while any pod still holds an attachment.
func (s *Service) DeleteNetwork(name string) error {
	name = resolve(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := state.ReadRecord[Record](s.dir.NetworkRecordPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", errdefs.ErrNetworkNotFound, name)
		}
		return err
	}

	attachments, err := s.attachments(name)
	if err != nil {
		return err
	}
	if len(attachments) > 0 {
		return fmt.Errorf("%w: network %q has %d attachments",
			errdefs.ErrNetworkInUse, name, len(attachments))
	}

	if err := s.invoker.RemoveNetworkConfig(name); err != nil {
		return fmt.Errorf("%w: network %q: %w", errdefs.ErrNetworkTeardownFailed, name, err)
	}
	if record.Bridge != "" {
		if err := s.deleteLink(record.Bridge); err != nil {
			return fmt.Errorf("%w: delete bridge %q: %w",
				errdefs.ErrNetworkTeardownFailed, record.Bridge, err)
		}
	}
	if err := os.RemoveAll(s.dir.NetworkDir(name)); err != nil {
		return err
	}
	s.logger.Info("deleted network", "network", name)
	return nil
}

// Attach runs CNI ADD for the pod's netns and records the IPAM assignment.
func (s *Service) Attach(ctx context.Context, netnsPath, podID, network string) (Attachment, error) {
	network = resolve(network)

	result, err := s.invoker.Add(ctx, network, podID, netnsPath)
	if err != nil {
		return Attachment{}, err
	}

	attachment := Attachment{
		PodID:      podID,
		Network:    network,
		NetnsPath:  netnsPath,
		IP:         result.IP,
		Gateway:    result.Gateway,
		Interface:  result.Interface,
		AttachedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	err = state.WriteRecord(s.attachmentPath(network, podID), attachment)
	s.mu.Unlock()
	if err != nil {
		// Roll the attachment back rather than leaking an IPAM lease the
		// records no longer know about.
		_ = s.invoker.Del(ctx, network, podID, netnsPath)
		return Attachment{}, fmt.Errorf("%w: %w", errdefs.ErrWriteRecord, err)
	}

	s.logger.Info("attached pod to network", "pod", podID, "network", network, "ip", attachment.IP)
	return attachment, nil
}

// Detach runs CNI DEL and drops the IPAM record. Detaching a pod that holds
// no record is not an error.
func (s *Service) Detach(ctx context.Context, netnsPath, podID, network string) error {
	network = resolve(network)

	if err := s.invoker.Del(ctx, network, podID, netnsPath); err != nil {
		if !errors.Is(err, errdefs.ErrNetworkNotFound) {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.attachmentPath(network, podID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.logger.Debug("detached pod from network", "pod", podID, "network", network)
	return nil
}

// Attachments lists the IPAM records held against a network.
func (s *Service) Attachments(network string) ([]Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachments(resolve(network))
}

func (s *Service) attachments(network string) ([]Attachment, error) {
	entries, err := os.ReadDir(s.attachmentDir(network))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Attachment, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		record, err := state.ReadRecord[Attachment](filepath.Join(s.attachmentDir(network), e.Name()))
		if err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// Exists reports whether a network record is present.
func (s *Service) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := state.ReadRecord[Record](s.dir.NetworkRecordPath(resolve(name))); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get returns a network record.
func (s *Service) Get(name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := state.ReadRecord[Record](s.dir.NetworkRecordPath(resolve(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %q", errdefs.ErrNetworkNotFound, name)
		}
		return Record{}, err
	}
	return record, nil
}
