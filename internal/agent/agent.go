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

// Package agent subscribes to the control plane for pod assignments targeted
// at this node and exposes them as a reconcile source, so cluster mode runs
// the same reconcile loop as the manifest-directory daemon.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/libradev/libra/internal/reconcile"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// Assignment is one message on the node's watch stream.
type Assignment struct {
	// Op is "apply" or "remove".
	Op string `json:"op"`
	// Name identifies the pod for remove operations.
	Name string `json:"name,omitempty"`
	// Pod carries the full spec for apply operations.
	Pod *v1.PodDoc `json:"pod,omitempty"`
}

const (
	opApply  = "apply"
	opRemove = "remove"

	reconnectInitial = time.Second
	reconnectCap     = 30 * time.Second
)

// Source accumulates control-plane assignments into a desired set.
type Source struct {
	logger *slog.Logger
	server string
	node   string
	client *http.Client

	mu      sync.RWMutex
	desired map[string]*v1.PodDoc
	events  chan struct{}
	cancel  context.CancelFunc
}

var _ reconcile.Source = (*Source)(nil)

// NewSource builds a Source for one node against the control-plane server.
func NewSource(logger *slog.Logger, server, node string) *Source {
	return &Source{
		logger:  logger,
		server:  strings.TrimRight(server, "/"),
		node:    node,
		client:  &http.Client{},
		desired: make(map[string]*v1.PodDoc),
		events:  make(chan struct{}, 1),
	}
}

// Run maintains the watch connection until the context ends, reconnecting
// with the same doubling backoff the reconciler uses for pods.
func (s *Source) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	failures := 0
	for {
		if err := s.watch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := reconnectDelay(failures)
			s.logger.WarnContext(ctx, "watch stream lost, reconnecting",
				"server", s.server, "retryIn", delay.String(), "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
	}
}

func reconnectDelay(failures int) time.Duration {
	d := reconnectInitial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= reconnectCap {
			return reconnectCap
		}
	}
	return d
}

func (s *Source) watchURL() string {
	return fmt.Sprintf("%s/v1/nodes/%s/pods?watch=true", s.server, url.PathEscape(s.node))
}

// watch consumes one newline-delimited JSON assignment stream.
func (s *Source) watch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.watchURL(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch %s: unexpected status %s", s.watchURL(), resp.Status)
	}
	s.logger.InfoContext(ctx, "watching pod assignments", "server", s.server, "node", s.node)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var assignment Assignment
		if err := json.Unmarshal([]byte(line), &assignment); err != nil {
			s.logger.WarnContext(ctx, "skipping malformed assignment", "err", err)
			continue
		}
		s.apply(ctx, assignment)
	}
	return scanner.Err()
}

func (s *Source) apply(ctx context.Context, assignment Assignment) {
	switch assignment.Op {
	case opApply:
		if assignment.Pod == nil {
			s.logger.WarnContext(ctx, "apply assignment without pod spec")
			return
		}
		if err := assignment.Pod.Validate(); err != nil {
			s.logger.WarnContext(ctx, "rejecting invalid pod assignment",
				"pod", assignment.Pod.Metadata.Name, "err", err)
			return
		}
		s.mu.Lock()
		s.desired[assignment.Pod.Metadata.Name] = assignment.Pod
		s.mu.Unlock()
		s.notify()
	case opRemove:
		name := assignment.Name
		if name == "" && assignment.Pod != nil {
			name = assignment.Pod.Metadata.Name
		}
		if name == "" {
			return
		}
		s.mu.Lock()
		delete(s.desired, name)
		s.mu.Unlock()
		s.notify()
	default:
		s.logger.WarnContext(ctx, "unknown assignment op", "op", assignment.Op)
	}
}

func (s *Source) notify() {
	select {
	case s.events <- struct{}{}:
	default: // a notification is already pending
	}
}

// Desired returns a copy of the accumulated desired set.
func (s *Source) Desired(_ context.Context) (map[string]*v1.PodDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*v1.PodDoc, len(s.desired))
	for name, doc := range s.desired {
		out[name] = doc
	}
	return out, nil
}

// Events returns the coalescing change channel.
func (s *Source) Events() <-chan struct{} { return s.events }

// Close stops the watch connection.
func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
