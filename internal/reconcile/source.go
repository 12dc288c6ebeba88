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

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/libradev/libra/internal/apply/parser"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// Source supplies the desired pod set. The directory watcher and the node
// agent both implement it, so the reconcile loop is shared between daemon
// and cluster mode.
type Source interface {
	// Desired returns the desired pods keyed by pod name.
	Desired(ctx context.Context) (map[string]*v1.PodDoc, error)
	// Events signals that the desired set may have changed. A nil channel
	// means the reconciler relies on its periodic timer alone.
	Events() <-chan struct{}
	Close() error
}

// DirSource reads pod manifests from a directory and watches it for changes.
type DirSource struct {
	logger  *slog.Logger
	dir     string
	watcher *fsnotify.Watcher
	events  chan struct{}
}

// NewDirSource opens the manifest directory and starts watching it.
func NewDirSource(logger *slog.Logger, dir string) (*DirSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create manifest watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &DirSource{
		logger:  logger,
		dir:     dir,
		watcher: watcher,
		events:  make(chan struct{}, 1),
	}
	go s.pump()
	return s, nil
}

// pump folds watcher events into the single coalescing notification channel.
func (s *DirSource) pump() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				close(s.events)
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case s.events <- struct{}{}:
			default: // a notification is already pending
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				close(s.events)
				return
			}
			s.logger.Warn("manifest watcher error", "dir", s.dir, "err", err)
		}
	}
}

// Desired parses every manifest in the directory. Unparseable files are
// skipped with a warning so one bad manifest cannot wedge the node; two
// manifests naming the same pod keep the first (by file name) and warn.
func (s *DirSource) Desired(_ context.Context) (map[string]*v1.PodDoc, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	desired := make(map[string]*v1.PodDoc)
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		doc, err := parser.ParsePodFile(path)
		if err != nil {
			s.logger.Warn("skipping manifest", "file", path, "err", err)
			continue
		}
		if _, dup := desired[doc.Metadata.Name]; dup {
			s.logger.Warn("duplicate pod manifest ignored",
				"file", path, "pod", doc.Metadata.Name)
			continue
		}
		desired[doc.Metadata.Name] = doc
	}
	return desired, nil
}

func isManifest(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Events returns the coalescing change channel.
func (s *DirSource) Events() <-chan struct{} { return s.events }

// Close stops the watcher.
func (s *DirSource) Close() error { return s.watcher.Close() }
