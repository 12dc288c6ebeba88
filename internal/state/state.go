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

// Package state owns the node state directory: the crash-recovery rendezvous
// for pods, standalone containers, compose projects and networks. Record
// files are always written atomically (tempfile then rename) so a crashed
// writer never leaves a torn record behind.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	recordFile = "record.json"
	dirPerm    = 0o700
	filePerm   = 0o644
)

// Dir is a node-scoped state directory.
type Dir struct {
	Root string
}

// Open ensures the state root and its fixed subdirectories exist.
func Open(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("state root is required")
	}
	for _, sub := range []string{"", "pods", "containers", "compose", "networks", "runc"} {
		if err := os.MkdirAll(filepath.Join(root, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &Dir{Root: root}, nil
}

func (d *Dir) PodDir(podID string) string       { return filepath.Join(d.Root, "pods", podID) }
func (d *Dir) PodRecordPath(podID string) string {
	return filepath.Join(d.PodDir(podID), recordFile)
}

// PodBundleDir is where composed working bundles for a pod's containers live.
func (d *Dir) PodBundleDir(podID string) string {
	return filepath.Join(d.PodDir(podID), "bundles")
}

func (d *Dir) ContainerDir(name string) string {
	return filepath.Join(d.Root, "containers", name)
}

func (d *Dir) ContainerRecordPath(name string) string {
	return filepath.Join(d.ContainerDir(name), recordFile)
}

func (d *Dir) ContainerBundleDir(name string) string {
	return filepath.Join(d.ContainerDir(name), "bundles")
}

func (d *Dir) ComposeDir(project string) string {
	return filepath.Join(d.Root, "compose", project)
}

func (d *Dir) ComposeRecordPath(project string) string {
	return filepath.Join(d.ComposeDir(project), recordFile)
}

func (d *Dir) NetworkDir(name string) string {
	return filepath.Join(d.Root, "networks", name)
}

func (d *Dir) NetworkRecordPath(name string) string {
	return filepath.Join(d.NetworkDir(name), recordFile)
}

// RuntimeRoot is handed to the OCI runtime as its --root.
func (d *Dir) RuntimeRoot() string { return filepath.Join(d.Root, "runc") }

// ListNames returns the entry names under one of the fixed subdirectories,
// e.g. ListNames("pods"). A missing directory yields an empty list.
func (d *Dir) ListNames(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.Root, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// WriteRecord marshals v and writes it atomically to file, creating parent
// directories as needed.
func WriteRecord(file string, v any) error {
	if err := os.MkdirAll(filepath.Dir(file), dirPerm); err != nil {
		return fmt.Errorf("mkdir record dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", file, err)
	}
	data = append(data, '\n')
	if err := atomicWriteFile(file, data, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

// ReadRecord unmarshals a record file into T.
func ReadRecord[T any](file string) (T, error) {
	var out T
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, os.ErrNotExist
		}
		return out, fmt.Errorf("read %s: %w", file, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal %s: %w", file, err)
	}
	return out, nil
}

// atomicWriteFile writes to a temp file in the same dir, fsyncs, then renames.
func atomicWriteFile(file string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(file)

	f, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp) // safe if already renamed
	}()

	if err := f.Chmod(mode); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// SpecHash is the canonical content hash of a spec document: sha256 over its
// JSON serialization, truncated to 12 hex characters. Two specs with equal
// hashes are treated as the same desired state by the reconciler.
func SpecHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash spec: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12], nil
}

// WriteSpecSnapshot stores the canonical spec snapshot for a pod or container
// directory as spec.<hash>.json, dropping any previous snapshot.
func WriteSpecSnapshot(dir string, spec any) (string, error) {
	hash, err := SpecHash(spec)
	if err != nil {
		return "", err
	}
	old, _ := filepath.Glob(filepath.Join(dir, "spec.*.json"))
	if err := WriteRecord(filepath.Join(dir, fmt.Sprintf("spec.%s.json", hash)), spec); err != nil {
		return "", err
	}
	for _, f := range old {
		if filepath.Base(f) != fmt.Sprintf("spec.%s.json", hash) {
			_ = os.Remove(f)
		}
	}
	return hash, nil
}
