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

package state_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/libradev/libra/internal/state"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestOpenCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "libra")
	dir, err := state.Open(root)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	for _, sub := range []string{"pods", "containers", "compose", "networks", "runc"} {
		if _, err := os.Stat(filepath.Join(root, sub)); err != nil {
			t.Errorf("missing %s: %v", sub, err)
		}
	}
	if dir.RuntimeRoot() != filepath.Join(root, "runc") {
		t.Errorf("RuntimeRoot() = %q", dir.RuntimeRoot())
	}

	if _, err := state.Open(""); err == nil {
		t.Error("Open(\"\") should fail")
	}
}

func TestWriteReadRecord(t *testing.T) {
	dir, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	file := dir.PodRecordPath("pod-a")
	in := sample{Name: "pod-a", Count: 3}
	if err := state.WriteRecord(file, in); err != nil {
		t.Fatalf("WriteRecord() error: %v", err)
	}

	out, err := state.ReadRecord[sample](file)
	if err != nil {
		t.Fatalf("ReadRecord() error: %v", err)
	}
	if out != in {
		t.Errorf("ReadRecord() = %+v, want %+v", out, in)
	}

	// No temp files may survive the atomic write.
	entries, err := os.ReadDir(filepath.Dir(file))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "record.json" {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}

	if _, err := state.ReadRecord[sample](dir.PodRecordPath("ghost")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadRecord() on missing file = %v, want os.ErrNotExist", err)
	}
}

func TestSpecHashStable(t *testing.T) {
	a := sample{Name: "x", Count: 1}
	h1, err := state.SpecHash(a)
	if err != nil {
		t.Fatalf("SpecHash() error: %v", err)
	}
	h2, _ := state.SpecHash(sample{Name: "x", Count: 1})
	if h1 != h2 {
		t.Errorf("hash not stable: %q vs %q", h1, h2)
	}
	if len(h1) != 12 {
		t.Errorf("hash length = %d, want 12", len(h1))
	}
	h3, _ := state.SpecHash(sample{Name: "x", Count: 2})
	if h1 == h3 {
		t.Error("different specs must hash differently")
	}
}

func TestWriteSpecSnapshotReplacesOld(t *testing.T) {
	dir := t.TempDir()

	h1, err := state.WriteSpecSnapshot(dir, sample{Name: "a", Count: 1})
	if err != nil {
		t.Fatalf("WriteSpecSnapshot() error: %v", err)
	}
	h2, err := state.WriteSpecSnapshot(dir, sample{Name: "a", Count: 2})
	if err != nil {
		t.Fatalf("WriteSpecSnapshot() error: %v", err)
	}
	if h1 == h2 {
		t.Fatal("expected distinct hashes")
	}

	if _, err := os.Stat(filepath.Join(dir, "spec."+h1+".json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("old snapshot still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "spec."+h2+".json")); err != nil {
		t.Errorf("new snapshot missing: %v", err)
	}
}
