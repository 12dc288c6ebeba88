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

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/libradev/libra/internal/logging"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

func assignment(t *testing.T, op, name string) string {
	t.Helper()
	msg := Assignment{Op: op, Name: name}
	if op == opApply {
		msg.Name = ""
		msg.Pod = &v1.PodDoc{
			APIVersion: v1.APIVersion,
			Kind:       v1.KindPod,
			Metadata: v1.PodMetadata{
				Name:   name,
				Labels: map[string]string{"bundle": "./bundles/pause"},
			},
			Spec: v1.PodSpec{
				Containers: []v1.ContainerSpec{
					{Name: "w1", Image: "./bundles/busybox"},
				},
			},
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return string(data) + "\n"
}

func TestWatchAccumulatesDesired(t *testing.T) {
	lines := []string{
		assignment(t, opApply, "pod-a"),
		assignment(t, opApply, "pod-b"),
		assignment(t, opRemove, "pod-a"),
		`{"op":"apply"}` + "\n",   // apply without pod: ignored
		"not json at all\n",       // malformed line: ignored
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/nodes/node-1/pods" || r.URL.Query().Get("watch") != "true" {
			http.NotFound(w, r)
			return
		}
		flusher := w.(http.Flusher)
		for _, line := range lines {
			_, _ = w.Write([]byte(line))
			flusher.Flush()
		}
		// Hold the stream open briefly so the client reads everything.
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	source := NewSource(logging.NewNoopLogger(), server.URL, "node-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = source.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		desired, err := source.Desired(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(desired) == 1 && desired["pod-b"] != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("desired never converged: %v", desired)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Applying and removing must have signalled the events channel at
	// least once.
	select {
	case <-source.Events():
	default:
		t.Error("no pending event notification")
	}
}

func TestWatchRejectsInvalidPod(t *testing.T) {
	invalid := Assignment{Op: opApply, Pod: &v1.PodDoc{
		APIVersion: v1.APIVersion,
		Kind:       v1.KindPod,
		Metadata:   v1.PodMetadata{Name: "bad"},
	}}
	data, _ := json.Marshal(invalid)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(append(data, '\n'))
	}))
	defer server.Close()

	source := NewSource(logging.NewNoopLogger(), server.URL, "node-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = source.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	desired, err := source.Desired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(desired) != 0 {
		t.Errorf("invalid pod accepted: %v", desired)
	}
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := reconnectDelay(tt.failures); got != tt.want {
			t.Errorf("reconnectDelay(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}
