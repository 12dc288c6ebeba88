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

package v1_test

import (
	"testing"

	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

func TestParseCPUMillis(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{name: "millicores", in: "500m", want: 500},
		{name: "one core", in: "1", want: 1000},
		{name: "fractional core", in: "0.5", want: 500},
		{name: "two cores", in: "2", want: 2000},
		{name: "zero", in: "0", wantErr: true},
		{name: "negative millicores", in: "-100m", wantErr: true},
		{name: "garbage", in: "lots", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v1.ParseCPUMillis(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCPUMillis(%q) = %d, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCPUMillis(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseCPUMillis(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseMemoryBytes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{name: "mebibytes", in: "512Mi", want: 536870912},
		{name: "gibibytes", in: "1Gi", want: 1073741824},
		{name: "kibibytes", in: "4Ki", want: 4096},
		{name: "decimal megabytes", in: "100M", want: 100000000},
		{name: "plain bytes", in: "2048", want: 2048},
		{name: "zero", in: "0", wantErr: true},
		{name: "negative", in: "-1Mi", wantErr: true},
		{name: "unknown suffix", in: "10Qi", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v1.ParseMemoryBytes(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseMemoryBytes(%q) = %d, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMemoryBytes(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMemoryBytes(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestResourceListParse(t *testing.T) {
	list := &v1.ResourceList{CPU: "500m", Memory: "512Mi", Pids: "64"}
	limits, err := list.Parse()
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if limits.CPUMilli != 500 {
		t.Errorf("CPUMilli = %d, want 500", limits.CPUMilli)
	}
	if limits.MemoryBytes != 536870912 {
		t.Errorf("MemoryBytes = %d, want 536870912", limits.MemoryBytes)
	}
	if limits.PidsMax != 64 {
		t.Errorf("PidsMax = %d, want 64", limits.PidsMax)
	}

	var nilList *v1.ResourceList
	if limits, err = nilList.Parse(); err != nil || limits != (v1.Limits{}) {
		t.Errorf("nil Parse() = %+v, %v, want zero limits and no error", limits, err)
	}
}
