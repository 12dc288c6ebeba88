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

package v1

import (
	"fmt"
	"strconv"
	"strings"
)

// Limits is the parsed form of a ResourceList, in the units the cgroup
// programmer consumes directly.
type Limits struct {
	CPUMilli    int64
	MemoryBytes int64
	PidsMax     int64
}

// Parse converts the quantity strings to concrete units. Empty fields stay
// zero, meaning unlimited.
func (r *ResourceList) Parse() (Limits, error) {
	var out Limits
	if r == nil {
		return out, nil
	}
	var err error
	if r.CPU != "" {
		if out.CPUMilli, err = ParseCPUMillis(r.CPU); err != nil {
			return Limits{}, err
		}
	}
	if r.Memory != "" {
		if out.MemoryBytes, err = ParseMemoryBytes(r.Memory); err != nil {
			return Limits{}, err
		}
	}
	if r.Pids != "" {
		if out.PidsMax, err = strconv.ParseInt(r.Pids, 10, 64); err != nil || out.PidsMax <= 0 {
			return Limits{}, fmt.Errorf("invalid pids limit %q", r.Pids)
		}
	}
	return out, nil
}

// ParseCPUMillis accepts either whole/fractional cores ("1", "0.5") or
// millicores with an "m" suffix ("500m") and returns millicores.
func ParseCPUMillis(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty cpu quantity")
	}
	if strings.HasSuffix(s, "m") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid cpu quantity %q", s)
		}
		return n, nil
	}
	cores, err := strconv.ParseFloat(s, 64)
	if err != nil || cores <= 0 {
		return 0, fmt.Errorf("invalid cpu quantity %q", s)
	}
	return int64(cores * 1000), nil
}

var memorySuffixes = []struct {
	suffix string
	factor int64
}{
	{"Ki", 1 << 10},
	{"Mi", 1 << 20},
	{"Gi", 1 << 30},
	{"Ti", 1 << 40},
	{"K", 1000},
	{"M", 1000 * 1000},
	{"G", 1000 * 1000 * 1000},
	{"T", 1000 * 1000 * 1000 * 1000},
}

// ParseMemoryBytes accepts plain byte counts or binary/decimal suffixed
// quantities ("512Mi", "1Gi", "100M") and returns bytes.
func ParseMemoryBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory quantity")
	}
	for _, ms := range memorySuffixes {
		if strings.HasSuffix(s, ms.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, ms.suffix), 10, 64)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid memory quantity %q", s)
			}
			return n * ms.factor, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory quantity %q", s)
	}
	return n, nil
}
