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

package compose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/libradev/libra/internal/errdefs"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// StartOrder orders services so every dependency starts before its
// dependents (Kahn's algorithm). Ties break alphabetically so the plan is
// deterministic. A dependency cycle fails with ErrCycleDetected naming the
// services still stuck on the cycle.
func StartOrder(services map[string]v1.ServiceSpec) ([]string, error) {
	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string, len(services))
	for name, svc := range services {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range svc.DependsOn {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(services))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(services))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := append([]string(nil), dependents[name]...)
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(order) != len(services) {
		stuck := make([]string, 0, len(services)-len(order))
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", errdefs.ErrCycleDetected, strings.Join(stuck, " -> "))
	}
	return order, nil
}

func insertSorted(list []string, value string) []string {
	i := sort.SearchStrings(list, value)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = value
	return list
}
