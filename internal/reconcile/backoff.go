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
	"time"
)

const (
	backoffInitial = time.Second
	backoffCap     = 30 * time.Second
)

// Delay returns the inter-attempt delay after n consecutive failures:
// doubling from 1s, capped at 30s.
func Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := backoffInitial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// backoff tracks per-pod retry state.
type backoff struct {
	failures int
	notUntil time.Time
	// terminalHash marks a spec hash whose errors cannot be retried away;
	// only a changed spec clears it.
	terminalHash string
}

func (b *backoff) fail(now time.Time) {
	b.failures++
	b.notUntil = now.Add(Delay(b.failures))
}

func (b *backoff) ready(now time.Time) bool {
	return !now.Before(b.notUntil)
}
