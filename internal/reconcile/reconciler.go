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

// Package reconcile continuously drives the node's running pods toward a
// desired manifest set. Ticks are single-flighted; change notifications that
// arrive mid-tick coalesce into one follow-up tick. Failed pods are retried
// on an exponential backoff, except for errors only a spec edit can fix.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/libradev/libra/internal/errdefs"
	"github.com/libradev/libra/internal/pod"
	"github.com/libradev/libra/internal/state"
	v1 "github.com/libradev/libra/pkg/api/model/v1"
)

// PodManager is the slice of the pod task manager the reconciler drives.
type PodManager interface {
	Create(ctx context.Context, doc *v1.PodDoc) (pod.Record, error)
	Start(ctx context.Context, podID string, opts pod.StartOptions) (pod.Record, error)
	State(ctx context.Context, podID string) (pod.Record, error)
	Delete(ctx context.Context, podID string, opts pod.DeleteOptions) error
	List(ctx context.Context) ([]pod.Record, error)
}

// Options tunes the reconcile loop.
type Options struct {
	// Interval is the periodic tick interval; each wait is jittered by up
	// to ±10% so co-started daemons do not tick in lockstep.
	Interval time.Duration
}

const defaultInterval = 10 * time.Second

// Reconciler aligns observed pods with a desired set.
type Reconciler struct {
	logger   *slog.Logger
	source   Source
	pods     PodManager
	interval time.Duration

	attempts map[string]*backoff
	now      func() time.Time
}

// New builds a Reconciler over a source and pod manager.
func New(logger *slog.Logger, source Source, pods PodManager, opts Options) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		logger:   logger,
		source:   source,
		pods:     pods,
		interval: interval,
		attempts: make(map[string]*backoff),
		now:      time.Now,
	}
}

// Run ticks until the context ends. Ticks run synchronously in this
// goroutine, so one tick can never overlap its predecessor; notifications
// arriving while a tick runs coalesce in the source's buffered channel.
func (r *Reconciler) Run(ctx context.Context) error {
	timer := time.NewTimer(r.jittered())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-r.source.Events():
			if !ok {
				return errors.New("reconcile source closed")
			}
		case <-timer.C:
			timer.Reset(r.jittered())
		}
		if err := r.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "reconcile tick failed", "err", err)
		}
	}
}

func (r *Reconciler) jittered() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(r.interval)/5)) - r.interval/10
	return r.interval + jitter
}

// Tick runs one reconcile pass: create what is missing, delete what is no
// longer desired, recreate what drifted or failed.
func (r *Reconciler) Tick(ctx context.Context) error {
	desired, err := r.source.Desired(ctx)
	if err != nil {
		return err
	}

	observedList, err := r.pods.List(ctx)
	if err != nil {
		return err
	}
	observed := make(map[string]pod.Record, len(observedList))
	for _, record := range observedList {
		observed[record.PodID] = record
	}

	// No longer desired: delete.
	for podID := range observed {
		if _, ok := desired[podID]; ok {
			continue
		}
		r.logger.InfoContext(ctx, "reconcile: deleting pod", "pod", podID)
		if err := r.pods.Delete(ctx, podID, pod.DeleteOptions{Force: true}); err != nil {
			r.logger.ErrorContext(ctx, "reconcile: delete failed", "pod", podID, "err", err)
		}
		delete(r.attempts, podID)
	}

	for podID, doc := range desired {
		record, live := observed[podID]
		if !live {
			r.launch(ctx, podID, doc)
			continue
		}

		hash, err := state.SpecHash(doc)
		if err != nil {
			r.logger.ErrorContext(ctx, "reconcile: hash spec", "pod", podID, "err", err)
			continue
		}

		// Refresh the phase so crashes surface without waiting for a user
		// state query.
		if refreshed, err := r.pods.State(ctx, podID); err == nil {
			record = refreshed
		}

		switch {
		case hash != record.SpecHash:
			r.logger.InfoContext(ctx, "reconcile: spec changed, recreating",
				"pod", podID, "from", record.SpecHash, "to", hash)
			if err := r.pods.Delete(ctx, podID, pod.DeleteOptions{Force: true}); err != nil {
				r.logger.ErrorContext(ctx, "reconcile: delete for recreate failed",
					"pod", podID, "err", err)
				continue
			}
			delete(r.attempts, podID)
			r.launch(ctx, podID, doc)
		case record.Phase == v1.PhaseFailed:
			if !r.attempt(podID).ready(r.now()) {
				continue
			}
			r.logger.InfoContext(ctx, "reconcile: recreating failed pod",
				"pod", podID, "failures", r.attempt(podID).failures)
			if err := r.pods.Delete(ctx, podID, pod.DeleteOptions{Force: true}); err != nil {
				r.logger.ErrorContext(ctx, "reconcile: delete of failed pod failed",
					"pod", podID, "err", err)
				continue
			}
			r.launch(ctx, podID, doc)
		default:
			// Converged.
			r.reset(podID)
		}
	}
	return nil
}

func (r *Reconciler) attempt(podID string) *backoff {
	b, ok := r.attempts[podID]
	if !ok {
		b = &backoff{}
		r.attempts[podID] = b
	}
	return b
}

func (r *Reconciler) reset(podID string) {
	delete(r.attempts, podID)
}

// launch creates and starts one desired pod, honoring its backoff window
// and terminal-error marker.
func (r *Reconciler) launch(ctx context.Context, podID string, doc *v1.PodDoc) {
	b := r.attempt(podID)

	hash, err := state.SpecHash(doc)
	if err != nil {
		r.logger.ErrorContext(ctx, "reconcile: hash spec", "pod", podID, "err", err)
		return
	}
	if b.terminalHash == hash {
		return // only a spec edit can fix this one
	}
	if !b.ready(r.now()) {
		return
	}

	if _, err := r.pods.Create(ctx, doc); err != nil {
		r.observeFailure(ctx, podID, hash, "create", err)
		return
	}
	if _, err := r.pods.Start(ctx, podID, pod.StartOptions{}); err != nil {
		r.observeFailure(ctx, podID, hash, "start", err)
		return
	}
	r.reset(podID)
	r.logger.InfoContext(ctx, "reconcile: pod launched", "pod", podID)
}

func (r *Reconciler) observeFailure(ctx context.Context, podID, hash, op string, err error) {
	b := r.attempt(podID)
	if errdefs.IsTerminal(err) {
		if !errors.Is(err, errdefs.ErrAlreadyExists) {
			b.terminalHash = hash
		}
		r.logger.ErrorContext(ctx, "reconcile: terminal error, not retrying",
			"pod", podID, "op", op, "err", err)
		return
	}
	b.fail(r.now())
	r.logger.ErrorContext(ctx, "reconcile: launch failed",
		"pod", podID, "op", op, "failures", b.failures,
		"retryIn", Delay(b.failures).String(), "err", err)
}
