/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package orphan returns tasks stranded by dead workers to the queue. The
// store-side reset excludes parent pipelines and rows at the attempt cap, so
// recovery can never cycle a poisoned task forever.
package orphan

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

const (
	// sweepWindow bounds how far back SweepRecentFailures looks for dead
	// workers still holding tasks.
	sweepWindow = 24 * time.Hour
	// unassignedAfter is how long an In Progress row may sit with no worker
	// before it goes back to the queue.
	unassignedAfter = 15 * time.Minute
)

type Controller struct {
	store store.Store
	clock clock.Clock
}

func NewController(st store.Store, clk clock.Clock) *Controller {
	return &Controller{store: st, clock: clk}
}

// Recover resets In Progress tasks held by the given workers, typically the
// ones that reached a terminal state this cycle. Returns the number of tasks
// returned to the queue.
func (c *Controller) Recover(ctx context.Context, workerIDs []string) (int, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	count, err := c.store.ResetOrphanedTasks(ctx, workerIDs)
	if err != nil {
		return 0, fmt.Errorf("resetting orphaned tasks, %w", err)
	}
	if count > 0 {
		logging.FromContext(ctx).With("workers", len(workerIDs)).Infof("reset %d orphaned tasks", count)
	}
	return count, nil
}

// SweepRecentFailures re-runs recovery over every worker that died inside the
// sweep window. Terminal transitions made outside the control loop, or lost
// to a crash between cycles, leave orphans that no per-cycle Recover call
// ever saw.
func (c *Controller) SweepRecentFailures(ctx context.Context) (int, error) {
	workers, err := c.store.Workers(ctx, store.WorkerStatusError, store.WorkerStatusTerminated)
	if err != nil {
		return 0, fmt.Errorf("listing failed workers, %w", err)
	}
	cutoff := c.clock.Now().Add(-sweepWindow)
	recent := lo.FilterMap(workers, func(worker *store.Worker, _ int) (string, bool) {
		return worker.ID, failedAt(worker).After(cutoff)
	})
	return c.Recover(ctx, recent)
}

// ResetUnassigned returns In Progress rows that have no worker assigned to
// the queue once they have sat that way past the cutoff.
func (c *Controller) ResetUnassigned(ctx context.Context) (int, error) {
	count, err := c.store.ResetUnassignedTasks(ctx, c.clock.Now().Add(-unassignedAfter))
	if err != nil {
		return 0, fmt.Errorf("resetting unassigned tasks, %w", err)
	}
	if count > 0 {
		logging.FromContext(ctx).Infof("reset %d unassigned in-progress tasks", count)
	}
	return count, nil
}

// failedAt finds the closest thing to a time of death the row carries.
func failedAt(worker *store.Worker) time.Time {
	for _, ts := range []*time.Time{worker.Metadata.TerminatedAt, worker.Metadata.ErrorTime, worker.LastHeartbeat} {
		if ts != nil {
			return *ts
		}
	}
	return worker.CreatedAt
}
