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

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/providers/instance"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// PromoteSpawning advances spawning workers whose pods finished provisioning
// and fails the ones that timed out or whose pods died. Workers still waiting
// inside the spawning window are left for the next pass.
func (c *Controller) PromoteSpawning(ctx context.Context, workers []*store.Worker) Result {
	spawning := lo.Filter(workers, func(w *store.Worker, _ int) bool {
		return w.Status == store.WorkerStatusSpawning
	})
	outcomes := make([]outcome, len(spawning))
	forEach(ctx, len(spawning), func(i int) {
		outcomes[i] = c.promoteOne(ctx, spawning[i])
	})
	return fold(outcomes)
}

func (c *Controller) promoteOne(ctx context.Context, worker *store.Worker) outcome {
	opts := options.FromContext(ctx)
	log := logging.FromContext(ctx).With("worker", worker.ID)
	age := c.clock.Since(worker.CreatedAt)
	if worker.Metadata.RunPodID == "" {
		// Registered but no pod recorded. A crash between registration and
		// deploy leaves this shape; the row gets the spawning window and then
		// fails.
		if age > opts.SpawningTimeout && c.markError(ctx, worker, "Spawning timeout") {
			return outcome{failed: worker.ID}
		}
		return outcome{}
	}
	init, err := c.instanceProvider.Initialize(ctx, worker.Metadata.RunPodID)
	if err != nil {
		log.Errorf("probing pod readiness, %s", err)
		return outcome{}
	}
	switch init.Readiness {
	case instance.ReadinessFailed:
		log.With("reason", init.Reason).Warnf("pod died while provisioning")
		if c.markError(ctx, worker, "Pod failed to provision") {
			return outcome{failed: worker.ID}
		}
		return outcome{}
	case instance.ReadinessReady:
		now := c.clock.Now().UTC()
		if _, err := c.store.UpdateWorker(ctx, worker.ID, store.WorkerPatch{
			Status: lo.ToPtr(store.WorkerStatusActive),
			Metadata: &store.Metadata{
				Ready:              lo.ToPtr(true),
				PromotedToActiveAt: &now,
				SSHDetails: &store.SSHDetails{
					IP:       init.State.IP,
					Port:     init.State.SSHPort,
					Password: init.State.SSHPassword,
				},
				PodDetails: &store.PodDetails{
					PodID:         worker.Metadata.RunPodID,
					GPUType:       worker.InstanceType,
					CostPerHour:   init.State.CostPerHour,
					DesiredStatus: init.State.DesiredStatus,
				},
			},
		}); err != nil {
			log.Errorf("promoting worker, %s", err)
			return outcome{}
		}
		log.With("pod-id", worker.Metadata.RunPodID).Infof("promoted worker to active")
		return outcome{promoted: worker.ID}
	default:
		if age > opts.SpawningTimeout {
			if c.markError(ctx, worker, "Spawning timeout") {
				return outcome{failed: worker.ID}
			}
			return outcome{}
		}
		log.With("reason", init.Reason).Debugf("worker still spawning")
		return outcome{}
	}
}

// CheckActive applies the heartbeat and stuck-task rules to active workers
// past the post-promotion grace period. Heartbeats are the only liveness
// signal; SSH is never probed. A silent worker is only failed when there is
// work it should be doing, so an idle fleet against an empty queue is left
// for the planner to shrink.
func (c *Controller) CheckActive(ctx context.Context, workers []*store.Worker, queuedOnly int) Result {
	active := lo.Filter(workers, func(w *store.Worker, _ int) bool {
		return w.Status == store.WorkerStatusActive
	})
	outcomes := make([]outcome, len(active))
	forEach(ctx, len(active), func(i int) {
		outcomes[i] = c.checkOne(ctx, active[i], queuedOnly)
	})
	return fold(outcomes)
}

func (c *Controller) checkOne(ctx context.Context, worker *store.Worker, queuedOnly int) outcome {
	opts := options.FromContext(ctx)
	anchor := worker.CreatedAt
	if worker.Metadata.PromotedToActiveAt != nil {
		anchor = *worker.Metadata.PromotedToActiveAt
	}
	// Workers need time to boot their runtime and start heartbeating.
	if c.clock.Since(anchor) < opts.WorkerGracePeriod {
		return outcome{}
	}
	assigned, err := c.store.InProgressTasks(ctx, worker.ID)
	if err != nil {
		logging.FromContext(ctx).With("worker", worker.ID).Errorf("listing assigned tasks, %s", err)
		return outcome{}
	}
	reason := c.livenessFailure(worker, len(assigned) > 0, queuedOnly, anchor, opts.GPUIdleTimeout)
	if reason == "" {
		reason = c.stuckTask(assigned, opts.TaskStuckTimeout)
	}
	if reason == "" {
		return outcome{}
	}
	if c.markError(ctx, worker, reason) {
		return outcome{failed: worker.ID}
	}
	return outcome{}
}

// livenessFailure returns the reason a worker's heartbeat profile fails the
// rules, or empty when it passes. Workers that never heartbeated are measured
// from the anchor instead, so a worker that died before its first beat still
// gets caught.
func (c *Controller) livenessFailure(worker *store.Worker, busy bool, queuedOnly int, anchor time.Time, idle time.Duration) string {
	if worker.LastHeartbeat != nil {
		age := c.clock.Since(*worker.LastHeartbeat)
		if age <= idle {
			return ""
		}
		if busy {
			return fmt.Sprintf("Stale heartbeat with active tasks (%.0fs old)", age.Seconds())
		}
		if queuedOnly > 0 {
			return "Idle with tasks queued"
		}
		return ""
	}
	if c.clock.Since(anchor) <= idle {
		return ""
	}
	if busy {
		return "No heartbeat with active tasks"
	}
	if queuedOnly > 0 {
		return "No heartbeat or activity"
	}
	return ""
}

// stuckTask reports the first assigned task generating past the stuck bound.
// Parent tasks coordinate children for hours and are exempt.
func (c *Controller) stuckTask(assigned []*store.Task, bound time.Duration) string {
	for _, task := range assigned {
		if store.IsParentTask(task.TaskType) || task.GenerationStartedAt == nil {
			continue
		}
		if c.clock.Since(*task.GenerationStartedAt) > bound {
			return fmt.Sprintf("Stuck task %s", task.ID)
		}
	}
	return ""
}

// Failsafe is the backstop behind the per-status checks: any row not already
// terminated whose heartbeat went silent past the hard staleness bound fails,
// whatever its status claims. Registration time stands in for workers that
// never heartbeated.
func (c *Controller) Failsafe(ctx context.Context, workers []*store.Worker) Result {
	opts := options.FromContext(ctx)
	stale := lo.Filter(workers, func(w *store.Worker, _ int) bool {
		return w.Status != store.WorkerStatusTerminated && c.clock.Since(staleAnchor(w)) > opts.FailsafeStaleThreshold
	})
	outcomes := make([]outcome, len(stale))
	forEach(ctx, len(stale), func(i int) {
		reason := fmt.Sprintf("Failsafe stale heartbeat (%.0fs old)", c.clock.Since(staleAnchor(stale[i])).Seconds())
		if c.markError(ctx, stale[i], reason) {
			outcomes[i] = outcome{failed: stale[i].ID}
		}
	})
	return fold(outcomes)
}

func staleAnchor(worker *store.Worker) time.Time {
	if worker.LastHeartbeat != nil {
		return *worker.LastHeartbeat
	}
	return worker.CreatedAt
}
