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
	"time"

	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// Drain finishes graceful terminations. A terminating worker's pod comes down
// once the worker holds no more In Progress tasks, or once the drain window
// expires, whichever happens first. Rows whose pods cannot be terminated are
// retried on the next pass.
func (c *Controller) Drain(ctx context.Context, workers []*store.Worker) Result {
	opts := options.FromContext(ctx)
	terminating := lo.Filter(workers, func(w *store.Worker, _ int) bool {
		return w.Status == store.WorkerStatusTerminating
	})
	outcomes := make([]outcome, len(terminating))
	forEach(ctx, len(terminating), func(i int) {
		outcomes[i] = c.drainOne(ctx, terminating[i], opts.GracefulShutdownTimeout)
	})
	return fold(outcomes)
}

func (c *Controller) drainOne(ctx context.Context, worker *store.Worker, window time.Duration) outcome {
	log := logging.FromContext(ctx).With("worker", worker.ID)
	expired := worker.Metadata.TerminatingSince != nil && c.clock.Since(*worker.Metadata.TerminatingSince) > window
	if !expired {
		busy, err := c.store.HasRunningTasks(ctx, worker.ID)
		if err != nil {
			log.Errorf("checking for running tasks, %s", err)
			return outcome{}
		}
		if busy {
			log.Debugf("worker still draining")
			return outcome{}
		}
	} else {
		log.Warnf("drain window expired, terminating with tasks possibly in flight")
	}
	if !c.terminatePod(ctx, worker, "terminating drained worker's pod") {
		return outcome{}
	}
	now := c.clock.Now().UTC()
	if _, err := c.store.UpdateWorker(ctx, worker.ID, store.WorkerPatch{
		Status: lo.ToPtr(store.WorkerStatusTerminated),
		Metadata: &store.Metadata{
			TerminatedAt: &now,
			// The graceful marker has to survive the status mirror, or this
			// drain would later be counted as a failure.
			OrchestratorStatus: store.WorkerStatusTerminating,
		},
	}); err != nil {
		log.Errorf("finalizing drained worker, %s", err)
		return outcome{}
	}
	log.Infof("terminated drained worker")
	return outcome{terminated: worker.ID}
}

// CleanupErrored retires rows stuck on error past the cleanup grace period.
// These are half-finished error paths: the reason was recorded but the pod
// refused to die at the time. The teardown is retried and the row moves to
// terminated so the fleet view converges.
func (c *Controller) CleanupErrored(ctx context.Context, workers []*store.Worker) Result {
	opts := options.FromContext(ctx)
	errored := lo.Filter(workers, func(w *store.Worker, _ int) bool {
		if w.Status != store.WorkerStatusError {
			return false
		}
		// Rows failed by external tooling carry no error_time; retire them
		// on sight.
		if w.Metadata.ErrorTime == nil {
			return true
		}
		return c.clock.Since(*w.Metadata.ErrorTime) > opts.ErrorCleanupGracePeriod
	})
	outcomes := make([]outcome, len(errored))
	forEach(ctx, len(errored), func(i int) {
		outcomes[i] = c.cleanupOne(ctx, errored[i])
	})
	return fold(outcomes)
}

func (c *Controller) cleanupOne(ctx context.Context, worker *store.Worker) outcome {
	log := logging.FromContext(ctx).With("worker", worker.ID)
	if !c.terminatePod(ctx, worker, "terminating errored worker's pod") {
		return outcome{}
	}
	now := c.clock.Now().UTC()
	if _, err := c.store.UpdateWorker(ctx, worker.ID, store.WorkerPatch{
		Status:   lo.ToPtr(store.WorkerStatusTerminated),
		Metadata: &store.Metadata{TerminatedAt: &now},
	}); err != nil {
		log.Errorf("retiring errored worker, %s", err)
		return outcome{}
	}
	log.Infof("retired errored worker")
	return outcome{terminated: worker.ID}
}

// terminatePod tears down the worker's pod if one is recorded, reporting
// whether it is safe to finalize the row.
func (c *Controller) terminatePod(ctx context.Context, worker *store.Worker, action string) bool {
	podID := worker.Metadata.RunPodID
	if podID == "" {
		return true
	}
	if err := c.instanceProvider.Terminate(ctx, podID); err != nil {
		logging.FromContext(ctx).With("worker", worker.ID, "pod-id", podID).Errorf("%s, %s", action, err)
		return false
	}
	return true
}
