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

// Package lifecycle owns worker state transitions. Rows move along
// spawning -> active -> terminating -> terminated, with the error path as the
// exit for anything that stops answering. Workers never write their own
// status; every transition in the fleet goes through this controller.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/providers/instance"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// maxConcurrency bounds the per-worker fan-out so a large fleet cannot
// dogpile the store or the cloud API.
const maxConcurrency = 10

type Controller struct {
	store            store.Store
	instanceProvider *instance.Provider
	clock            clock.Clock
}

func NewController(st store.Store, instanceProvider *instance.Provider, clk clock.Clock) *Controller {
	return &Controller{
		store:            st,
		instanceProvider: instanceProvider,
		clock:            clk,
	}
}

// Result reports the workers a pass transitioned, by id. Failed workers went
// through the error path and their tasks need to be requeued; Terminated
// workers reached the end of a drain or cleanup.
type Result struct {
	Promoted   []string
	Failed     []string
	Terminated []string
}

// Terminal returns the ids whose rows reached an end state this pass.
func (r Result) Terminal() []string {
	return append(append([]string{}, r.Failed...), r.Terminated...)
}

// outcome is a single worker's transition within a fan-out pass.
type outcome struct {
	promoted   string
	failed     string
	terminated string
}

func fold(outcomes []outcome) Result {
	result := Result{}
	for _, o := range outcomes {
		if o.promoted != "" {
			result.Promoted = append(result.Promoted, o.promoted)
		}
		if o.failed != "" {
			result.Failed = append(result.Failed, o.failed)
		}
		if o.terminated != "" {
			result.Terminated = append(result.Terminated, o.terminated)
		}
	}
	return result
}

// forEach runs fn for every index with bounded parallelism. Workers are
// independent, so one worker's failure is logged by fn and never blocks the
// rest of the pass.
func forEach(ctx context.Context, n int, fn func(i int)) {
	group := &errgroup.Group{}
	group.SetLimit(maxConcurrency)
	for i := 0; i < n; i++ {
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(i)
			return nil
		})
	}
	_ = group.Wait()
}

// Spawn registers a worker row and deploys its pod, returning the refreshed
// row. Registration comes first: the row's primary key reserves the pod name,
// so a worker that cannot be registered never reaches the cloud, and a crash
// between the two steps leaves a row the spawning timeout will fail rather
// than an untracked pod.
func (c *Controller) Spawn(ctx context.Context) (*store.Worker, error) {
	opts := options.FromContext(ctx)
	now := c.clock.Now().UTC()
	worker := &store.Worker{
		ID:           newWorkerID(now),
		InstanceType: opts.RunPodGPUType,
		Status:       store.WorkerStatusSpawning,
		CreatedAt:    now,
		Metadata: store.Metadata{
			OrchestratorStatus: store.WorkerStatusSpawning,
			StorageVolume:      opts.RunPodStorageName,
		},
	}
	if memory := instance.MemoryGB(opts.RunPodGPUType); memory > 0 {
		worker.Metadata.RAMTier = strconv.Itoa(memory)
	}
	if err := c.store.CreateWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("registering worker %s, %w", worker.ID, err)
	}
	log := logging.FromContext(ctx).With("worker", worker.ID)
	inst, err := c.instanceProvider.Create(ctx, worker.ID)
	if err != nil {
		c.markError(ctx, worker, fmt.Sprintf("Failed to create pod: %s", err))
		return nil, fmt.Errorf("creating pod for worker %s, %w", worker.ID, err)
	}
	updated, err := c.store.UpdateWorker(ctx, worker.ID, store.WorkerPatch{
		Metadata: &store.Metadata{
			RunPodID: inst.ID,
			Ready:    lo.ToPtr(false),
			PodDetails: &store.PodDetails{
				PodID:         inst.ID,
				GPUType:       opts.RunPodGPUType,
				CostPerHour:   inst.CostPerHour,
				DesiredStatus: inst.DesiredStatus,
			},
		},
	})
	if err != nil {
		// The pod launched but the row never learned its id, so nothing can
		// tie them back together. Tear the pod down now instead of waiting
		// for the zombie sweep.
		log.With("pod-id", inst.ID).Errorf("recording pod on worker row, %s", err)
		if terminateErr := c.instanceProvider.Terminate(ctx, inst.ID); terminateErr != nil {
			log.With("pod-id", inst.ID).Errorf("terminating unrecorded pod, %s", terminateErr)
		}
		c.markError(ctx, worker, "Failed to record pod id")
		return nil, fmt.Errorf("recording pod for worker %s, %w", worker.ID, err)
	}
	log.With("pod-id", inst.ID, "gpu-type", opts.RunPodGPUType).Infof("spawned worker")
	return updated, nil
}

// MarkTerminating begins a graceful drain. The terminating status makes the
// claim RPC refuse the worker new tasks, and the pinned orchestrator_status
// marker is what later distinguishes this drain from a failure once the row
// reaches terminated.
func (c *Controller) MarkTerminating(ctx context.Context, worker *store.Worker) error {
	now := c.clock.Now().UTC()
	if _, err := c.store.UpdateWorker(ctx, worker.ID, store.WorkerPatch{
		Status: lo.ToPtr(store.WorkerStatusTerminating),
		Metadata: &store.Metadata{
			OrchestratorStatus: store.WorkerStatusTerminating,
			TerminatingSince:   &now,
		},
	}); err != nil {
		return fmt.Errorf("marking worker %s terminating, %w", worker.ID, err)
	}
	logging.FromContext(ctx).With("worker", worker.ID).Infof("draining worker")
	return nil
}

// MarkFailed drives a worker through the error path on behalf of another
// controller. Reports whether the failure reason was recorded.
func (c *Controller) MarkFailed(ctx context.Context, worker *store.Worker, reason string) bool {
	return c.markError(ctx, worker, reason)
}

// markError walks a worker through the error path: record the reason, tear
// down the pod, land the row on terminated. It returns false when the reason
// could not even be recorded, leaving the row untouched for a retry next
// cycle. A recorded failure whose pod refuses to die stays on error until
// CleanupErrored retires it.
func (c *Controller) markError(ctx context.Context, worker *store.Worker, reason string) bool {
	log := logging.FromContext(ctx).With("worker", worker.ID)
	log.With("reason", reason).Warnf("failing worker")
	if err := c.store.MarkWorkerError(ctx, worker.ID, reason); err != nil {
		log.Errorf("marking worker error, %s", err)
		return false
	}
	if podID := worker.Metadata.RunPodID; podID != "" {
		if err := c.instanceProvider.Terminate(ctx, podID); err != nil {
			log.With("pod-id", podID).Errorf("terminating failed worker's pod, %s", err)
			return true
		}
	}
	now := c.clock.Now().UTC()
	if _, err := c.store.UpdateWorker(ctx, worker.ID, store.WorkerPatch{
		Status:   lo.ToPtr(store.WorkerStatusTerminated),
		Metadata: &store.Metadata{TerminatedAt: &now},
	}); err != nil {
		log.Errorf("finalizing failed worker, %s", err)
	}
	return true
}

// newWorkerID mints a worker id that doubles as the pod name. The timestamp
// keys dashboards and log greps; the uuid suffix keeps two spawns in the same
// second distinct.
func newWorkerID(now time.Time) string {
	return fmt.Sprintf("%s%s-%s", instance.WorkerNamePrefix, now.UTC().Format(instance.WorkerNameTimeLayout), uuid.NewString()[:8])
}
