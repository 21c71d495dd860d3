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

// Package garbagecollection reconciles the cloud account against the store.
// Account pods with no live worker row burn money for nobody and get
// terminated; live rows whose pod vanished are failed so their tasks return
// to the queue.
package garbagecollection

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/controllers/lifecycle"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/providers/instance"
	"github.com/renderloop/gpu-orchestrator/pkg/runpod"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

type Controller struct {
	store            store.Store
	instanceProvider *instance.Provider
	lifecycle        *lifecycle.Controller
	clock            clock.Clock
}

func NewController(st store.Store, instanceProvider *instance.Provider, lc *lifecycle.Controller, clk clock.Clock) *Controller {
	return &Controller{
		store:            st,
		instanceProvider: instanceProvider,
		lifecycle:        lc,
		clock:            clk,
	}
}

// Result reports what a reconciliation pass cleaned up.
type Result struct {
	// ZombiePods counts account pods terminated for having no live row.
	ZombiePods int
	// Failed holds ids of workers failed because their pod vanished, for
	// orphan recovery.
	Failed []string
}

// Reconcile cross-references the account's worker pods with the store. Only
// active rows are failed for a vanished pod: spawning rows converge through
// the promotion probe and terminating rows through drain.
func (c *Controller) Reconcile(ctx context.Context) (Result, error) {
	opts := options.FromContext(ctx)
	instances, err := c.instanceProvider.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing account pods, %w", err)
	}
	workers, err := c.store.Workers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing workers, %w", err)
	}
	liveRows := lo.SliceToMap(
		lo.Filter(workers, func(w *store.Worker, _ int) bool { return w.Status != store.WorkerStatusTerminated }),
		func(w *store.Worker) (string, struct{}) { return w.ID, struct{}{} },
	)
	podIDs := lo.SliceToMap(instances, func(i *instance.Instance) (string, struct{}) { return i.ID, struct{}{} })

	log := logging.FromContext(ctx)
	result := Result{}
	for _, inst := range instances {
		if inst.DesiredStatus == runpod.StatusTerminated || inst.DesiredStatus == runpod.StatusFailed {
			continue
		}
		if _, ok := liveRows[inst.Name]; ok {
			continue
		}
		// Registration commits the row before the pod deploys, so a pod with
		// no row at all gets the spawning window before it counts as a
		// zombie. Unparseable names are not ours to wait on.
		if launched, ok := instance.LaunchTime(inst.Name); ok && c.clock.Since(launched) <= opts.SpawningTimeout {
			continue
		}
		log.With("pod-id", inst.ID, "pod-name", inst.Name).Warnf("terminating zombie pod with no live worker row")
		if err := c.instanceProvider.Terminate(ctx, inst.ID); err != nil {
			log.With("pod-id", inst.ID).Errorf("terminating zombie pod, %s", err)
			continue
		}
		result.ZombiePods++
	}

	for _, worker := range workers {
		if worker.Status != store.WorkerStatusActive || worker.Metadata.RunPodID == "" {
			continue
		}
		if _, ok := podIDs[worker.Metadata.RunPodID]; ok {
			continue
		}
		if c.lifecycle.MarkFailed(ctx, worker, "Pod no longer exists") {
			result.Failed = append(result.Failed, worker.ID)
		}
	}
	if result.ZombiePods > 0 || len(result.Failed) > 0 {
		log.Infof("garbage collected %d zombie pods and %d workers with vanished pods", result.ZombiePods, len(result.Failed))
	}
	return result, nil
}
