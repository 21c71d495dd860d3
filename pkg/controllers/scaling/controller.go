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

// Package scaling turns task demand into fleet size. Each cycle it computes
// the desired worker count from the claimable workload, compares it against
// live capacity and emits spawn or terminate intents, with the failure-rate
// valve gating spawns when recent workers keep dying.
package scaling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/controllers/lifecycle"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// Decision labels the verdict of one planning pass.
type Decision string

const (
	DecisionScaleUp   Decision = "scale-up"
	DecisionScaleDown Decision = "scale-down"
	DecisionMaintain  Decision = "maintain"
	// DecisionBlocked means the plan called for spawns and the valve
	// rejected them.
	DecisionBlocked Decision = "blocked"
)

// Fleet is the capacity side of a planning pass. Idle carries the active
// workers with no assigned work past the grace period, oldest idle first.
// Populating it costs a store read per active worker, so it stays empty
// unless the fleet is over desired.
type Fleet struct {
	Active   int
	Spawning int
	Idle     []*store.Worker
}

// Plan is the verdict of one planning pass before execution.
type Plan struct {
	QueuedOnly int
	ActiveOnly int
	Workload   int
	Desired    int
	// Capacity counts active plus spawning workers. Terminating workers
	// are already on their way out and never count.
	Capacity  int
	Spawn     int
	Terminate []*store.Worker
	Decision  Decision
}

// Result reports the fleet mutations a planning pass actually made.
type Result struct {
	Plan Plan
	// Spawned holds ids of workers registered this pass. Shorter than
	// Plan.Spawn when a spawn failed partway.
	Spawned []string
	// Terminating holds ids of surplus idle workers sent into drain.
	Terminating []string
}

type Controller struct {
	store     store.Store
	lifecycle *lifecycle.Controller
	valve     *Valve
	clock     clock.Clock
}

func NewController(st store.Store, lc *lifecycle.Controller, clk clock.Clock) *Controller {
	return &Controller{
		store:     st,
		lifecycle: lc,
		valve:     NewValve(st, clk),
		clock:     clk,
	}
}

// Reconcile runs one planning pass: list the fleet, compute the plan, consult
// the valve, then execute spawns and terminations through the lifecycle
// controller. The fleet is re-listed here rather than reusing the cycle's
// opening snapshot so that promotions and health-check failures from earlier
// steps are reflected in capacity.
func (c *Controller) Reconcile(ctx context.Context, counts store.TaskCounts) (Result, error) {
	opts := options.FromContext(ctx)
	workers, err := c.store.Workers(ctx, store.WorkerStatusActive, store.WorkerStatusSpawning)
	if err != nil {
		return Result{}, fmt.Errorf("listing fleet, %w", err)
	}
	active := lo.Filter(workers, func(w *store.Worker, _ int) bool { return w.Status == store.WorkerStatusActive })
	spawning := lo.Filter(workers, func(w *store.Worker, _ int) bool { return w.Status == store.WorkerStatusSpawning })

	fleet := Fleet{Active: len(active), Spawning: len(spawning)}
	plan := Compute(counts, fleet, opts)
	if plan.Desired < plan.Capacity && fleet.Active > opts.MinActiveGPUs {
		fleet.Idle = c.idleActive(ctx, active)
		plan = Compute(counts, fleet, opts)
	}
	if plan.Spawn > 0 {
		plan = c.admitSpawns(ctx, plan)
	}
	logDecision(ctx, plan)

	result := Result{Plan: plan}
	for i := 0; i < plan.Spawn; i++ {
		worker, err := c.lifecycle.Spawn(ctx)
		if err != nil {
			logging.FromContext(ctx).Errorf("spawning worker %d of %d, %s", i+1, plan.Spawn, err)
			break
		}
		result.Spawned = append(result.Spawned, worker.ID)
	}
	for _, worker := range plan.Terminate {
		if err := c.lifecycle.MarkTerminating(ctx, worker); err != nil {
			logging.FromContext(ctx).With("worker", worker.ID).Errorf("marking worker terminating, %s", err)
			continue
		}
		result.Terminating = append(result.Terminating, worker.ID)
	}
	return result, nil
}

// Compute is the pure planning math. Desired is the workload divided by the
// per-worker threshold, rounded up, plus the idle buffer, clamped to the
// fleet bounds. Over-capacity fleets shrink only through idle workers and
// only down to the larger of desired and the minimum fleet.
func Compute(counts store.TaskCounts, fleet Fleet, opts *options.Options) Plan {
	workload := counts.QueuedOnly + counts.ActiveOnly
	var ideal int
	if workload > 0 {
		ideal = (workload + opts.TasksPerGPU - 1) / opts.TasksPerGPU
	}
	plan := Plan{
		QueuedOnly: counts.QueuedOnly,
		ActiveOnly: counts.ActiveOnly,
		Workload:   workload,
		Desired:    lo.Clamp(ideal+opts.MachinesToKeepIdle, opts.MinActiveGPUs, opts.MaxActiveGPUs),
		Capacity:   fleet.Active + fleet.Spawning,
		Decision:   DecisionMaintain,
	}
	switch {
	case plan.Desired > plan.Capacity:
		plan.Spawn = plan.Desired - plan.Capacity
		plan.Decision = DecisionScaleUp
	case plan.Capacity > plan.Desired && len(fleet.Idle) > 0 && fleet.Active > opts.MinActiveGPUs:
		surplus := lo.Min([]int{
			len(fleet.Idle) - opts.MachinesToKeepIdle,
			plan.Capacity - plan.Desired,
			fleet.Active - opts.MinActiveGPUs,
		})
		if surplus > 0 {
			plan.Terminate = fleet.Idle[:surplus]
			plan.Decision = DecisionScaleDown
		}
	}
	return plan
}

// admitSpawns consults the valve and strips the plan's spawn intents when it
// is closed. A failed valve read fails open; a transient store error must not
// starve the fleet.
func (c *Controller) admitSpawns(ctx context.Context, plan Plan) Plan {
	verdict, err := c.valve.Admit(ctx)
	if err != nil {
		logging.FromContext(ctx).Errorf("checking worker failure rate, %s", err)
		return plan
	}
	if verdict.Open {
		return plan
	}
	logging.FromContext(ctx).With(
		"recent", verdict.Recent,
		"failed", verdict.Failed,
		"failure-rate", fmt.Sprintf("%.2f", verdict.Ratio),
	).Warnf("safety valve closed, rejecting %d spawn intents", plan.Spawn)
	plan.Spawn = 0
	plan.Decision = DecisionBlocked
	return plan
}

// idleActive returns the active workers eligible for scale-down: past the
// post-promotion grace period with no In Progress tasks assigned, least
// recently heard from first. A worker whose task lookup fails is treated as
// busy and kept.
func (c *Controller) idleActive(ctx context.Context, workers []*store.Worker) []*store.Worker {
	opts := options.FromContext(ctx)
	var idle []*store.Worker
	for _, worker := range workers {
		anchor := worker.CreatedAt
		if worker.Metadata.PromotedToActiveAt != nil {
			anchor = *worker.Metadata.PromotedToActiveAt
		}
		if c.clock.Since(anchor) <= opts.WorkerGracePeriod {
			continue
		}
		assigned, err := c.store.InProgressTasks(ctx, worker.ID)
		if err != nil {
			logging.FromContext(ctx).With("worker", worker.ID).Errorf("listing assigned tasks, %s", err)
			continue
		}
		if len(assigned) > 0 {
			continue
		}
		idle = append(idle, worker)
	}
	sort.Slice(idle, func(i, j int) bool {
		return idleSince(idle[i]).Before(idleSince(idle[j]))
	})
	return idle
}

func idleSince(worker *store.Worker) time.Time {
	if worker.LastHeartbeat != nil {
		return *worker.LastHeartbeat
	}
	return worker.CreatedAt
}

// logDecision emits the planning tuple at ERROR so it reaches stderr under
// any LOG_LEVEL. The driver separately writes the cycle summary into the sink
// as an unfilterable CRITICAL record.
func logDecision(ctx context.Context, plan Plan) {
	logging.FromContext(ctx).With(
		"queued-only", plan.QueuedOnly,
		"active-only", plan.ActiveOnly,
		"desired", plan.Desired,
		"capacity", plan.Capacity,
		"decision", string(plan.Decision),
	).Errorf("scaling decision %s", plan.Decision)
}
