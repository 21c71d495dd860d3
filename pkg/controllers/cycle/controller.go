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

// Package cycle drives the control loop. One pass samples demand, advances
// worker lifecycles, recovers orphaned tasks, plans fleet size, and reports
// what happened. Cycles never overlap, and nothing but the cycle counter and
// the previous workload survives from one to the next; the store is the only
// source of truth.
package cycle

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/controllers/garbagecollection"
	"github.com/renderloop/gpu-orchestrator/pkg/controllers/lifecycle"
	"github.com/renderloop/gpu-orchestrator/pkg/controllers/orphan"
	"github.com/renderloop/gpu-orchestrator/pkg/controllers/scaling"
	"github.com/renderloop/gpu-orchestrator/pkg/logsink"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/providers/instance"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
	"github.com/renderloop/gpu-orchestrator/pkg/utils/pretty"
)

const (
	// maintenanceEvery is the cycle stride for the log sink health probe and
	// the account/store garbage collection pass.
	maintenanceEvery = 10
	// healthSummaryEvery is the cycle stride for the operator-facing health
	// summary line.
	healthSummaryEvery = 20
	// logRetention bounds how far back the status subcommand keeps log rows.
	logRetention = 48 * time.Hour
)

// Summary reports what one cycle observed and did. Terminated counts
// termination actions: scale-down marks, drains completed, and errored rows
// retired.
type Summary struct {
	Cycle      int
	Counts     store.TaskCounts
	Plan       scaling.Plan
	Statuses   map[string]int
	Promoted   int
	Failed     int
	Spawned    int
	Terminated int
	TasksReset int
	Elapsed    time.Duration
}

type Controller struct {
	store     store.Store
	lifecycle *lifecycle.Controller
	scaling   *scaling.Controller
	orphan    *orphan.Controller
	gc        *garbagecollection.Controller
	sink      *logsink.Sink
	clock     clock.Clock
	monitor   *monitor

	cycle     int
	completed atomic.Int64
}

// NewController wires the per-cycle controllers over shared dependencies.
// sink may be nil when database logging is disabled.
func NewController(st store.Store, instanceProvider *instance.Provider, sink *logsink.Sink, clk clock.Clock) *Controller {
	lc := lifecycle.NewController(st, instanceProvider, clk)
	return &Controller{
		store:     st,
		lifecycle: lc,
		scaling:   scaling.NewController(st, lc, clk),
		orphan:    orphan.NewController(st, clk),
		gc:        garbagecollection.NewController(st, instanceProvider, lc, clk),
		sink:      sink,
		clock:     clk,
		monitor:   newMonitor(clk),
	}
}

// RunOnce executes one control cycle. Any step failure abandons the cycle;
// the next one starts fresh against the store.
func (c *Controller) RunOnce(ctx context.Context) (Summary, error) {
	c.cycle++
	start := c.clock.Now()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("cycle", c.cycle))

	summary, err := c.runCycle(ctx)
	if err != nil {
		cycleErrorsCounter.Inc()
		logging.FromContext(ctx).Errorf("abandoning cycle, %s", err)
		return Summary{Cycle: c.cycle}, err
	}
	summary.Cycle = c.cycle
	summary.Elapsed = c.clock.Since(start)

	c.logSummary(ctx, summary)
	c.monitor.observe(ctx, summary)
	c.export(summary)
	c.maintain(ctx)

	c.completed.Store(c.clock.Now().UnixNano())
	cyclesCompletedCounter.Inc()
	return summary, nil
}

// runCycle holds the fixed step order: demand and fleet snapshot, promotion,
// health checks, orphan recovery for workers that went terminal this cycle,
// the scaling plan, then drain for workers already on their way out.
func (c *Controller) runCycle(ctx context.Context) (Summary, error) {
	counts, err := c.store.TaskCounts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("sampling task counts, %w", err)
	}
	workers, err := c.store.Workers(ctx,
		store.WorkerStatusSpawning, store.WorkerStatusActive, store.WorkerStatusTerminating, store.WorkerStatusError)
	if err != nil {
		return Summary{}, fmt.Errorf("listing workers, %w", err)
	}

	promoted := c.lifecycle.PromoteSpawning(ctx, workers)
	checked := c.lifecycle.CheckActive(ctx, workers, counts.QueuedOnly)
	failsafe := c.lifecycle.Failsafe(ctx, workers)
	cleaned := c.lifecycle.CleanupErrored(ctx, workers)
	workersPromotedCounter.Add(float64(len(promoted.Promoted)))

	terminal := lo.Uniq(lo.Flatten([][]string{promoted.Failed, checked.Failed, failsafe.Failed}))
	workersFailedCounter.Add(float64(len(terminal)))
	recovered, rerr := c.orphan.Recover(ctx, terminal)
	swept, serr := c.orphan.SweepRecentFailures(ctx)
	unassigned, uerr := c.orphan.ResetUnassigned(ctx)
	if err := multierr.Combine(rerr, serr, uerr); err != nil {
		return Summary{}, fmt.Errorf("recovering orphaned tasks, %w", err)
	}

	planned, err := c.scaling.Reconcile(ctx, counts)
	if err != nil {
		return Summary{}, fmt.Errorf("planning fleet size, %w", err)
	}
	scalingDecisionsCounter.WithLabelValues(string(planned.Plan.Decision)).Inc()
	workersSpawnedCounter.Add(float64(len(planned.Spawned)))
	workersScaledDownCounter.Add(float64(len(planned.Terminating)))
	desiredWorkersGauge.Set(float64(planned.Plan.Desired))
	workloadGauge.Set(float64(planned.Plan.Workload))

	// Workers the planner just marked show their snapshot status here, so
	// drain picks them up next cycle, after they have had one interval to
	// finish in-flight work.
	drained := c.lifecycle.Drain(ctx, workers)

	return Summary{
		Counts:     counts,
		Plan:       planned.Plan,
		Statuses:   statusCounts(workers),
		Promoted:   len(promoted.Promoted),
		Failed:     len(terminal),
		Spawned:    len(planned.Spawned),
		Terminated: len(planned.Terminating) + len(drained.Terminated) + len(cleaned.Terminated),
		TasksReset: recovered + swept + unassigned,
	}, nil
}

// Run executes cycles until the context is cancelled, spacing cycle starts by
// the poll interval. A failed cycle waits out the interval like any other.
func (c *Controller) Run(ctx context.Context) {
	opts := options.FromContext(ctx)
	for {
		start := c.clock.Now()
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return
		}
		pause := opts.PollInterval - c.clock.Since(start)
		if pause < 0 {
			pause = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(pause):
		}
	}
}

// LastCompleted reports when the most recent successful cycle finished. The
// health probe serves this from another goroutine.
func (c *Controller) LastCompleted() (time.Time, bool) {
	nanos := c.completed.Load()
	if nanos == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// Status is the point-in-time snapshot behind the status subcommand.
type Status struct {
	Counts     store.TaskCounts
	Users      []store.UserTaskCounts
	Workers    []*store.Worker
	LogsPurged int
}

// Status assembles the fleet and demand snapshot, pruning old log rows while
// it is at it.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	details, err := c.store.TaskCountDetails(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampling task counts, %w", err)
	}
	workers, err := c.store.Workers(ctx,
		store.WorkerStatusSpawning, store.WorkerStatusActive, store.WorkerStatusTerminating, store.WorkerStatusError)
	if err != nil {
		return nil, fmt.Errorf("listing workers, %w", err)
	}
	purged, err := c.store.CleanupOldLogs(ctx, c.clock.Now().UTC().Add(-logRetention))
	if err != nil {
		logging.FromContext(ctx).Errorf("cleaning up old logs, %s", err)
	}
	return &Status{Counts: details.Totals, Users: details.Users, Workers: workers, LogsPurged: purged}, nil
}

// logSummary reports the cycle's outcome on both channels. The console line
// goes out at ERROR so no LOG_LEVEL setting can filter it off stderr, and the
// sink gets the record directly as CRITICAL: Enqueue bypasses the level gate,
// so the summary lands in the log table whatever DB_LOG_LEVEL is configured.
// Scaling decisions stay auditable even when logging is dialed down.
func (c *Controller) logSummary(ctx context.Context, s Summary) {
	logging.FromContext(ctx).With(
		"queued-only", s.Counts.QueuedOnly,
		"active-only", s.Counts.ActiveOnly,
		"desired", s.Plan.Desired,
		"capacity", s.Plan.Capacity,
		"decision", string(s.Plan.Decision),
		"promoted", s.Promoted,
		"failed", s.Failed,
		"spawned", s.Spawned,
		"terminated", s.Terminated,
		"tasks-reset", s.TasksReset,
		"statuses", pretty.Concise(s.Statuses),
		"elapsed", s.Elapsed,
	).Errorf("cycle complete")
	if c.sink == nil {
		return
	}
	c.sink.Enqueue(store.LogRecord{
		Level:   "CRITICAL",
		Message: fmt.Sprintf("cycle complete: %s", s.Plan.Decision),
		Cycle:   int64(s.Cycle),
		Metadata: map[string]any{
			"queued_only": s.Counts.QueuedOnly,
			"active_only": s.Counts.ActiveOnly,
			"desired":     s.Plan.Desired,
			"capacity":    s.Plan.Capacity,
			"decision":    string(s.Plan.Decision),
			"promoted":    s.Promoted,
			"failed":      s.Failed,
			"spawned":     s.Spawned,
			"terminated":  s.Terminated,
			"tasks_reset": s.TasksReset,
			"elapsed":     s.Elapsed.String(),
		},
	})
}

func (c *Controller) export(s Summary) {
	cycleDurationHistogram.Observe(s.Elapsed.Seconds())
	tasksResetCounter.Add(float64(s.TasksReset))
	for status, count := range s.Statuses {
		workerStatusGauge.WithLabelValues(status).Set(float64(count))
	}
}

// maintain runs the off-cadence work: garbage collection and the sink probe
// every 10th cycle, the health summary every 20th. Failures here never
// abandon the completed cycle.
func (c *Controller) maintain(ctx context.Context) {
	if c.cycle%maintenanceEvery == 0 {
		c.collectGarbage(ctx)
		c.monitor.probeSink(ctx, c.sink)
	}
	if c.cycle%healthSummaryEvery == 0 {
		c.monitor.healthSummary(ctx, c.cycle, c.sink)
	}
}

func (c *Controller) collectGarbage(ctx context.Context) {
	result, err := c.gc.Reconcile(ctx)
	if err != nil {
		logging.FromContext(ctx).Errorf("collecting garbage, %s", err)
		return
	}
	zombiePodsCounter.Add(float64(result.ZombiePods))
	if len(result.Failed) == 0 {
		return
	}
	reset, err := c.orphan.Recover(ctx, result.Failed)
	if err != nil {
		logging.FromContext(ctx).Errorf("recovering tasks of vanished workers, %s", err)
		return
	}
	tasksResetCounter.Add(float64(reset))
}

func statusCounts(workers []*store.Worker) map[string]int {
	counts := map[string]int{
		store.WorkerStatusSpawning:    0,
		store.WorkerStatusActive:      0,
		store.WorkerStatusTerminating: 0,
		store.WorkerStatusError:       0,
	}
	for _, worker := range workers {
		counts[worker.Status]++
	}
	return counts
}
