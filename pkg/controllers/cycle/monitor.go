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

package cycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/logsink"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

const (
	// rapidScaleUpSpawns is the single-cycle spawn count flagged as anomalous.
	rapidScaleUpSpawns = 3
	// workloadSpikeFactor flags a workload at or above this multiple of the
	// previous cycle's, or this absolute size from a standing start.
	workloadSpikeFactor = 10
	// starvationCycles is how many consecutive cycles may show queued tasks
	// with no active workers before that is flagged.
	starvationCycles = 3
)

// monitor watches completed cycles for patterns a single cycle cannot see.
// Anomalies are observational: they are logged for operators, never acted on.
type monitor struct {
	clock   clock.Clock
	started time.Time

	previousWorkload int
	starvedCycles    int
	sinkRestarted    bool
	probed           bool
	prevSink         logsink.Stats
}

func newMonitor(clk clock.Clock) *monitor {
	return &monitor{clock: clk, started: clk.Now()}
}

func (m *monitor) observe(ctx context.Context, s Summary) {
	log := logging.FromContext(ctx)
	if s.Spawned >= rapidScaleUpSpawns {
		log.With("spawned", s.Spawned).Warnf("anomaly: rapid scale-up")
	}
	workload := s.Counts.Workload()
	if spiked(m.previousWorkload, workload) {
		log.With("previous", m.previousWorkload, "workload", workload).Warnf("anomaly: workload spike")
	}
	m.previousWorkload = workload

	if s.Counts.QueuedOnly > 0 && s.Statuses[store.WorkerStatusActive] == 0 {
		m.starvedCycles++
	} else {
		m.starvedCycles = 0
	}
	if m.starvedCycles >= starvationCycles {
		log.With("queued", s.Counts.QueuedOnly, "cycles", m.starvedCycles).Warnf("anomaly: queued tasks with no active workers")
	}
}

func spiked(previous, workload int) bool {
	if previous == 0 {
		return workload >= workloadSpikeFactor
	}
	return workload >= previous*workloadSpikeFactor
}

// probeSink checks the flush goroutine and exports the sink gauges. The sink
// is sick when its goroutine died, or when records have sat in the queue
// across two probes without any being sent or even refused. A sick sink is
// restarted once; a second failure means the store path itself is down, and
// the report goes straight to stderr since the sink is the broken channel.
func (m *monitor) probeSink(ctx context.Context, sink *logsink.Sink) {
	if sink == nil {
		// A nil sink with database logging enabled means init failed and
		// the process continued console-only; keep saying so.
		if opts := options.FromContext(ctx); opts.EnableDBLogging {
			logsink.ReportDegraded(opts.DBLogDiagnosticFile)
			logging.FromContext(ctx).Errorf("logging degraded, database sink never started")
		}
		return
	}
	stats := sink.Stats()
	sinkQueueDepthGauge.Set(float64(stats.Queued))
	sinkRecordsSentGauge.Set(float64(stats.Sent))
	sinkRecordsDroppedGauge.Set(float64(stats.Dropped))
	sinkAliveGauge.Set(lo.Ternary(stats.Alive, 1.0, 0.0))

	stalled := m.probed && m.prevSink.Queued > 0 && stats.Queued > 0 &&
		stats.Sent == m.prevSink.Sent && stats.Errors == m.prevSink.Errors
	m.probed, m.prevSink = true, stats
	if stats.Alive && !stalled {
		return
	}
	if m.sinkRestarted {
		fmt.Fprintln(os.Stderr, "CRITICAL: log sink is down and was already restarted once; database logging is lost")
		logging.FromContext(ctx).Errorf("log sink down after restart")
		return
	}
	if stats.Alive {
		logging.FromContext(ctx).Warnf("log sink stopped sending, restarting")
		sink.Stop(ctx)
	} else {
		logging.FromContext(ctx).Warnf("log sink found dead, restarting")
	}
	sink.Start(ctx)
	m.sinkRestarted = true
}

func (m *monitor) healthSummary(ctx context.Context, cycle int, sink *logsink.Sink) {
	log := logging.FromContext(ctx).With(
		"cycles", cycle,
		"uptime", m.clock.Since(m.started).Round(time.Second),
	)
	if sink != nil {
		stats := sink.Stats()
		log = log.With(
			"sink-sent", stats.Sent,
			"sink-dropped", stats.Dropped,
			"sink-errors", stats.Errors,
			"sink-alive", stats.Alive,
		)
	}
	log.Infof("health summary")
}
