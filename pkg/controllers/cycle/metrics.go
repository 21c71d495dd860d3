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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/renderloop/gpu-orchestrator/pkg/metrics"
)

func init() {
	metrics.Registry.MustRegister(cycleDurationHistogram)
	metrics.Registry.MustRegister(cyclesCompletedCounter)
	metrics.Registry.MustRegister(cycleErrorsCounter)
	metrics.Registry.MustRegister(tasksResetCounter)
	metrics.Registry.MustRegister(scalingDecisionsCounter)
	metrics.Registry.MustRegister(workersSpawnedCounter)
	metrics.Registry.MustRegister(workersScaledDownCounter)
	metrics.Registry.MustRegister(desiredWorkersGauge)
	metrics.Registry.MustRegister(workloadGauge)
	metrics.Registry.MustRegister(workersPromotedCounter)
	metrics.Registry.MustRegister(workersFailedCounter)
	metrics.Registry.MustRegister(workerStatusGauge)
	metrics.Registry.MustRegister(zombiePodsCounter)
	metrics.Registry.MustRegister(sinkQueueDepthGauge)
	metrics.Registry.MustRegister(sinkRecordsSentGauge)
	metrics.Registry.MustRegister(sinkRecordsDroppedGauge)
	metrics.Registry.MustRegister(sinkAliveGauge)
}

var cycleDurationHistogram = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Duration of a full control cycle in seconds.",
		Buckets:   metrics.DurationBuckets(),
	},
)

var cyclesCompletedCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "cycle",
		Name:      "completed_total",
		Help:      "Number of control cycles completed.",
	},
)

var cycleErrorsCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "cycle",
		Name:      "errors_total",
		Help:      "Number of control cycles abandoned by a step failure.",
	},
)

var tasksResetCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "cycle",
		Name:      "tasks_reset_total",
		Help:      "Number of orphaned tasks returned to the queue.",
	},
)

var scalingDecisionsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scaling",
		Name:      "decisions_total",
		Help:      "Number of scaling decisions made. Labeled by decision.",
	},
	[]string{metrics.DecisionLabel},
)

var workersSpawnedCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scaling",
		Name:      "workers_spawned_total",
		Help:      "Number of workers spawned in total by the planner.",
	},
)

var workersScaledDownCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scaling",
		Name:      "workers_scaled_down_total",
		Help:      "Number of idle workers marked terminating in total by the planner.",
	},
)

var desiredWorkersGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scaling",
		Name:      "desired_workers",
		Help:      "Worker count the planner computed from the last observed workload.",
	},
)

var workloadGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "scaling",
		Name:      "workload_tasks",
		Help:      "Queued plus claimed tasks observed by the last cycle.",
	},
)

var workersPromotedCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "workers",
		Name:      "promoted_total",
		Help:      "Number of workers promoted from spawning to active.",
	},
)

var workersFailedCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "workers",
		Name:      "failed_total",
		Help:      "Number of workers driven through the error path.",
	},
)

var workerStatusGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "workers",
		Name:      "count",
		Help:      "Fleet size as observed at the start of the last cycle. Labeled by status.",
	},
	[]string{metrics.StatusLabel},
)

var zombiePodsCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "cloudprovider",
		Name:      "zombie_pods_terminated_total",
		Help:      "Number of account pods terminated for having no live worker row.",
	},
)

var sinkQueueDepthGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "logsink",
		Name:      "queue_depth",
		Help:      "Log records buffered in the sink at the last health probe.",
	},
)

var sinkRecordsSentGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "logsink",
		Name:      "records_sent",
		Help:      "Log records delivered to the store since startup.",
	},
)

var sinkRecordsDroppedGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "logsink",
		Name:      "records_dropped",
		Help:      "Log records dropped by the bounded queue since startup.",
	},
)

var sinkAliveGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "logsink",
		Name:      "alive",
		Help:      "Whether the log sink flush goroutine is running.",
	},
)
