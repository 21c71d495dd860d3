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

// Package metrics holds the prometheus registry and naming conventions shared
// by every collector in the module.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	// Common namespace for application metrics.
	Namespace = "orchestrator"

	// Common set of metric label names.
	DecisionLabel = "decision"
	StatusLabel   = "status"
)

// Registry collects every metric the orchestrator exports. Collectors
// register themselves in init(); the operator serves the registry in
// continuous mode.
var Registry = prometheus.NewRegistry()

// DurationBuckets returns a []float64 of default threshold values for duration
// histograms. Each returned slice is new and may be modified without impacting
// other bucket definitions. Cycles are dominated by store and cloud round
// trips, so the thresholds run from sub-second out to the poll interval scale.
func DurationBuckets() []float64 {
	return []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 20, 30, 45, 60, 90, 120}
}
