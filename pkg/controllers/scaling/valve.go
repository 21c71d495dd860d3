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

package scaling

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// Valve decides whether spawning is currently safe. It samples the workers
// created inside the failure window and closes when too many of them reached
// a terminal state for cause, which points at a systemic problem (bad image,
// SSH auth, cloud capacity) that more spawns will not fix. The valve holds no
// state; it reopens on its own as old rows age out of the window.
type Valve struct {
	store store.Store
	clock clock.Clock
}

func NewValve(st store.Store, clk clock.Clock) *Valve {
	return &Valve{store: st, clock: clk}
}

// Verdict is one failure-rate sample.
type Verdict struct {
	Open   bool
	Recent int
	Failed int
	Ratio  float64
}

// Admit samples the failure window and reports whether spawns may proceed.
// Below the minimum sample size the valve is always open.
func (v *Valve) Admit(ctx context.Context) (Verdict, error) {
	opts := options.FromContext(ctx)
	recent, err := v.store.RecentWorkers(ctx, v.clock.Now().Add(-opts.FailureWindow))
	if err != nil {
		return Verdict{}, fmt.Errorf("listing recent workers, %w", err)
	}
	verdict := Verdict{
		Open:   true,
		Recent: len(recent),
		Failed: lo.CountBy(recent, isFailure),
	}
	if verdict.Recent > 0 {
		verdict.Ratio = float64(verdict.Failed) / float64(verdict.Recent)
	}
	if verdict.Recent < opts.MinWorkersForRateCheck {
		return verdict, nil
	}
	if verdict.Ratio >= opts.MaxWorkerFailureRate {
		verdict.Open = false
	}
	return verdict, nil
}

// isFailure reports whether a terminal row counts against the failure rate.
// Rows drained by scale-down keep the terminating marker and an empty error
// reason; every other terminal row failed for cause, including rows killed
// outside the orchestrator that carry neither marker.
func isFailure(worker *store.Worker) bool {
	if worker.Status != store.WorkerStatusError && worker.Status != store.WorkerStatusTerminated {
		return false
	}
	if worker.Metadata.ErrorReason != "" {
		return true
	}
	return worker.Metadata.OrchestratorStatus != store.WorkerStatusTerminating
}
