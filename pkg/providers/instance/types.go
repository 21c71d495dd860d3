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

package instance

import (
	"strings"
	"time"

	"github.com/renderloop/gpu-orchestrator/pkg/runpod"
)

// WorkerNamePrefix identifies pods owned by the orchestrator. Worker ids are
// used verbatim as pod names, so any account pod with this prefix that has no
// store row is a zombie.
const WorkerNamePrefix = "gpu-"

// WorkerNameTimeLayout is the UTC timestamp embedded in worker ids, between
// the prefix and the random suffix.
const WorkerNameTimeLayout = "20060102_150405"

// LaunchTime recovers the creation timestamp embedded in a worker name.
// Names look like gpu-20240131_154500-8f14e45f.
func LaunchTime(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, WorkerNamePrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, ok := strings.Cut(rest, "-")
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(WorkerNameTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Instance is an internal data representation of a worker pod. It carries the
// common data needed from both deploy responses and account listings.
type Instance struct {
	ID            string
	Name          string
	DesiredStatus string
	CostPerHour   float64
	UptimeSeconds int64
}

func NewInstance(pod *runpod.Pod) *Instance {
	instance := &Instance{
		ID:            pod.ID,
		Name:          pod.Name,
		DesiredStatus: pod.DesiredStatus,
		CostPerHour:   pod.CostPerHr,
	}
	if pod.Runtime != nil {
		instance.UptimeSeconds = pod.Runtime.UptimeInSeconds
	}
	return instance
}

// State is a pod's externally observable runtime state. The SSH fields are
// recorded as connection metadata for operators; they are never probed for
// liveness.
type State struct {
	DesiredStatus string
	IP            string
	SSHPort       int
	SSHPassword   string
	UptimeSeconds int64
	CostPerHour   float64
}

func stateFromPod(pod *runpod.Pod) *State {
	state := &State{
		DesiredStatus: pod.DesiredStatus,
		CostPerHour:   pod.CostPerHr,
	}
	if pod.Runtime != nil {
		state.UptimeSeconds = pod.Runtime.UptimeInSeconds
		state.SSHPassword = pod.Runtime.SSHPassword
	}
	if port := pod.SSHPort(); port != nil {
		state.IP = port.IP
		state.SSHPort = port.PublicPort
	}
	return state
}

type Readiness string

const (
	ReadinessReady    Readiness = "Ready"
	ReadinessNotReady Readiness = "NotReady"
	ReadinessFailed   Readiness = "Failed"
)

// Initialization is the outcome of a one-shot readiness probe against a
// freshly launched pod.
type Initialization struct {
	Readiness Readiness
	Reason    string
	State     *State
}
