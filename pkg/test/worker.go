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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"

	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// WorkerID returns a fresh worker id in the production naming scheme.
func WorkerID() string {
	return fmt.Sprintf("gpu-%s-%s", time.Now().UTC().Format("20060102_150405"), strings.ToLower(randomdata.Alphanumeric(8)))
}

// Worker builds a worker row for testing, with defaults filled in for any
// field the overrides leave unset.
func Worker(overrides ...store.Worker) *store.Worker {
	override := store.Worker{}
	for _, opts := range overrides {
		if err := mergo.Merge(&override, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge worker: %s", err))
		}
		// mergo does not merge time.Time values.
		if !opts.CreatedAt.IsZero() {
			override.CreatedAt = opts.CreatedAt
		}
	}
	if override.ID == "" {
		override.ID = WorkerID()
	}
	if override.InstanceType == "" {
		override.InstanceType = "NVIDIA GeForce RTX 4090"
	}
	if override.Status == "" {
		override.Status = store.WorkerStatusSpawning
	}
	if override.CreatedAt.IsZero() {
		override.CreatedAt = time.Now().UTC()
	}
	if override.Metadata.OrchestratorStatus == "" {
		override.Metadata.OrchestratorStatus = override.Status
	}
	return &override
}
