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
	"github.com/samber/lo"

	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// Task builds a task row for testing, with defaults filled in for any field
// the overrides leave unset.
func Task(overrides ...store.Task) *store.Task {
	override := store.Task{}
	for _, opts := range overrides {
		if err := mergo.Merge(&override, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge task: %s", err))
		}
	}
	if override.ID == "" {
		override.ID = fmt.Sprintf("task-%s", strings.ToLower(randomdata.Alphanumeric(8)))
	}
	if override.TaskType == "" {
		override.TaskType = "video_generation"
	}
	if override.Status == "" {
		override.Status = store.TaskStatusQueued
	}
	if override.CreatedAt == nil {
		override.CreatedAt = lo.ToPtr(time.Now().UTC())
	}
	return &override
}

// InProgressTask builds a task claimed by the given worker.
func InProgressTask(workerID string, overrides ...store.Task) *store.Task {
	task := Task(overrides...)
	task.Status = store.TaskStatusInProgress
	task.WorkerID = &workerID
	if task.GenerationStartedAt == nil {
		task.GenerationStartedAt = lo.ToPtr(time.Now().UTC())
	}
	return task
}
