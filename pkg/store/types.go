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

package store

import (
	"encoding/json"
	"time"
)

// Task is externally owned; the orchestrator reads counts and resets orphans
// but never creates or executes tasks.
type Task struct {
	ID                  string     `json:"id"`
	TaskType            string     `json:"task_type,omitempty"`
	Status              string     `json:"status,omitempty"`
	WorkerID            *string    `json:"worker_id,omitempty"`
	Attempts            int        `json:"attempts,omitempty"`
	GenerationStartedAt *time.Time `json:"generation_started_at,omitempty"`
	CreatedAt           *time.Time `json:"created_at,omitempty"`
}

// TaskCounts is the demand tuple the planner scales against.
type TaskCounts struct {
	QueuedOnly int `json:"queued_only"`
	ActiveOnly int `json:"active_only"`
	Total      int `json:"total"`
}

// Workload is the quantity the desired-count math divides by tasks per
// worker: everything claimable plus everything already claimed.
func (c TaskCounts) Workload() int {
	return c.QueuedOnly + c.ActiveOnly
}

// TaskCountDetails is the diagnostic breakdown behind TaskCounts.
type TaskCountDetails struct {
	Totals TaskCounts       `json:"totals"`
	Users  []UserTaskCounts `json:"users,omitempty"`
}

type UserTaskCounts struct {
	UserID          string `json:"user_id"`
	QueuedTasks     int    `json:"queued_tasks"`
	InProgressTasks int    `json:"in_progress_tasks"`
}

// Worker is a fleet row. The id doubles as the cloud pod name, so primary key
// uniqueness is what prevents duplicate pods for one registration.
type Worker struct {
	ID            string     `json:"id"`
	InstanceType  string     `json:"instance_type"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Metadata      Metadata   `json:"metadata"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsTerminal reports whether the row has reached an end state.
func (w *Worker) IsTerminal() bool {
	return w.Status == WorkerStatusTerminated || w.Status == WorkerStatusError
}

// WorkerPatch is a partial update. Status, when set, is also mirrored into
// metadata orchestrator_status unless the patch metadata overrides it.
type WorkerPatch struct {
	Status   *string
	Metadata *Metadata
}

// PodDetails snapshots what the cloud reported at launch, for dashboards and
// post-mortems. The authoritative pod state always comes from the cloud API.
type PodDetails struct {
	PodID         string  `json:"pod_id,omitempty"`
	GPUType       string  `json:"gpu_type,omitempty"`
	CostPerHour   float64 `json:"cost_per_hr,omitempty"`
	DesiredStatus string  `json:"desired_status,omitempty"`
}

// SSHDetails records the pod's SSH mapping as connection metadata for humans.
// Nothing in the control loop probes it.
type SSHDetails struct {
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

// Metadata is the jsonb bag on a worker row. The named fields are
// orchestrator-owned; Extra carries every other key found on the row and is
// written back verbatim so external writers (workers, dashboards, migration
// scripts) never lose state to a read-merge-write.
type Metadata struct {
	Ready              *bool       `json:"ready,omitempty"`
	OrchestratorStatus string      `json:"orchestrator_status,omitempty"`
	RunPodID           string      `json:"runpod_id,omitempty"`
	PodDetails         *PodDetails `json:"pod_details,omitempty"`
	SSHDetails         *SSHDetails `json:"ssh_details,omitempty"`
	PromotedToActiveAt *time.Time  `json:"promoted_to_active_at,omitempty"`
	TerminatedAt       *time.Time  `json:"terminated_at,omitempty"`
	TerminatingSince   *time.Time  `json:"terminating_since,omitempty"`
	ErrorReason        string      `json:"error_reason,omitempty"`
	ErrorTime          *time.Time  `json:"error_time,omitempty"`
	RAMTier            string      `json:"ram_tier,omitempty"`
	StorageVolume      string      `json:"storage_volume,omitempty"`
	VRAMTotalMB        *int        `json:"vram_total_mb,omitempty"`
	VRAMUsedMB         *int        `json:"vram_used_mb,omitempty"`
	VRAMTimestamp      *time.Time  `json:"vram_timestamp,omitempty"`

	Extra map[string]any `json:"-"`
}

// metadataAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type metadataAlias Metadata

var ownedMetadataKeys = map[string]struct{}{
	"ready":                 {},
	"orchestrator_status":   {},
	"runpod_id":             {},
	"pod_details":           {},
	"ssh_details":           {},
	"promoted_to_active_at": {},
	"terminated_at":         {},
	"terminating_since":     {},
	"error_reason":          {},
	"error_time":            {},
	"ram_tier":              {},
	"storage_volume":        {},
	"vram_total_mb":         {},
	"vram_used_mb":          {},
	"vram_timestamp":        {},
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.Extra {
		// Owned keys cannot be shadowed through Extra.
		if _, owned := ownedMetadataKeys[key]; owned {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[key] = raw
	}
	return json.Marshal(merged)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var alias metadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra := map[string]any{}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	for key := range ownedMetadataKeys {
		delete(extra, key)
	}
	*m = Metadata(alias)
	if len(extra) > 0 {
		m.Extra = extra
	}
	return nil
}

// LogRecord is one row for the batched insert RPC. Field names follow the
// deployed function's expected entry shape.
type LogRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	Level      string         `json:"log_level"`
	Message    string         `json:"message"`
	Cycle      int64          `json:"cycle_number,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
