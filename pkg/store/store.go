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

// Package store speaks the Supabase surface the orchestrator shares with its
// workers: PostgREST row queries, deployed RPC functions and edge functions,
// all authenticated with the service role key. Store-side atomicity
// (conditional updates, row locks inside the claim RPC) is the only mutual
// exclusion in the system; the adapter never compensates for lost races.
package store

import (
	"context"
	"strings"
	"time"
)

// Task statuses as stored. "In Progress" carries the space; it predates the
// orchestrator and every worker matches on it verbatim.
const (
	TaskStatusQueued     = "Queued"
	TaskStatusInProgress = "In Progress"
	TaskStatusComplete   = "Complete"
	TaskStatusFailed     = "Failed"
	TaskStatusCancelled  = "Cancelled"
)

const (
	WorkerStatusSpawning    = "spawning"
	WorkerStatusActive      = "active"
	WorkerStatusTerminating = "terminating"
	WorkerStatusTerminated  = "terminated"
	WorkerStatusError       = "error"
)

// RunTypeGPU scopes task counts and claims to the GPU pool; the API worker
// fleet shares the same tables under a different run type.
const RunTypeGPU = "gpu"

// MaxTaskAttempts is the attempt cap shared with the deployed reset RPC. A
// task that has burned through this many claims stays failed rather than
// cycling through the queue forever.
const MaxTaskAttempts = 3

// Store is the surface the controllers consume. The production implementation
// is Client; tests use the in-memory fake.
type Store interface {
	// TaskCounts returns the pre-filtered demand tuple. Per-user concurrency
	// caps and tenancy eligibility are enforced by the deployed function, so
	// the planner scales against exactly the workload workers can claim.
	TaskCounts(ctx context.Context) (TaskCounts, error)
	// TaskCountDetails returns the per-user breakdown behind TaskCounts,
	// used for health summaries and the status snapshot.
	TaskCountDetails(ctx context.Context) (*TaskCountDetails, error)
	// ClaimTask atomically assigns the next eligible task to the worker, or
	// returns nil when the queue is empty. The RPC refuses workers whose
	// status is terminating.
	ClaimTask(ctx context.Context, workerID string) (*Task, error)
	CompleteTask(ctx context.Context, taskID string, result map[string]any) error
	// FailTask increments attempts; the store moves the task to Failed at the
	// attempt cap and back to Queued below it.
	FailTask(ctx context.Context, taskID string, errMsg string) error
	// ResetOrphanedTasks flips In Progress tasks held by the given workers
	// back to Queued. Parent tasks and tasks at the attempt cap are excluded
	// by the RPC. Returns the number of rows reset.
	ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error)
	// ResetUnassignedTasks re-queues In Progress rows that have no worker
	// assigned and have been stuck since before olderThan.
	ResetUnassignedTasks(ctx context.Context, olderThan time.Time) (int, error)
	InProgressTasks(ctx context.Context, workerID string) ([]*Task, error)
	HasRunningTasks(ctx context.Context, workerID string) (bool, error)
	CreateWorker(ctx context.Context, worker *Worker) error
	// UpdateWorker patches status and metadata for a worker row. Metadata is
	// read-merge-written: keys absent from the patch survive, and keys the
	// orchestrator does not own are carried through untouched.
	UpdateWorker(ctx context.Context, id string, patch WorkerPatch) (*Worker, error)
	MarkWorkerError(ctx context.Context, id string, reason string) error
	// Workers lists rows newest first, optionally filtered by status.
	Workers(ctx context.Context, statuses ...string) ([]*Worker, error)
	Worker(ctx context.Context, id string) (*Worker, error)
	// RecentWorkers lists rows of any status created at or after since,
	// newest first. Feeds the failure-rate valve.
	RecentWorkers(ctx context.Context, since time.Time) ([]*Worker, error)
	// UpdateHeartbeat is the worker-runtime boundary op. The orchestrator
	// never calls it in production; it is exercised by contract tests.
	UpdateHeartbeat(ctx context.Context, id string, vramTotalMB, vramUsedMB *int) error
	InsertLogBatch(ctx context.Context, records []LogRecord) error
	CleanupOldLogs(ctx context.Context, olderThan time.Time) (int, error)
}

// IsParentTask reports whether a task row belongs to an orchestrating parent
// pipeline. Parents legitimately run for hours while their children cycle
// through workers, so orphan recovery never resets them.
func IsParentTask(taskType string) bool {
	return strings.Contains(strings.ToLower(taskType), "orchestrator")
}
