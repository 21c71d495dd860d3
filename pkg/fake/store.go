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

package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"github.com/samber/lo"

	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

type CompleteTaskInput struct {
	TaskID string
	Result map[string]any
}

type FailTaskInput struct {
	TaskID   string
	ErrorMsg string
}

type UpdateWorkerInput struct {
	ID    string
	Patch store.WorkerPatch
}

type MarkWorkerErrorInput struct {
	ID     string
	Reason string
}

type UpdateHeartbeatInput struct {
	ID          string
	VRAMTotalMB *int
	VRAMUsedMB  *int
}

// StoreBehavior must be reset between tests otherwise tests will
// pollute each other.
type StoreBehavior struct {
	TaskCountsBehavior           MockedFunction[struct{}, store.TaskCounts]
	TaskCountDetailsBehavior     MockedFunction[struct{}, store.TaskCountDetails]
	ClaimTaskBehavior            MockedFunction[string, store.Task]
	CompleteTaskBehavior         MockedFunction[CompleteTaskInput, struct{}]
	FailTaskBehavior             MockedFunction[FailTaskInput, struct{}]
	ResetOrphanedTasksBehavior   MockedFunction[[]string, int]
	ResetUnassignedTasksBehavior MockedFunction[time.Time, int]
	InProgressTasksBehavior      MockedFunction[string, []*store.Task]
	HasRunningTasksBehavior      MockedFunction[string, bool]
	CreateWorkerBehavior         MockedFunction[store.Worker, struct{}]
	UpdateWorkerBehavior         MockedFunction[UpdateWorkerInput, store.Worker]
	MarkWorkerErrorBehavior      MockedFunction[MarkWorkerErrorInput, struct{}]
	WorkersBehavior              MockedFunction[[]string, []*store.Worker]
	WorkerBehavior               MockedFunction[string, store.Worker]
	RecentWorkersBehavior        MockedFunction[time.Time, []*store.Worker]
	UpdateHeartbeatBehavior      MockedFunction[UpdateHeartbeatInput, struct{}]
	InsertLogBatchBehavior       MockedFunction[[]store.LogRecord, struct{}]
	CleanupOldLogsBehavior       MockedFunction[time.Time, int]
}

// Store is an in-memory implementation of the task/worker store. Default
// behaviors maintain worker and task tables with the deployed functions'
// semantics (claim refusal for terminating workers, parent task exclusion,
// the attempt cap) so flows read back what they wrote; individual calls can
// be overridden through their behaviors.
type Store struct {
	StoreBehavior

	WorkerRows sync.Map // worker id -> *store.Worker
	TaskRows   sync.Map // task id -> *store.Task

	mu   sync.Mutex
	logs []store.LogRecord
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *Store) Reset() {
	s.TaskCountsBehavior.Reset()
	s.TaskCountDetailsBehavior.Reset()
	s.ClaimTaskBehavior.Reset()
	s.CompleteTaskBehavior.Reset()
	s.FailTaskBehavior.Reset()
	s.ResetOrphanedTasksBehavior.Reset()
	s.ResetUnassignedTasksBehavior.Reset()
	s.InProgressTasksBehavior.Reset()
	s.HasRunningTasksBehavior.Reset()
	s.CreateWorkerBehavior.Reset()
	s.UpdateWorkerBehavior.Reset()
	s.MarkWorkerErrorBehavior.Reset()
	s.WorkersBehavior.Reset()
	s.WorkerBehavior.Reset()
	s.RecentWorkersBehavior.Reset()
	s.UpdateHeartbeatBehavior.Reset()
	s.InsertLogBatchBehavior.Reset()
	s.CleanupOldLogsBehavior.Reset()
	s.WorkerRows.Range(func(k, _ any) bool {
		s.WorkerRows.Delete(k)
		return true
	})
	s.TaskRows.Range(func(k, _ any) bool {
		s.TaskRows.Delete(k)
		return true
	})
	s.mu.Lock()
	s.logs = nil
	s.mu.Unlock()
}

func (s *Store) TaskCounts(_ context.Context) (store.TaskCounts, error) {
	out, err := s.TaskCountsBehavior.Invoke(&struct{}{}, func(*struct{}) (*store.TaskCounts, error) {
		return lo.ToPtr(s.countTasks()), nil
	})
	if err != nil {
		return store.TaskCounts{}, err
	}
	return *out, nil
}

func (s *Store) TaskCountDetails(_ context.Context) (*store.TaskCountDetails, error) {
	return s.TaskCountDetailsBehavior.Invoke(&struct{}{}, func(*struct{}) (*store.TaskCountDetails, error) {
		return &store.TaskCountDetails{Totals: s.countTasks()}, nil
	})
}

func (s *Store) ClaimTask(_ context.Context, workerID string) (*store.Task, error) {
	task, err := s.ClaimTaskBehavior.Invoke(&workerID, func(workerID *string) (*store.Task, error) {
		stored, ok := s.WorkerRows.Load(*workerID)
		if !ok {
			return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "rpc func_claim_available_task", fmt.Sprintf("worker %s has no row", *workerID), nil)
		}
		if stored.(*store.Worker).Status == store.WorkerStatusTerminating {
			return nil, orcherrors.NewStoreError(orcherrors.StoreConflict, "rpc func_claim_available_task", "worker is terminating", nil)
		}
		var queued []*store.Task
		s.TaskRows.Range(func(_, v any) bool {
			if task := v.(*store.Task); task.Status == store.TaskStatusQueued {
				queued = append(queued, task)
			}
			return true
		})
		if len(queued) == 0 {
			return nil, nil
		}
		sort.Slice(queued, func(i, j int) bool {
			a, b := lo.FromPtr(queued[i].CreatedAt), lo.FromPtr(queued[j].CreatedAt)
			if a.Equal(b) {
				return queued[i].ID < queued[j].ID
			}
			return a.Before(b)
		})
		claimed := clone(queued[0])
		claimed.Status = store.TaskStatusInProgress
		claimed.WorkerID = workerID
		claimed.GenerationStartedAt = lo.ToPtr(time.Now().UTC())
		s.TaskRows.Store(claimed.ID, claimed)
		return clone(claimed), nil
	})
	if err != nil || task == nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID string, result map[string]any) error {
	_, err := s.CompleteTaskBehavior.Invoke(&CompleteTaskInput{TaskID: taskID, Result: result}, func(input *CompleteTaskInput) (*struct{}, error) {
		stored, ok := s.TaskRows.Load(input.TaskID)
		if !ok {
			return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "edge complete", fmt.Sprintf("task %s has no row", input.TaskID), nil)
		}
		task := clone(stored.(*store.Task))
		task.Status = store.TaskStatusComplete
		s.TaskRows.Store(task.ID, task)
		return &struct{}{}, nil
	})
	return err
}

func (s *Store) FailTask(_ context.Context, taskID string, errMsg string) error {
	_, err := s.FailTaskBehavior.Invoke(&FailTaskInput{TaskID: taskID, ErrorMsg: errMsg}, func(input *FailTaskInput) (*struct{}, error) {
		stored, ok := s.TaskRows.Load(input.TaskID)
		if !ok {
			return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "edge mark-task-failed", fmt.Sprintf("task %s has no row", input.TaskID), nil)
		}
		task := clone(stored.(*store.Task))
		task.Attempts++
		if task.Attempts >= store.MaxTaskAttempts {
			task.Status = store.TaskStatusFailed
		} else {
			task.Status = store.TaskStatusQueued
			task.WorkerID = nil
			task.GenerationStartedAt = nil
		}
		s.TaskRows.Store(task.ID, task)
		return &struct{}{}, nil
	})
	return err
}

func (s *Store) ResetOrphanedTasks(_ context.Context, workerIDs []string) (int, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	count, err := s.ResetOrphanedTasksBehavior.Invoke(&workerIDs, func(workerIDs *[]string) (*int, error) {
		count := s.resetTasks(func(task *store.Task) bool {
			return task.WorkerID != nil && lo.Contains(*workerIDs, *task.WorkerID)
		})
		return &count, nil
	})
	if err != nil {
		return 0, err
	}
	return *count, nil
}

func (s *Store) ResetUnassignedTasks(_ context.Context, olderThan time.Time) (int, error) {
	count, err := s.ResetUnassignedTasksBehavior.Invoke(&olderThan, func(olderThan *time.Time) (*int, error) {
		count := s.resetTasks(func(task *store.Task) bool {
			return task.WorkerID == nil && (task.GenerationStartedAt == nil || task.GenerationStartedAt.Before(*olderThan))
		})
		return &count, nil
	})
	if err != nil {
		return 0, err
	}
	return *count, nil
}

func (s *Store) InProgressTasks(_ context.Context, workerID string) ([]*store.Task, error) {
	out, err := s.InProgressTasksBehavior.Invoke(&workerID, func(workerID *string) (*[]*store.Task, error) {
		var tasks []*store.Task
		s.TaskRows.Range(func(_, v any) bool {
			task := v.(*store.Task)
			if task.Status == store.TaskStatusInProgress && lo.FromPtr(task.WorkerID) == *workerID {
				tasks = append(tasks, clone(task))
			}
			return true
		})
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		return &tasks, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (s *Store) HasRunningTasks(ctx context.Context, workerID string) (bool, error) {
	out, err := s.HasRunningTasksBehavior.Invoke(&workerID, func(workerID *string) (*bool, error) {
		tasks, err := s.InProgressTasks(ctx, *workerID)
		if err != nil {
			return nil, err
		}
		return lo.ToPtr(len(tasks) > 0), nil
	})
	if err != nil {
		return false, err
	}
	return *out, nil
}

func (s *Store) CreateWorker(_ context.Context, worker *store.Worker) error {
	_, err := s.CreateWorkerBehavior.Invoke(worker, func(worker *store.Worker) (*struct{}, error) {
		if _, exists := s.WorkerRows.Load(worker.ID); exists {
			return nil, orcherrors.NewStoreError(orcherrors.StoreConflict, "POST workers", "duplicate key value violates unique constraint \"workers_pkey\"", nil)
		}
		s.WorkerRows.Store(worker.ID, clone(worker))
		return &struct{}{}, nil
	})
	return err
}

func (s *Store) UpdateWorker(_ context.Context, id string, patch store.WorkerPatch) (*store.Worker, error) {
	return s.UpdateWorkerBehavior.Invoke(&UpdateWorkerInput{ID: id, Patch: patch}, func(input *UpdateWorkerInput) (*store.Worker, error) {
		stored, ok := s.WorkerRows.Load(input.ID)
		if !ok {
			return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "update worker", fmt.Sprintf("worker %s has no row", input.ID), nil)
		}
		worker := clone(stored.(*store.Worker))
		if input.Patch.Status != nil {
			worker.Status = *input.Patch.Status
			worker.Metadata.OrchestratorStatus = *input.Patch.Status
		}
		if input.Patch.Metadata != nil {
			if err := mergo.Merge(&worker.Metadata, *input.Patch.Metadata, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging worker metadata, %w", err)
			}
		}
		s.WorkerRows.Store(worker.ID, worker)
		return clone(worker), nil
	})
}

func (s *Store) MarkWorkerError(ctx context.Context, id string, reason string) error {
	_, err := s.MarkWorkerErrorBehavior.Invoke(&MarkWorkerErrorInput{ID: id, Reason: reason}, func(input *MarkWorkerErrorInput) (*struct{}, error) {
		if _, err := s.UpdateWorker(ctx, input.ID, store.WorkerPatch{
			Status:   lo.ToPtr(store.WorkerStatusError),
			Metadata: &store.Metadata{ErrorReason: input.Reason, ErrorTime: lo.ToPtr(time.Now().UTC())},
		}); err != nil {
			return nil, err
		}
		return &struct{}{}, nil
	})
	return err
}

func (s *Store) Workers(_ context.Context, statuses ...string) ([]*store.Worker, error) {
	out, err := s.WorkersBehavior.Invoke(&statuses, func(statuses *[]string) (*[]*store.Worker, error) {
		var workers []*store.Worker
		s.WorkerRows.Range(func(_, v any) bool {
			worker := v.(*store.Worker)
			if len(*statuses) == 0 || lo.Contains(*statuses, worker.Status) {
				workers = append(workers, clone(worker))
			}
			return true
		})
		sort.Slice(workers, func(i, j int) bool {
			if workers[i].CreatedAt.Equal(workers[j].CreatedAt) {
				return workers[i].ID < workers[j].ID
			}
			return workers[i].CreatedAt.After(workers[j].CreatedAt)
		})
		return &workers, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (s *Store) RecentWorkers(_ context.Context, since time.Time) ([]*store.Worker, error) {
	out, err := s.RecentWorkersBehavior.Invoke(&since, func(since *time.Time) (*[]*store.Worker, error) {
		var workers []*store.Worker
		s.WorkerRows.Range(func(_, v any) bool {
			worker := v.(*store.Worker)
			if !worker.CreatedAt.Before(*since) {
				workers = append(workers, clone(worker))
			}
			return true
		})
		sort.Slice(workers, func(i, j int) bool {
			if workers[i].CreatedAt.Equal(workers[j].CreatedAt) {
				return workers[i].ID < workers[j].ID
			}
			return workers[i].CreatedAt.After(workers[j].CreatedAt)
		})
		return &workers, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (s *Store) Worker(_ context.Context, id string) (*store.Worker, error) {
	return s.WorkerBehavior.Invoke(&id, func(id *string) (*store.Worker, error) {
		stored, ok := s.WorkerRows.Load(*id)
		if !ok {
			return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "get worker", fmt.Sprintf("worker %s has no row", *id), nil)
		}
		return clone(stored.(*store.Worker)), nil
	})
}

func (s *Store) UpdateHeartbeat(_ context.Context, id string, vramTotalMB, vramUsedMB *int) error {
	_, err := s.UpdateHeartbeatBehavior.Invoke(&UpdateHeartbeatInput{ID: id, VRAMTotalMB: vramTotalMB, VRAMUsedMB: vramUsedMB}, func(input *UpdateHeartbeatInput) (*struct{}, error) {
		stored, ok := s.WorkerRows.Load(input.ID)
		if !ok {
			return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "rpc func_update_worker_heartbeat", fmt.Sprintf("worker %s has no row", input.ID), nil)
		}
		worker := clone(stored.(*store.Worker))
		now := time.Now().UTC()
		worker.LastHeartbeat = &now
		if input.VRAMTotalMB != nil {
			worker.Metadata.VRAMTotalMB = input.VRAMTotalMB
			worker.Metadata.VRAMUsedMB = lo.ToPtr(lo.FromPtr(input.VRAMUsedMB))
			worker.Metadata.VRAMTimestamp = &now
		}
		s.WorkerRows.Store(worker.ID, worker)
		return &struct{}{}, nil
	})
	return err
}

func (s *Store) InsertLogBatch(_ context.Context, records []store.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.InsertLogBatchBehavior.Invoke(&records, func(records *[]store.LogRecord) (*struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.logs = append(s.logs, *records...)
		return &struct{}{}, nil
	})
	return err
}

func (s *Store) CleanupOldLogs(_ context.Context, olderThan time.Time) (int, error) {
	count, err := s.CleanupOldLogsBehavior.Invoke(&olderThan, func(olderThan *time.Time) (*int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		kept := lo.Filter(s.logs, func(r store.LogRecord, _ int) bool {
			return !r.Timestamp.Before(*olderThan)
		})
		deleted := len(s.logs) - len(kept)
		s.logs = kept
		return &deleted, nil
	})
	if err != nil {
		return 0, err
	}
	return *count, nil
}

// Logs returns every record accepted by the default insert behavior.
func (s *Store) Logs() []store.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.LogRecord{}, s.logs...)
}

// StoredWorkers returns the fake's worker table, ordered by id.
func (s *Store) StoredWorkers() []*store.Worker {
	var workers []*store.Worker
	s.WorkerRows.Range(func(_, v any) bool {
		workers = append(workers, clone(v.(*store.Worker)))
		return true
	})
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// StoredTasks returns the fake's task table, ordered by id.
func (s *Store) StoredTasks() []*store.Task {
	var tasks []*store.Task
	s.TaskRows.Range(func(_, v any) bool {
		tasks = append(tasks, clone(v.(*store.Task)))
		return true
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// resetTasks applies the deployed reset semantics: only In Progress rows
// below the attempt cap, never parents.
func (s *Store) resetTasks(eligible func(*store.Task) bool) int {
	count := 0
	s.TaskRows.Range(func(_, v any) bool {
		task := v.(*store.Task)
		if task.Status != store.TaskStatusInProgress || task.Attempts >= store.MaxTaskAttempts || store.IsParentTask(task.TaskType) {
			return true
		}
		if !eligible(task) {
			return true
		}
		reset := clone(task)
		reset.Status = store.TaskStatusQueued
		reset.WorkerID = nil
		reset.GenerationStartedAt = nil
		s.TaskRows.Store(reset.ID, reset)
		count++
		return true
	})
	return count
}

func (s *Store) countTasks() store.TaskCounts {
	counts := store.TaskCounts{}
	s.TaskRows.Range(func(_, v any) bool {
		switch v.(*store.Task).Status {
		case store.TaskStatusQueued:
			counts.QueuedOnly++
		case store.TaskStatusInProgress:
			counts.ActiveOnly++
		}
		return true
	})
	counts.Total = counts.QueuedOnly + counts.ActiveOnly
	return counts
}
