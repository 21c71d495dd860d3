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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/imdario/mergo"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
)

const retryAttempts = 3

// Client implements Store over the Supabase HTTP surface. Every call is
// retried up to three times on transient failures with a capped backoff, so
// callers only see errors that survived the retry budget.
type Client struct {
	// HTTPClient and RetryDelay are exported for tests; production wiring
	// keeps the defaults from NewClient.
	HTTPClient *http.Client
	RetryDelay time.Duration

	baseURL    string
	serviceKey string
}

func NewClient(baseURL, serviceKey string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		RetryDelay: 100 * time.Millisecond,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		serviceKey: serviceKey,
	}
}

func (c *Client) TaskCounts(ctx context.Context) (TaskCounts, error) {
	data, err := c.rpc(ctx, "func_get_task_counts", map[string]any{
		"mode":            "count",
		"run_type_filter": RunTypeGPU,
	})
	if err != nil {
		return TaskCounts{}, err
	}
	var out struct {
		Totals TaskCounts `json:"totals"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return TaskCounts{}, fmt.Errorf("decoding task counts, %w", err)
	}
	return out.Totals, nil
}

func (c *Client) TaskCountDetails(ctx context.Context) (*TaskCountDetails, error) {
	data, err := c.edge(ctx, "task-counts", map[string]any{"run_type": RunTypeGPU})
	if err != nil {
		return nil, err
	}
	details := &TaskCountDetails{}
	if err := json.Unmarshal(data, details); err != nil {
		return nil, fmt.Errorf("decoding task count details, %w", err)
	}
	return details, nil
}

func (c *Client) ClaimTask(ctx context.Context, workerID string) (*Task, error) {
	data, err := c.rpc(ctx, "func_claim_available_task", map[string]any{
		"worker_id_param": workerID,
	})
	if err != nil {
		return nil, err
	}
	task, err := decodeFirst[Task](data)
	if err != nil {
		return nil, fmt.Errorf("decoding claimed task, %w", err)
	}
	return task, nil
}

func (c *Client) CompleteTask(ctx context.Context, taskID string, result map[string]any) error {
	payload := map[string]any{"task_id": taskID}
	if len(result) > 0 {
		payload["result"] = result
	}
	_, err := c.edge(ctx, "complete", payload)
	return err
}

func (c *Client) FailTask(ctx context.Context, taskID string, errMsg string) error {
	_, err := c.edge(ctx, "mark-task-failed", map[string]any{
		"task_id":       taskID,
		"error_message": errMsg,
	})
	return err
}

func (c *Client) ResetOrphanedTasks(ctx context.Context, workerIDs []string) (int, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	data, err := c.rpc(ctx, "func_reset_orphaned_tasks", map[string]any{
		"failed_worker_ids": workerIDs,
	})
	if err != nil {
		return 0, err
	}
	return decodeCount(data)
}

func (c *Client) ResetUnassignedTasks(ctx context.Context, olderThan time.Time) (int, error) {
	// A row can lose its worker before generation_started_at is ever set,
	// so a null timestamp counts as stale too.
	query := url.Values{
		"select":    {"id,task_type"},
		"status":    {"eq." + TaskStatusInProgress},
		"worker_id": {"is.null"},
		"or":        {"(generation_started_at.lt." + olderThan.UTC().Format(time.RFC3339) + ",generation_started_at.is.null)"},
	}
	data, err := c.rest(ctx, http.MethodGet, "tasks", query, nil)
	if err != nil {
		return 0, err
	}
	var stuck []Task
	if err := json.Unmarshal(data, &stuck); err != nil {
		return 0, fmt.Errorf("decoding stuck tasks, %w", err)
	}
	ids := lo.FilterMap(stuck, func(t Task, _ int) (string, bool) {
		return t.ID, !IsParentTask(t.TaskType)
	})
	if len(ids) == 0 {
		return 0, nil
	}
	data, err = c.rest(ctx, http.MethodPatch, "tasks", url.Values{
		"id":       {"in.(" + strings.Join(ids, ",") + ")"},
		"attempts": {"lt." + strconv.Itoa(MaxTaskAttempts)},
	}, map[string]any{
		"status":                  TaskStatusQueued,
		"worker_id":               nil,
		"generation_started_at":   nil,
		"generation_processed_at": nil,
		"error_message":           "Reset - stuck in progress with no worker assigned",
	})
	if err != nil {
		return 0, err
	}
	return countRows(data)
}

func (c *Client) InProgressTasks(ctx context.Context, workerID string) ([]*Task, error) {
	data, err := c.rest(ctx, http.MethodGet, "tasks", url.Values{
		"select":    {"*"},
		"worker_id": {"eq." + workerID},
		"status":    {"eq." + TaskStatusInProgress},
	}, nil)
	if err != nil {
		return nil, err
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decoding task rows, %w", err)
	}
	return tasks, nil
}

func (c *Client) HasRunningTasks(ctx context.Context, workerID string) (bool, error) {
	data, err := c.rest(ctx, http.MethodGet, "tasks", url.Values{
		"select":    {"id"},
		"worker_id": {"eq." + workerID},
		"status":    {"eq." + TaskStatusInProgress},
		"limit":     {"1"},
	}, nil)
	if err != nil {
		return false, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return false, fmt.Errorf("decoding task rows, %w", err)
	}
	return len(rows) > 0, nil
}

func (c *Client) CreateWorker(ctx context.Context, worker *Worker) error {
	data, err := c.rest(ctx, http.MethodPost, "workers", nil, worker)
	if err != nil {
		return err
	}
	// Refresh from the returned representation so callers hold the row as
	// the store normalized it.
	created, err := decodeFirst[Worker](data)
	if err != nil {
		return fmt.Errorf("decoding created worker, %w", err)
	}
	if created != nil {
		*worker = *created
	}
	return nil
}

func (c *Client) UpdateWorker(ctx context.Context, id string, patch WorkerPatch) (*Worker, error) {
	current, err := c.Worker(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status == nil && patch.Metadata == nil {
		return current, nil
	}
	merged := current.Metadata
	body := map[string]any{}
	if patch.Status != nil {
		// The status is mirrored into orchestrator_status; an explicit value
		// in the patch metadata wins.
		merged.OrchestratorStatus = *patch.Status
		body["status"] = *patch.Status
	}
	if patch.Metadata != nil {
		if err := mergo.Merge(&merged, *patch.Metadata, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging worker metadata, %w", err)
		}
	}
	body["metadata"] = merged
	data, err := c.rest(ctx, http.MethodPatch, "workers", url.Values{"id": {"eq." + id}}, body)
	if err != nil {
		return nil, err
	}
	updated, err := decodeFirst[Worker](data)
	if err != nil {
		return nil, fmt.Errorf("decoding worker row, %w", err)
	}
	if updated == nil {
		return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "update worker", fmt.Sprintf("worker %s has no row", id), nil)
	}
	return updated, nil
}

func (c *Client) MarkWorkerError(ctx context.Context, id string, reason string) error {
	now := time.Now().UTC()
	_, err := c.UpdateWorker(ctx, id, WorkerPatch{
		Status:   lo.ToPtr(WorkerStatusError),
		Metadata: &Metadata{ErrorReason: reason, ErrorTime: &now},
	})
	return err
}

func (c *Client) Workers(ctx context.Context, statuses ...string) ([]*Worker, error) {
	// Newest first keeps live workers inside the store's 1000 row page even
	// when the table has accumulated months of terminated rows.
	query := url.Values{
		"select": {"*"},
		"order":  {"created_at.desc"},
	}
	if len(statuses) > 0 {
		query.Set("status", "in.("+strings.Join(statuses, ",")+")")
	}
	data, err := c.rest(ctx, http.MethodGet, "workers", query, nil)
	if err != nil {
		return nil, err
	}
	var workers []*Worker
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("decoding worker rows, %w", err)
	}
	return workers, nil
}

func (c *Client) RecentWorkers(ctx context.Context, since time.Time) ([]*Worker, error) {
	data, err := c.rest(ctx, http.MethodGet, "workers", url.Values{
		"select":     {"*"},
		"order":      {"created_at.desc"},
		"created_at": {"gte." + since.UTC().Format(time.RFC3339)},
	}, nil)
	if err != nil {
		return nil, err
	}
	var workers []*Worker
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("decoding worker rows, %w", err)
	}
	return workers, nil
}

func (c *Client) Worker(ctx context.Context, id string) (*Worker, error) {
	data, err := c.rest(ctx, http.MethodGet, "workers", url.Values{
		"select": {"*"},
		"id":     {"eq." + id},
		"limit":  {"1"},
	}, nil)
	if err != nil {
		return nil, err
	}
	worker, err := decodeFirst[Worker](data)
	if err != nil {
		return nil, fmt.Errorf("decoding worker row, %w", err)
	}
	if worker == nil {
		return nil, orcherrors.NewStoreError(orcherrors.StoreMissing, "get worker", fmt.Sprintf("worker %s has no row", id), nil)
	}
	return worker, nil
}

func (c *Client) UpdateHeartbeat(ctx context.Context, id string, vramTotalMB, vramUsedMB *int) error {
	params := map[string]any{"worker_id_param": id}
	if vramTotalMB != nil {
		params["vram_total_mb_param"] = *vramTotalMB
		params["vram_used_mb_param"] = lo.FromPtr(vramUsedMB)
	}
	_, err := c.rpc(ctx, "func_update_worker_heartbeat", params)
	return err
}

func (c *Client) InsertLogBatch(ctx context.Context, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	data, err := c.rpc(ctx, "func_insert_logs_batch", map[string]any{"logs": records})
	if err != nil {
		return err
	}
	var result struct {
		Errors int `json:"errors"`
	}
	if len(data) > 0 && json.Unmarshal(data, &result) == nil && result.Errors > 0 {
		logging.FromContext(ctx).Warnf("store rejected %d of %d log records", result.Errors, len(records))
	}
	return nil
}

func (c *Client) CleanupOldLogs(ctx context.Context, olderThan time.Time) (int, error) {
	data, err := c.rpc(ctx, "func_cleanup_old_logs", map[string]any{
		"cutoff_param": olderThan.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}
	return decodeCount(data)
}

func (c *Client) rest(ctx context.Context, method, table string, query url.Values, body any) ([]byte, error) {
	endpoint := c.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	headers := http.Header{}
	if method == http.MethodPost || method == http.MethodPatch {
		headers.Set("Prefer", "return=representation")
	}
	return c.do(ctx, fmt.Sprintf("%s %s", method, table), method, endpoint, headers, body)
}

func (c *Client) rpc(ctx context.Context, fn string, params any) ([]byte, error) {
	return c.do(ctx, "rpc "+fn, http.MethodPost, c.baseURL+"/rest/v1/rpc/"+fn, nil, params)
}

func (c *Client) edge(ctx context.Context, name string, payload any) ([]byte, error) {
	return c.do(ctx, "edge "+name, http.MethodPost, c.baseURL+"/functions/v1/"+name, nil, payload)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, headers http.Header, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding %s request, %w", op, err)
		}
	}
	var data []byte
	err := retry.Do(func() error {
		var err error
		data, err = c.roundTrip(ctx, op, method, endpoint, headers, payload)
		return err
	},
		retry.Context(ctx),
		retry.RetryIf(orcherrors.IsTransient),
		retry.Attempts(retryAttempts),
		retry.Delay(c.RetryDelay),
		retry.MaxDelay(time.Second),
		retry.LastErrorOnly(true),
	)
	return data, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint string, headers http.Header, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request, %w", op, err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, orcherrors.NewStoreError(orcherrors.StoreTransient, op, "request failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, orcherrors.NewStoreError(orcherrors.StoreTransient, op, "reading response", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, c.statusError(op, resp.StatusCode, data)
}

func (c *Client) statusError(op string, status int, body []byte) error {
	kind := orcherrors.StoreFatal
	switch {
	case status == http.StatusNotFound:
		kind = orcherrors.StoreMissing
	case status == http.StatusConflict:
		kind = orcherrors.StoreConflict
	case status == http.StatusTooManyRequests || status >= 500:
		kind = orcherrors.StoreTransient
	}
	serr := orcherrors.NewStoreError(kind, op, restMessage(body), nil)
	serr.Status = status
	return serr
}

// restMessage pulls the PostgREST error message out of a failure body,
// falling back to a truncated copy of the raw payload.
func restMessage(body []byte) string {
	var pg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &pg); err == nil && pg.Message != "" {
		return pg.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// decodeFirst handles payloads that may be a bare object, an array of rows or
// empty. RPCs returning SETOF and PostgREST representations both fit.
func decodeFirst[T any](data []byte) (*T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var rows []T
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return &rows[0], nil
	}
	out := new(T)
	if err := json.Unmarshal(trimmed, out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeCount reads an integer RPC result, tolerating null.
func decodeCount(data []byte) (int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, nil
	}
	var count int
	if err := json.Unmarshal(trimmed, &count); err != nil {
		return 0, fmt.Errorf("decoding row count, %w", err)
	}
	return count, nil
}

// countRows counts the rows in a return=representation payload.
func countRows(data []byte) (int, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("decoding updated rows, %w", err)
	}
	return len(rows), nil
}
