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

// Package logsink forwards orchestrator logs into the shared store's log
// table, where worker output already lands. Forwarding is asynchronous and
// lossy: a bounded queue drops its oldest records under pressure, and a batch
// the store refuses is discarded once the client's retries are spent. The
// console stream stays authoritative; sink trouble is reported on stderr.
package logsink

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/renderloop/gpu-orchestrator/pkg/store"

	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
)

const (
	// SourceType stamps every record this process writes; workers write
	// their own source types into the same table.
	SourceType = "orchestrator_gpu"

	// drainTimeout bounds the final flush on Stop regardless of the
	// caller's context.
	drainTimeout = 15 * time.Second

	defaultBatchSize      = 50
	defaultFlushInterval  = 5 * time.Second
	defaultMaxQueue       = 2000
	defaultDiagnosticFile = "db_logging_errors.log"
)

type Config struct {
	// Source becomes the source_id column on every record.
	Source        string
	BatchSize     int
	FlushInterval time.Duration
	MaxQueue      int
	// Required marks initialization failures fatal for the operator.
	Required bool
	// DiagnosticFile receives init failures that cannot reach the store.
	DiagnosticFile string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = defaultMaxQueue
	}
	if c.DiagnosticFile == "" {
		c.DiagnosticFile = defaultDiagnosticFile
	}
	return c
}

// Stats is a point-in-time snapshot of the sink's counters. Sent, Dropped and
// Errors count records; Batches counts accepted submissions.
type Stats struct {
	Queued  int
	Sent    int
	Dropped int
	Errors  int
	Batches int
	Alive   bool
}

// Sink buffers log records and submits them in batches from a single
// background goroutine. Enqueue never blocks and never errors.
type Sink struct {
	store  store.Store
	config Config

	mu      sync.Mutex
	queue   []store.LogRecord
	sent    int
	dropped int
	errored int
	batches int
	alive   bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}

	kick chan struct{}
}

// New verifies the insert path with a probe write before returning a sink.
// A failed probe is appended to the diagnostic file, echoed to stderr, and
// returned as a LoggingError carrying the Required flag; the caller decides
// whether that is fatal.
func New(ctx context.Context, st store.Store, config Config) (*Sink, error) {
	config = config.withDefaults()
	probe := store.LogRecord{
		Timestamp:  time.Now().UTC(),
		SourceType: SourceType,
		SourceID:   config.Source,
		Level:      "INFO",
		Message:    "database logging initialized",
		Metadata:   map[string]any{"probe": true},
	}
	if err := st.InsertLogBatch(ctx, []store.LogRecord{probe}); err != nil {
		lerr := &orcherrors.LoggingError{Err: err, Required: config.Required}
		diagnose(config.DiagnosticFile, lerr)
		return nil, lerr
	}
	return &Sink{
		store:  st,
		config: config,
		kick:   make(chan struct{}, 1),
	}, nil
}

// Start launches the flush goroutine. Restarting a sink that died or was
// stopped is allowed; starting a live sink is a no-op.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive {
		return
	}
	s.stopped = false
	s.alive = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx, s.stop, s.done)
}

// Stop halts the flush goroutine and drains what is queued, bounded by the
// caller's context and the sink's own drain deadline. The drain happens even
// when the goroutine already exited with its context; records enqueued after
// Stop are dropped.
func (s *Sink) Stop(ctx context.Context) {
	s.mu.Lock()
	first := !s.stopped
	s.stopped = true
	alive := s.alive
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if alive && first {
		close(stop)
		<-done
	}

	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	s.drain(ctx)
}

// Enqueue buffers one record for submission. When the queue is full the
// oldest pending record gives way; after Stop everything is dropped.
func (s *Sink) Enqueue(rec store.LogRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.SourceType == "" {
		rec.SourceType = SourceType
	}
	if rec.SourceID == "" {
		rec.SourceID = s.config.Source
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.dropped++
		return
	}
	if len(s.queue) >= s.config.MaxQueue {
		s.queue = s.queue[:copy(s.queue, s.queue[1:])]
		s.dropped++
	}
	s.queue = append(s.queue, rec)
	if len(s.queue) >= s.config.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:  len(s.queue),
		Sent:    s.sent,
		Dropped: s.dropped,
		Errors:  s.errored,
		Batches: s.batches,
		Alive:   s.alive,
	}
}

func (s *Sink) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		s.mu.Lock()
		s.alive = false
		s.mu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.flush(ctx)
	}
}

// flush submits full batches until the queue falls below one batch. A refused
// batch ends the pass; whatever is still queued gets another chance on the
// next tick.
func (s *Sink) flush(ctx context.Context) {
	for {
		batch := s.take()
		if len(batch) == 0 {
			return
		}
		if !s.submit(ctx, batch) {
			return
		}
		if len(batch) < s.config.BatchSize {
			return
		}
	}
}

// drain empties the queue on shutdown. Unlike flush it keeps going past a
// refused batch; there is no next tick to wait for.
func (s *Sink) drain(ctx context.Context) {
	for ctx.Err() == nil {
		batch := s.take()
		if len(batch) == 0 {
			return
		}
		s.submit(ctx, batch)
	}
}

func (s *Sink) take() []store.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if n > s.config.BatchSize {
		n = s.config.BatchSize
	}
	batch := make([]store.LogRecord, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[:copy(s.queue, s.queue[n:])]
	return batch
}

func (s *Sink) submit(ctx context.Context, batch []store.LogRecord) bool {
	err := s.store.InsertLogBatch(ctx, batch)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errored += len(batch)
		// Reporting through the logger would re-enter the sink, so this
		// goes straight to stderr.
		fmt.Fprintf(os.Stderr, "log sink: discarding %d records, %s\n", len(batch), err)
		return false
	}
	s.sent += len(batch)
	s.batches++
	return true
}

func diagnose(path string, err error) {
	appendDiagnostic(path, fmt.Sprintf("%s CRITICAL %s\n", time.Now().UTC().Format(time.RFC3339), err))
}

// ReportDegraded records that database logging is configured but has no
// running sink. It writes to stderr and the diagnostic file directly since
// the sink is the channel that is missing. An empty path uses the default
// diagnostic file.
func ReportDegraded(path string) {
	if path == "" {
		path = defaultDiagnosticFile
	}
	appendDiagnostic(path, fmt.Sprintf("%s ERROR logging degraded: database logging is enabled but the sink is not running\n", time.Now().UTC().Format(time.RFC3339)))
}

func appendDiagnostic(path, line string) {
	fmt.Fprint(os.Stderr, line)
	f, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if ferr != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}
