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

package logsink_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "knative.dev/pkg/logging/testing"

	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
	"github.com/renderloop/gpu-orchestrator/pkg/fake"
	"github.com/renderloop/gpu-orchestrator/pkg/logsink"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

var ctx context.Context
var fakeStore *fake.Store
var sink *logsink.Sink

func TestLogSink(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "LogSink")
}

// newSink builds a sink and discards the probe record so specs count only
// their own submissions.
func newSink(config logsink.Config) *logsink.Sink {
	s, err := logsink.New(ctx, fakeStore, config)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	fakeStore.Reset()
	return s
}

func sentMessages() []string {
	return lo.Map(fakeStore.Logs(), func(rec store.LogRecord, _ int) string { return rec.Message })
}

var _ = Describe("Sink", func() {
	BeforeEach(func() {
		fakeStore = &fake.Store{}
		sink = nil
	})
	AfterEach(func() {
		if sink != nil {
			sink.Stop(ctx)
		}
		fakeStore.Reset()
	})

	Context("initialization", func() {
		It("should verify the insert path with a probe write", func() {
			s, err := logsink.New(ctx, fakeStore, logsink.Config{Source: "orch-test-1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(s.Stats().Alive).To(BeFalse())

			logs := fakeStore.Logs()
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].Message).To(Equal("database logging initialized"))
			Expect(logs[0].SourceType).To(Equal("orchestrator_gpu"))
			Expect(logs[0].SourceID).To(Equal("orch-test-1"))
			Expect(logs[0].Metadata).To(HaveKeyWithValue("probe", true))
		})
		It("should surface a failed probe as a logging failure", func() {
			dir, err := os.MkdirTemp("", "logsink")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
			diagnostic := filepath.Join(dir, "db_logging_errors.log")

			fakeStore.InsertLogBatchBehavior.Error.Set(errors.New("insert rejected"))
			_, err = logsink.New(ctx, fakeStore, logsink.Config{
				Source:         "orch-test-1",
				Required:       true,
				DiagnosticFile: diagnostic,
			})
			Expect(err).To(HaveOccurred())
			Expect(orcherrors.IsLoggingFailure(err)).To(BeTrue())

			var lerr *orcherrors.LoggingError
			Expect(errors.As(err, &lerr)).To(BeTrue())
			Expect(lerr.Required).To(BeTrue())

			data, err := os.ReadFile(diagnostic)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("CRITICAL"))
			Expect(string(data)).To(ContainSubstring("insert rejected"))
		})
		It("should append degraded notices to the diagnostic file", func() {
			dir, err := os.MkdirTemp("", "logsink")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
			diagnostic := filepath.Join(dir, "db_logging_errors.log")

			logsink.ReportDegraded(diagnostic)
			logsink.ReportDegraded(diagnostic)

			data, err := os.ReadFile(diagnostic)
			Expect(err).ToNot(HaveOccurred())
			Expect(strings.Count(string(data), "ERROR logging degraded")).To(Equal(2))
		})
	})

	Context("flushing", func() {
		It("should submit once a full batch is pending", func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 3, FlushInterval: time.Hour})
			sink.Start(ctx)

			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m1"})
			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m2"})
			Consistently(fakeStore.Logs, "100ms", "20ms").Should(BeEmpty())

			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m3"})
			Eventually(fakeStore.Logs).Should(HaveLen(3))
			Eventually(func() int { return sink.Stats().Sent }).Should(Equal(3))
			Expect(sink.Stats().Batches).To(Equal(1))

			rec := fakeStore.Logs()[0]
			Expect(rec.SourceType).To(Equal("orchestrator_gpu"))
			Expect(rec.SourceID).To(Equal("orch-test-1"))
			Expect(rec.Timestamp.IsZero()).To(BeFalse())
		})
		It("should flush on the interval even below a full batch", func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 50, FlushInterval: 20 * time.Millisecond})
			sink.Start(ctx)

			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m1"})
			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m2"})
			Eventually(fakeStore.Logs).Should(HaveLen(2))
		})
		It("should split a backlog into batch-sized submissions", func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 2, FlushInterval: time.Hour})
			for i := 0; i < 5; i++ {
				sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m"})
			}
			sink.Start(ctx)

			Eventually(fakeStore.Logs).Should(HaveLen(5))
			Eventually(func() int { return sink.Stats().Batches }).Should(Equal(3))
			Expect(fakeStore.InsertLogBatchBehavior.CalledWithInput.Len()).To(Equal(3))
		})
		It("should discard a batch the store refuses and keep the rest", func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 2, FlushInterval: 20 * time.Millisecond})
			fakeStore.InsertLogBatchBehavior.Error.Set(errors.New("db down"))

			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m1"})
			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m2"})
			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m3"})
			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m4"})
			sink.Start(ctx)

			Eventually(sentMessages).Should(ConsistOf("m3", "m4"))
			Eventually(func() int { return sink.Stats().Sent }).Should(Equal(2))
			Expect(sink.Stats().Errors).To(Equal(2))
		})
	})

	Context("backpressure", func() {
		It("should drop the oldest records when the queue is full", func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 10, FlushInterval: 20 * time.Millisecond, MaxQueue: 3})
			for _, msg := range []string{"m1", "m2", "m3", "m4", "m5"} {
				sink.Enqueue(store.LogRecord{Level: "INFO", Message: msg})
			}
			stats := sink.Stats()
			Expect(stats.Queued).To(Equal(3))
			Expect(stats.Dropped).To(Equal(2))

			sink.Start(ctx)
			Eventually(sentMessages).Should(Equal([]string{"m3", "m4", "m5"}))
		})
	})

	Context("shutdown", func() {
		It("should drain pending records on stop", func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 50, FlushInterval: time.Hour})
			sink.Start(ctx)

			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m1"})
			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m2"})
			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m3"})
			sink.Stop(ctx)

			Expect(fakeStore.Logs()).To(HaveLen(3))
			stats := sink.Stats()
			Expect(stats.Alive).To(BeFalse())
			Expect(stats.Queued).To(BeZero())
		})
		It("should drop records enqueued after stop", func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 50, FlushInterval: time.Hour})
			sink.Start(ctx)
			sink.Stop(ctx)

			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "late"})
			Expect(sink.Stats().Dropped).To(Equal(1))
			Expect(fakeStore.Logs()).To(BeEmpty())
		})
		It("should still drain after its context is cancelled", func() {
			runCtx, cancel := context.WithCancel(ctx)
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 50, FlushInterval: time.Hour})
			sink.Start(runCtx)
			cancel()
			Eventually(func() bool { return sink.Stats().Alive }).Should(BeFalse())

			sink.Enqueue(store.LogRecord{Level: "INFO", Message: "m1"})
			sink.Stop(ctx)
			Expect(fakeStore.Logs()).To(HaveLen(1))
		})
	})

	Context("zap core", func() {
		BeforeEach(func() {
			sink = newSink(logsink.Config{Source: "orch-test-1", BatchSize: 1, FlushInterval: time.Hour})
			sink.Start(ctx)
		})

		It("should lift the well-known fields into columns", func() {
			logger := zap.New(sink.ZapCore(zapcore.InfoLevel)).Sugar()
			logger.With("cycle", int64(7), "worker", "gpu-w1", "task", "t-9", "gpu_type", "RTX 4090").Infof("claimed task")

			Eventually(fakeStore.Logs).Should(HaveLen(1))
			rec := fakeStore.Logs()[0]
			Expect(rec.Level).To(Equal("INFO"))
			Expect(rec.Message).To(Equal("claimed task"))
			Expect(rec.Cycle).To(Equal(int64(7)))
			Expect(rec.WorkerID).To(Equal("gpu-w1"))
			Expect(rec.TaskID).To(Equal("t-9"))
			Expect(rec.SourceType).To(Equal("orchestrator_gpu"))
			Expect(rec.SourceID).To(Equal("orch-test-1"))
			Expect(rec.Metadata).To(HaveKeyWithValue("gpu_type", "RTX 4090"))
			Expect(rec.Metadata).ToNot(HaveKey("cycle"))
			Expect(rec.Metadata).ToNot(HaveKey("worker"))
			Expect(rec.Metadata).ToNot(HaveKey("task"))
		})
		It("should not forward entries below the gate", func() {
			logger := zap.New(sink.ZapCore(zapcore.WarnLevel)).Sugar()
			logger.Infof("chatty")
			logger.Warnf("warned")

			Eventually(fakeStore.Logs).Should(HaveLen(1))
			Expect(fakeStore.Logs()[0].Level).To(Equal("WARNING"))
			Expect(fakeStore.Logs()[0].Message).To(Equal("warned"))
		})
		It("should map zap levels onto the table's vocabulary", func() {
			logger := zap.New(sink.ZapCore(zapcore.DebugLevel)).Sugar()
			logger.Debugf("d")
			logger.Infof("i")
			logger.Warnf("w")
			logger.Errorf("e")
			logger.DPanicf("c")

			Eventually(fakeStore.Logs).Should(HaveLen(5))
			levels := lo.Map(fakeStore.Logs(), func(rec store.LogRecord, _ int) string { return rec.Level })
			Expect(levels).To(Equal([]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}))
		})
		It("should parse configured level names", func() {
			Expect(logsink.LevelFromName("DEBUG")).To(Equal(zapcore.DebugLevel))
			Expect(logsink.LevelFromName("WARNING")).To(Equal(zapcore.WarnLevel))
			Expect(logsink.LevelFromName("CRITICAL")).To(Equal(zapcore.DPanicLevel))
			Expect(logsink.LevelFromName("bogus")).To(Equal(zapcore.InfoLevel))
		})
	})
})
