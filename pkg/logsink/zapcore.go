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

package logsink

import (
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// ZapCore returns a core for teeing the process logger into the sink.
// Entries below min are not forwarded. The well-known fields cycle, worker
// and task become columns; everything else rides along in metadata.
func (s *Sink) ZapCore(min zapcore.Level) zapcore.Core {
	return &sinkCore{LevelEnabler: min, sink: s}
}

type sinkCore struct {
	zapcore.LevelEnabler
	sink   *Sink
	fields []zapcore.Field
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	return &sinkCore{
		LevelEnabler: c.LevelEnabler,
		sink:         c.sink,
		fields:       append(append([]zapcore.Field{}, c.fields...), fields...),
	}
}

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sinkCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	meta := enc.Fields

	rec := store.LogRecord{
		Timestamp: ent.Time.UTC(),
		Level:     levelName(ent.Level),
		Message:   ent.Message,
	}
	switch v := meta["cycle"].(type) {
	case int64:
		rec.Cycle = v
		delete(meta, "cycle")
	case int:
		rec.Cycle = int64(v)
		delete(meta, "cycle")
	}
	if v, ok := meta["worker"].(string); ok {
		rec.WorkerID = v
		delete(meta, "worker")
	}
	if v, ok := meta["task"].(string); ok {
		rec.TaskID = v
		delete(meta, "task")
	}
	if ent.LoggerName != "" {
		meta["logger"] = ent.LoggerName
	}
	if ent.Caller.Defined {
		meta["caller"] = ent.Caller.TrimmedPath()
	}
	if ent.Stack != "" {
		meta["stacktrace"] = ent.Stack
	}
	if len(meta) > 0 {
		rec.Metadata = meta
	}
	c.sink.Enqueue(rec)
	return nil
}

func (c *sinkCore) Sync() error { return nil }

// levelName maps zap levels onto the log table's level vocabulary.
func levelName(l zapcore.Level) string {
	switch {
	case l <= zapcore.DebugLevel:
		return "DEBUG"
	case l == zapcore.InfoLevel:
		return "INFO"
	case l == zapcore.WarnLevel:
		return "WARNING"
	case l == zapcore.ErrorLevel:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}

// LevelFromName is the inverse mapping for the DB_LOG_LEVEL option. Names are
// matched case-insensitively; unknown names gate at INFO.
func LevelFromName(name string) zapcore.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "CRITICAL":
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}
