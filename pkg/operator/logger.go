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

package operator

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/renderloop/gpu-orchestrator/pkg/logsink"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
)

// DefaultZapConfig writes a console stream to stderr at the configured level.
// Stdout stays free for subcommand output.
func DefaultZapConfig(ctx context.Context) zap.Config {
	return zap.Config{
		Level:             lo.Must(zap.ParseAtomicLevel(options.FromContext(ctx).LogLevel)),
		Development:       false,
		DisableCaller:     options.FromContext(ctx).LogLevel != "debug",
		DisableStacktrace: true,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// NewLogger returns the process logger. Options must already be injected into
// the context; an unparseable level is caught by options validation before
// this runs.
func NewLogger(ctx context.Context, component string) *zap.SugaredLogger {
	return lo.Must(DefaultZapConfig(ctx).Build()).Named(component).Sugar()
}

// WithSinkCore tees every record the logger emits into the sink, gated at the
// given level. The console core keeps its own gate; the two are independent.
func WithSinkCore(logger *zap.SugaredLogger, sink *logsink.Sink, min zapcore.Level) *zap.SugaredLogger {
	return logger.Desugar().WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sink.ZapCore(min))
	})).Sugar()
}
