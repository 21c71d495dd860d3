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
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/controllers/cycle"
	"github.com/renderloop/gpu-orchestrator/pkg/logsink"
	"github.com/renderloop/gpu-orchestrator/pkg/metrics"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
)

// staleCycleFactor times the poll interval is how old the last completed
// cycle may be before the probe reports unhealthy. Covers a slow cycle plus
// the wait after it.
const staleCycleFactor = 3

// LivenessCheck builds the predicate behind /healthz: the last completed
// cycle must be recent and the sink's flush goroutine, when a sink is
// attached, must be running. A driver that has not completed a cycle yet
// passes; startup has its own fail-loud checks.
func LivenessCheck(ctx context.Context, driver *cycle.Controller, sink *logsink.Sink, clk clock.Clock) func() error {
	opts := options.FromContext(ctx)
	return func() error {
		if last, ok := driver.LastCompleted(); ok {
			if age := clk.Since(last); age > staleCycleFactor*opts.PollInterval {
				return fmt.Errorf("last cycle completed %s ago", age.Round(time.Second))
			}
		}
		if sink != nil && !sink.Stats().Alive {
			return fmt.Errorf("log sink is down")
		}
		return nil
	}
}

// Serve binds the metrics and health probe listeners and returns a function
// that shuts both down, bounded by its context.
func Serve(ctx context.Context, driver *cycle.Controller, sink *logsink.Sink) func(context.Context) {
	opts := options.FromContext(ctx)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if opts.EnableProfiling {
		registerPprof(metricsMux)
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthzHandler(LivenessCheck(ctx, driver, sink, clock.RealClock{})))

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", opts.MetricsPort), Handler: metricsMux},
		{Addr: fmt.Sprintf(":%d", opts.HealthProbePort), Handler: healthMux},
	}
	for _, srv := range servers {
		go func() {
			logging.FromContext(ctx).With("address", srv.Addr).Debugf("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.FromContext(ctx).Errorf("serving %s, %s", srv.Addr, err)
			}
		}()
	}
	return func(stopCtx context.Context) {
		for _, srv := range servers {
			if err := srv.Shutdown(stopCtx); err != nil {
				logging.FromContext(ctx).Errorf("shutting down %s, %s", srv.Addr, err)
			}
		}
	}
}

func healthzHandler(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}
}

func registerPprof(mux *http.ServeMux) {
	for path, handler := range map[string]http.Handler{
		"/debug/pprof/":             http.HandlerFunc(pprof.Index),
		"/debug/pprof/cmdline":      http.HandlerFunc(pprof.Cmdline),
		"/debug/pprof/profile":      http.HandlerFunc(pprof.Profile),
		"/debug/pprof/symbol":       http.HandlerFunc(pprof.Symbol),
		"/debug/pprof/trace":        http.HandlerFunc(pprof.Trace),
		"/debug/pprof/allocs":       pprof.Handler("allocs"),
		"/debug/pprof/heap":         pprof.Handler("heap"),
		"/debug/pprof/block":        pprof.Handler("block"),
		"/debug/pprof/goroutine":    pprof.Handler("goroutine"),
		"/debug/pprof/threadcreate": pprof.Handler("threadcreate"),
	} {
		mux.Handle(path, handler)
	}
}
