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

// Package operator assembles the process: the store and cloud clients, the
// instance provider, the log sink and the serving endpoints the controllers
// run behind.
package operator

import (
	"context"
	"fmt"

	gocache "github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/cache"
	"github.com/renderloop/gpu-orchestrator/pkg/logsink"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/providers/instance"
	"github.com/renderloop/gpu-orchestrator/pkg/runpod"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

// Operator is injected into the controllers' factories.
type Operator struct {
	Store            *store.Client
	RunPodAPI        *runpod.Client
	InstanceProvider *instance.Provider
	// Sink is nil when database logging is disabled, or when it failed to
	// initialize and was not required.
	Sink  *logsink.Sink
	Clock clock.Clock
}

// NewOperator builds the dependency graph and verifies both backends before
// any controller runs. A process that cannot reach its store or its cloud
// would fail every cycle the same way, so startup is where that surfaces.
// The returned context carries a logger teed into the sink when database
// logging is up.
func NewOperator(ctx context.Context) (context.Context, *Operator) {
	opts := options.FromContext(ctx)

	st := store.NewClient(opts.SupabaseURL, opts.SupabaseServiceRoleKey, opts.StoreRequestTimeout)
	if err := CheckStoreConnectivity(ctx, st); err != nil {
		logging.FromContext(ctx).Fatalf("store connectivity check failed, %s", err)
	}

	runpodClient := runpod.NewClient(opts.RunPodAPIKey, opts.CloudRequestTimeout)
	if err := CheckCloudConnectivity(ctx, runpodClient); err != nil {
		logging.FromContext(ctx).Fatalf("cloud api connectivity check failed, %s", err)
	}

	var sink *logsink.Sink
	if opts.EnableDBLogging {
		var err error
		sink, err = logsink.New(ctx, st, logsink.Config{
			Source:         opts.InstanceID,
			BatchSize:      opts.DBLogBatchSize,
			FlushInterval:  opts.DBLogFlushInterval,
			MaxQueue:       opts.DBLogMaxQueue,
			Required:       opts.DBLoggingRequired,
			DiagnosticFile: opts.DBLogDiagnosticFile,
		})
		if err != nil {
			if opts.DBLoggingRequired {
				logging.FromContext(ctx).Fatalf("initializing database logging, %s", err)
			}
			logging.FromContext(ctx).Errorf("initializing database logging, continuing on console only, %s", err)
		} else {
			sink.Start(ctx)
			ctx = logging.WithLogger(ctx, WithSinkCore(logging.FromContext(ctx), sink, logsink.LevelFromName(opts.DBLogLevel)))
		}
	}

	unavailableGPUTypes := cache.NewUnavailableGPUTypes(gocache.New(cache.UnavailableGPUTypesTTL, cache.DefaultCleanupInterval))
	return ctx, &Operator{
		Store:            st,
		RunPodAPI:        runpodClient,
		InstanceProvider: instance.NewProvider(runpodClient, unavailableGPUTypes),
		Sink:             sink,
		Clock:            clock.RealClock{},
	}
}

// CheckStoreConnectivity samples task counts once, exercising the RPC path
// every cycle starts with.
func CheckStoreConnectivity(ctx context.Context, st store.Store) error {
	if _, err := st.TaskCounts(ctx); err != nil {
		return fmt.Errorf("sampling task counts, %w", err)
	}
	return nil
}

// CheckCloudConnectivity lists the GPU catalog as an early indicator that the
// API key is usable before the first spawn needs it.
func CheckCloudConnectivity(ctx context.Context, api runpod.API) error {
	gpuTypes, err := api.ListGPUTypes(ctx)
	if err != nil {
		return fmt.Errorf("listing gpu types, %w", err)
	}
	logging.FromContext(ctx).With("gpu-types", len(gpuTypes)).Debugf("discovered gpu catalog")
	return nil
}
