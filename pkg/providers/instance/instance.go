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

package instance

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/cache"
	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/runpod"
	"github.com/renderloop/gpu-orchestrator/pkg/utils/pretty"
)

//go:embed gputypes.toml
var staticCatalogRaw []byte

// staticGPUTypes maps both catalog ids and display names onto ids, and
// staticGPUMemory onto card memory, parsed once from the embedded snapshot.
var staticGPUTypes, staticGPUMemory = func() (map[string]string, map[string]int) {
	var catalog struct {
		GPUTypes []struct {
			ID          string `toml:"id"`
			DisplayName string `toml:"display_name"`
			MemoryInGB  int    `toml:"memory_in_gb"`
		} `toml:"gpu_types"`
	}
	lo.Must0(toml.Unmarshal(staticCatalogRaw, &catalog))
	ids := map[string]string{}
	memory := map[string]int{}
	for _, t := range catalog.GPUTypes {
		ids[t.ID] = t.ID
		ids[t.DisplayName] = t.ID
		memory[t.ID] = t.MemoryInGB
		memory[t.DisplayName] = t.MemoryInGB
	}
	return ids, memory
}()

// MemoryGB reports the catalog memory for a GPU type. Registration records it
// as the worker's ram tier without waiting on a cloud call; unknown types
// report 0.
func MemoryGB(gpuType string) int {
	return staticGPUMemory[gpuType]
}

type Provider struct {
	api                 runpod.API
	unavailableGPUTypes *cache.UnavailableGPUTypes
	gpuTypeCache        *gocache.Cache
	volumeCache         *gocache.Cache
	cm                  *pretty.ChangeMonitor
}

func NewProvider(api runpod.API, unavailableGPUTypes *cache.UnavailableGPUTypes) *Provider {
	return &Provider{
		api:                 api,
		unavailableGPUTypes: unavailableGPUTypes,
		gpuTypeCache:        gocache.New(cache.CatalogTTL, cache.DefaultCleanupInterval),
		volumeCache:         gocache.New(cache.CatalogTTL, cache.DefaultCleanupInterval),
		cm:                  pretty.NewChangeMonitor(),
	}
}

// Create deploys a worker pod named after the worker id. A GPU type that
// recently stocked out short-circuits without a cloud call.
func (p *Provider) Create(ctx context.Context, workerID string) (*Instance, error) {
	opts := options.FromContext(ctx)
	if p.unavailableGPUTypes.IsUnavailable(opts.RunPodGPUType) {
		return nil, orcherrors.NewCloudError(orcherrors.CloudQuota, "creating pod",
			fmt.Sprintf("gpu type %q is cooling down after a stock-out", opts.RunPodGPUType), nil)
	}
	gpuTypeID, err := p.resolveGPUType(ctx, opts.RunPodGPUType)
	if err != nil {
		return nil, fmt.Errorf("resolving gpu type, %w", err)
	}
	input := &runpod.CreatePodInput{
		Name:              workerID,
		ImageName:         opts.RunPodWorkerImage,
		GPUTypeID:         gpuTypeID,
		GPUCount:          1,
		CloudType:         runpod.CloudTypeSecure,
		VolumeInGB:        opts.RunPodDiskSizeGB,
		ContainerDiskInGB: opts.RunPodContainerDiskGB,
		Ports:             "22/tcp",
		Env:               workerEnv(opts, workerID),
	}
	if opts.RunPodStorageName != "" {
		volumeID, err := p.resolveNetworkVolume(ctx, opts.RunPodStorageName)
		if err != nil {
			// workers still come up without the shared volume, they just
			// re-download model weights
			logging.FromContext(ctx).Warnf("resolving network volume, %s", err)
		} else {
			input.NetworkVolumeID = volumeID
			input.VolumeMountPath = opts.RunPodVolumeMountPath
		}
	}
	pod, err := p.api.CreatePod(ctx, input)
	if err != nil {
		if orcherrors.IsQuota(err) {
			p.unavailableGPUTypes.MarkUnavailable(ctx, err.Error(), opts.RunPodGPUType)
		}
		return nil, fmt.Errorf("creating pod, %w", err)
	}
	logging.FromContext(ctx).With(
		"pod-id", pod.ID,
		"gpu-type", gpuTypeID,
		"cost-per-hr", pod.CostPerHr).Infof("launched pod")
	return NewInstance(pod), nil
}

// Terminate tears a pod down. Terminating a pod that no longer exists
// succeeds so retries and crash recovery stay idempotent.
func (p *Provider) Terminate(ctx context.Context, cloudID string) error {
	if err := p.api.TerminatePod(ctx, cloudID); err != nil {
		if orcherrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("terminating pod, %w", err)
	}
	return nil
}

func (p *Provider) State(ctx context.Context, cloudID string) (*State, error) {
	pod, err := p.api.GetPod(ctx, cloudID)
	if err != nil {
		return nil, fmt.Errorf("getting pod, %w", err)
	}
	return stateFromPod(pod), nil
}

// List returns the account's worker pods, identified by the worker name
// prefix, for zombie reconciliation.
func (p *Provider) List(ctx context.Context) ([]*Instance, error) {
	pods, err := p.api.ListPods(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pods, %w", err)
	}
	return lo.FilterMap(pods, func(pod *runpod.Pod, _ int) (*Instance, bool) {
		return NewInstance(pod), strings.HasPrefix(pod.Name, WorkerNamePrefix)
	}), nil
}

// Initialize probes a freshly launched pod once for readiness. Ready requires
// the pod RUNNING with an uptime and an exposed SSH port; the heartbeat
// remains the only liveness signal after promotion.
func (p *Provider) Initialize(ctx context.Context, cloudID string) (*Initialization, error) {
	pod, err := p.api.GetPod(ctx, cloudID)
	if err != nil {
		if orcherrors.IsNotFound(err) {
			return &Initialization{Readiness: ReadinessFailed, Reason: "pod no longer exists"}, nil
		}
		return nil, fmt.Errorf("getting pod, %w", err)
	}
	state := stateFromPod(pod)
	switch pod.DesiredStatus {
	case runpod.StatusFailed, runpod.StatusTerminated:
		return &Initialization{
			Readiness: ReadinessFailed,
			Reason:    fmt.Sprintf("pod %s", strings.ToLower(pod.DesiredStatus)),
			State:     state,
		}, nil
	case runpod.StatusRunning:
		if state.UptimeSeconds > 0 && state.SSHPort != 0 {
			return &Initialization{Readiness: ReadinessReady, State: state}, nil
		}
		return &Initialization{Readiness: ReadinessNotReady, Reason: "waiting for ssh access", State: state}, nil
	default:
		return &Initialization{
			Readiness: ReadinessNotReady,
			Reason:    fmt.Sprintf("pod status %s", pod.DesiredStatus),
			State:     state,
		}, nil
	}
}

func (p *Provider) resolveGPUType(ctx context.Context, name string) (string, error) {
	if id, ok := p.gpuTypeCache.Get(name); ok {
		return id.(string), nil
	}
	gpuTypes, err := p.api.ListGPUTypes(ctx)
	if err != nil {
		if id, ok := staticGPUTypes[name]; ok {
			logging.FromContext(ctx).With("gpu-type", name).Debugf("resolved gpu type from the static catalog")
			return id, nil
		}
		return "", err
	}
	if p.cm.HasChanged("gpu-types", gpuTypes) {
		logging.FromContext(ctx).With("gpu-types", len(gpuTypes)).Debugf("discovered gpu types")
	}
	for _, t := range gpuTypes {
		if t.ID == name || t.DisplayName == name {
			p.gpuTypeCache.SetDefault(name, t.ID)
			return t.ID, nil
		}
	}
	// names drift between catalog revisions; try the snapshot before failing
	if id, ok := staticGPUTypes[name]; ok {
		return id, nil
	}
	return "", orcherrors.NewCloudError(orcherrors.CloudFatal, "resolving gpu type",
		fmt.Sprintf("unknown gpu type %q", name), nil)
}

func (p *Provider) resolveNetworkVolume(ctx context.Context, name string) (string, error) {
	if id, ok := p.volumeCache.Get(name); ok {
		return id.(string), nil
	}
	volumes, err := p.api.ListNetworkVolumes(ctx)
	if err != nil {
		return "", err
	}
	if p.cm.HasChanged("network-volumes", volumes) {
		logging.FromContext(ctx).With("network-volumes", pretty.Slice(lo.Map(volumes, func(v runpod.NetworkVolume, _ int) string {
			return v.Name
		}), 10)).Debugf("discovered network volumes")
	}
	for _, v := range volumes {
		if v.Name == name || v.ID == name {
			p.volumeCache.SetDefault(name, v.ID)
			return v.ID, nil
		}
	}
	return "", orcherrors.NewCloudError(orcherrors.CloudFatal, "resolving network volume",
		fmt.Sprintf("no network volume named %q", name), nil)
}

func workerEnv(opts *options.Options, workerID string) map[string]string {
	env := map[string]string{
		"WORKER_ID":                 workerID,
		"SUPABASE_URL":              opts.SupabaseURL,
		"SUPABASE_SERVICE_ROLE_KEY": opts.SupabaseServiceRoleKey,
		"TASK_COMPLETE_ENDPOINT":    opts.TaskCompleteEndpoint,
		"TASK_FAILED_ENDPOINT":      opts.TaskFailedEndpoint,
	}
	if opts.SupabaseAnonKey != "" {
		env["SUPABASE_ANON_KEY"] = opts.SupabaseAnonKey
	}
	if opts.RunPodSSHPublicKey != "" {
		env["PUBLIC_KEY"] = opts.RunPodSSHPublicKey
	}
	for k, v := range opts.WorkerEnv {
		env[k] = v
	}
	return env
}
