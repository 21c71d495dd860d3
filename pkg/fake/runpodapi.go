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
	"sort"
	"strings"
	"sync"

	"github.com/Pallinder/go-randomdata"

	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
	"github.com/renderloop/gpu-orchestrator/pkg/runpod"
)

// DefaultGPUTypes is the catalog the fake serves when no output is pinned.
var DefaultGPUTypes = []runpod.GPUType{
	{ID: "NVIDIA GeForce RTX 4090", DisplayName: "RTX 4090", MemoryInGB: 24, SecureCloud: true},
	{ID: "NVIDIA RTX A5000", DisplayName: "RTX A5000", MemoryInGB: 24, SecureCloud: true},
	{ID: "NVIDIA A100 80GB PCIe", DisplayName: "A100 80GB PCIe", MemoryInGB: 80, SecureCloud: true},
}

// DefaultNetworkVolumes is the volume inventory the fake serves when no
// output is pinned.
var DefaultNetworkVolumes = []runpod.NetworkVolume{
	{ID: "nv-models", Name: "models", Size: 100, DataCenterID: "EU-RO-1"},
}

// RunPodAPIBehavior must be reset between tests otherwise tests will
// pollute each other.
type RunPodAPIBehavior struct {
	CreatePodBehavior          MockedFunction[runpod.CreatePodInput, runpod.Pod]
	TerminatePodBehavior       MockedFunction[string, struct{}]
	GetPodBehavior             MockedFunction[string, runpod.Pod]
	ListPodsBehavior           MockedFunction[struct{}, []*runpod.Pod]
	ListGPUTypesBehavior       MockedFunction[struct{}, []runpod.GPUType]
	ListNetworkVolumesBehavior MockedFunction[struct{}, []runpod.NetworkVolume]
}

// RunPodAPI is an in-memory implementation of the RunPod API. Default
// behaviors maintain a pod table so flows read back what they deployed;
// individual calls can be overridden through their behaviors.
type RunPodAPI struct {
	RunPodAPIBehavior

	Pods sync.Map // pod id -> *runpod.Pod
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (r *RunPodAPI) Reset() {
	r.CreatePodBehavior.Reset()
	r.TerminatePodBehavior.Reset()
	r.GetPodBehavior.Reset()
	r.ListPodsBehavior.Reset()
	r.ListGPUTypesBehavior.Reset()
	r.ListNetworkVolumesBehavior.Reset()
	r.Pods.Range(func(k, _ any) bool {
		r.Pods.Delete(k)
		return true
	})
}

func (r *RunPodAPI) CreatePod(_ context.Context, input *runpod.CreatePodInput) (*runpod.Pod, error) {
	return r.CreatePodBehavior.Invoke(input, func(input *runpod.CreatePodInput) (*runpod.Pod, error) {
		pod := &runpod.Pod{
			ID:            strings.ToLower(randomdata.Alphanumeric(14)),
			Name:          input.Name,
			DesiredStatus: runpod.StatusProvisioning,
			ImageName:     input.ImageName,
			CostPerHr:     0.69,
		}
		r.Pods.Store(pod.ID, pod)
		return clone(pod), nil
	})
}

func (r *RunPodAPI) TerminatePod(_ context.Context, podID string) error {
	_, err := r.TerminatePodBehavior.Invoke(&podID, func(podID *string) (*struct{}, error) {
		if _, ok := r.Pods.Load(*podID); !ok {
			return nil, orcherrors.NewCloudError(orcherrors.CloudNotFound, "terminating pod", *podID, nil)
		}
		r.Pods.Delete(*podID)
		return &struct{}{}, nil
	})
	return err
}

func (r *RunPodAPI) GetPod(_ context.Context, podID string) (*runpod.Pod, error) {
	return r.GetPodBehavior.Invoke(&podID, func(podID *string) (*runpod.Pod, error) {
		stored, ok := r.Pods.Load(*podID)
		if !ok {
			return nil, orcherrors.NewCloudError(orcherrors.CloudNotFound, "getting pod", *podID, nil)
		}
		return clone(stored.(*runpod.Pod)), nil
	})
}

func (r *RunPodAPI) ListPods(_ context.Context) ([]*runpod.Pod, error) {
	out, err := r.ListPodsBehavior.Invoke(&struct{}{}, func(*struct{}) (*[]*runpod.Pod, error) {
		var pods []*runpod.Pod
		r.Pods.Range(func(_, v any) bool {
			pods = append(pods, clone(v.(*runpod.Pod)))
			return true
		})
		sort.Slice(pods, func(i, j int) bool { return pods[i].ID < pods[j].ID })
		return &pods, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (r *RunPodAPI) ListGPUTypes(_ context.Context) ([]runpod.GPUType, error) {
	out, err := r.ListGPUTypesBehavior.Invoke(&struct{}{}, func(*struct{}) (*[]runpod.GPUType, error) {
		types := append([]runpod.GPUType{}, DefaultGPUTypes...)
		return &types, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (r *RunPodAPI) ListNetworkVolumes(_ context.Context) ([]runpod.NetworkVolume, error) {
	out, err := r.ListNetworkVolumesBehavior.Invoke(&struct{}{}, func(*struct{}) (*[]runpod.NetworkVolume, error) {
		volumes := append([]runpod.NetworkVolume{}, DefaultNetworkVolumes...)
		return &volumes, nil
	})
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// SetPodRunning marks a stored pod RUNNING with an exposed SSH port mapping,
// which is the shape of a pod that finished provisioning.
func (r *RunPodAPI) SetPodRunning(podID string) {
	r.updatePod(podID, func(pod *runpod.Pod) {
		pod.DesiredStatus = runpod.StatusRunning
		pod.Runtime = &runpod.Runtime{
			UptimeInSeconds: 60,
			SSHPassword:     "fake-password",
			Ports: []runpod.Port{{
				IP:          "192.0.2.10",
				IsIPPublic:  true,
				PrivatePort: 22,
				PublicPort:  10022,
				Type:        "tcp",
			}},
		}
	})
}

// SetPodStatus overwrites a stored pod's desired status.
func (r *RunPodAPI) SetPodStatus(podID string, status string) {
	r.updatePod(podID, func(pod *runpod.Pod) { pod.DesiredStatus = status })
}

func (r *RunPodAPI) updatePod(podID string, mutate func(*runpod.Pod)) {
	if stored, ok := r.Pods.Load(podID); ok {
		pod := clone(stored.(*runpod.Pod))
		mutate(pod)
		r.Pods.Store(podID, pod)
	}
}

// StoredPods returns the fake's pod table, ordered by id.
func (r *RunPodAPI) StoredPods() []*runpod.Pod {
	var pods []*runpod.Pod
	r.Pods.Range(func(_, v any) bool {
		pods = append(pods, clone(v.(*runpod.Pod)))
		return true
	})
	sort.Slice(pods, func(i, j int) bool { return pods[i].ID < pods[j].ID })
	return pods
}
