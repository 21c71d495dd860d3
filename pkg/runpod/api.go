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

// Package runpod is a thin client for the subset of the RunPod GraphQL API
// the orchestrator drives: on-demand pod deployment, termination, pod and
// account queries. Higher-level pod semantics live in providers/instance.
package runpod

import (
	"context"
)

// Pod desired statuses reported by the API.
const (
	StatusProvisioning = "PROVISIONING"
	StatusRunning      = "RUNNING"
	StatusFailed       = "FAILED"
	StatusTerminated   = "TERMINATED"
	StatusExited       = "EXITED"
)

// CloudTypeSecure pins workers to secure cloud capacity; community capacity
// has no uptime guarantees and is never used for fleet workers.
const CloudTypeSecure = "SECURE"

type API interface {
	// CreatePod deploys an on-demand pod and returns its initial state.
	CreatePod(ctx context.Context, input *CreatePodInput) (*Pod, error)
	// TerminatePod tears a pod down. Terminating an unknown pod returns a
	// NotFound cloud error.
	TerminatePod(ctx context.Context, podID string) error
	// GetPod returns the current state of one pod.
	GetPod(ctx context.Context, podID string) (*Pod, error)
	// ListPods returns every pod on the account.
	ListPods(ctx context.Context) ([]*Pod, error)
	// ListGPUTypes returns the GPU catalog.
	ListGPUTypes(ctx context.Context) ([]GPUType, error)
	// ListNetworkVolumes returns the account's network volumes.
	ListNetworkVolumes(ctx context.Context) ([]NetworkVolume, error)
}

type CreatePodInput struct {
	Name              string
	ImageName         string
	GPUTypeID         string
	GPUCount          int
	CloudType         string
	VolumeInGB        int
	ContainerDiskInGB int
	Ports             string
	NetworkVolumeID   string
	VolumeMountPath   string
	Env               map[string]string
}

type Pod struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	DesiredStatus string   `json:"desiredStatus"`
	ImageName     string   `json:"imageName"`
	CostPerHr     float64  `json:"costPerHr"`
	Runtime       *Runtime `json:"runtime"`
}

type Runtime struct {
	UptimeInSeconds int64  `json:"uptimeInSeconds"`
	SSHPassword     string `json:"sshPassword"`
	Ports           []Port `json:"ports"`
}

type Port struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"isIpPublic"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
	Type        string `json:"type"`
}

type GPUType struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	MemoryInGB  int    `json:"memoryInGb"`
	SecureCloud bool   `json:"secureCloud"`
}

type NetworkVolume struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         int    `json:"size"`
	DataCenterID string `json:"dataCenterId"`
}

// SSHPort returns the public mapping of the pod's SSH port, or nil when the
// runtime has not exposed one yet.
func (p *Pod) SSHPort() *Port {
	if p.Runtime == nil {
		return nil
	}
	for i := range p.Runtime.Ports {
		if p.Runtime.Ports[i].PrivatePort == 22 && p.Runtime.Ports[i].IsIPPublic {
			return &p.Runtime.Ports[i]
		}
	}
	return nil
}
