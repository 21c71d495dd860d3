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

package test

import (
	"fmt"
	"time"

	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
)

type OptionsFields struct {
	MinActiveGPUs      *int
	MaxActiveGPUs      *int
	TasksPerGPU        *int
	MachinesToKeepIdle *int

	GPUIdleTimeout          *time.Duration
	TaskStuckTimeout        *time.Duration
	SpawningTimeout         *time.Duration
	GracefulShutdownTimeout *time.Duration
	FailsafeStaleThreshold  *time.Duration
	WorkerGracePeriod       *time.Duration
	ErrorCleanupGracePeriod *time.Duration
	PollInterval            *time.Duration

	MaxWorkerFailureRate   *float64
	FailureWindow          *time.Duration
	MinWorkersForRateCheck *int

	LogLevel            *string
	EnableDBLogging     *bool
	DBLogLevel          *string
	DBLogBatchSize      *int
	DBLogFlushInterval  *time.Duration
	DBLogMaxQueue       *int
	DBLoggingRequired   *bool
	DBLogDiagnosticFile *string
	InstanceID          *string

	MetricsPort     *int
	HealthProbePort *int

	RunPodAPIKey          *string
	RunPodGPUType         *string
	RunPodWorkerImage     *string
	RunPodStorageName     *string
	RunPodVolumeMountPath *string
	RunPodDiskSizeGB      *int
	RunPodContainerDiskGB *int
	RunPodSSHPublicKey    *string
	RunPodSSHPrivateKey   *string
	CloudRequestTimeout   *time.Duration

	SupabaseURL            *string
	SupabaseServiceRoleKey *string
	SupabaseAnonKey        *string
	StoreRequestTimeout    *time.Duration

	TaskCompleteEndpoint *string
	TaskFailedEndpoint   *string
	WorkerEnv            map[string]string
}

func Options(overrides ...OptionsFields) *options.Options {
	opts := OptionsFields{}
	for _, override := range overrides {
		if err := mergo.Merge(&opts, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge settings: %s", err))
		}
	}
	return &options.Options{
		MinActiveGPUs:      lo.FromPtrOr(opts.MinActiveGPUs, 2),
		MaxActiveGPUs:      lo.FromPtrOr(opts.MaxActiveGPUs, 10),
		TasksPerGPU:        lo.FromPtrOr(opts.TasksPerGPU, 3),
		MachinesToKeepIdle: lo.FromPtrOr(opts.MachinesToKeepIdle, 0),

		GPUIdleTimeout:          lo.FromPtrOr(opts.GPUIdleTimeout, 300*time.Second),
		TaskStuckTimeout:        lo.FromPtrOr(opts.TaskStuckTimeout, 300*time.Second),
		SpawningTimeout:         lo.FromPtrOr(opts.SpawningTimeout, 300*time.Second),
		GracefulShutdownTimeout: lo.FromPtrOr(opts.GracefulShutdownTimeout, 600*time.Second),
		FailsafeStaleThreshold:  lo.FromPtrOr(opts.FailsafeStaleThreshold, 900*time.Second),
		WorkerGracePeriod:       lo.FromPtrOr(opts.WorkerGracePeriod, 120*time.Second),
		ErrorCleanupGracePeriod: lo.FromPtrOr(opts.ErrorCleanupGracePeriod, 600*time.Second),
		PollInterval:            lo.FromPtrOr(opts.PollInterval, 30*time.Second),

		MaxWorkerFailureRate:   lo.FromPtrOr(opts.MaxWorkerFailureRate, 0.8),
		FailureWindow:          lo.FromPtrOr(opts.FailureWindow, 30*time.Minute),
		MinWorkersForRateCheck: lo.FromPtrOr(opts.MinWorkersForRateCheck, 5),

		LogLevel:            lo.FromPtrOr(opts.LogLevel, "info"),
		EnableDBLogging:     lo.FromPtrOr(opts.EnableDBLogging, false),
		DBLogLevel:          lo.FromPtrOr(opts.DBLogLevel, "INFO"),
		DBLogBatchSize:      lo.FromPtrOr(opts.DBLogBatchSize, 50),
		DBLogFlushInterval:  lo.FromPtrOr(opts.DBLogFlushInterval, 5*time.Second),
		DBLogMaxQueue:       lo.FromPtrOr(opts.DBLogMaxQueue, 2000),
		DBLoggingRequired:   lo.FromPtrOr(opts.DBLoggingRequired, false),
		DBLogDiagnosticFile: lo.FromPtrOr(opts.DBLogDiagnosticFile, "db_logging_errors.log"),
		InstanceID:          lo.FromPtrOr(opts.InstanceID, "orchestrator_gpu-test"),

		MetricsPort:     lo.FromPtrOr(opts.MetricsPort, 8080),
		HealthProbePort: lo.FromPtrOr(opts.HealthProbePort, 8081),

		RunPodAPIKey:          lo.FromPtrOr(opts.RunPodAPIKey, "test-api-key"),
		RunPodGPUType:         lo.FromPtrOr(opts.RunPodGPUType, "NVIDIA GeForce RTX 4090"),
		RunPodWorkerImage:     lo.FromPtrOr(opts.RunPodWorkerImage, "worker:latest"),
		RunPodStorageName:     lo.FromPtrOr(opts.RunPodStorageName, ""),
		RunPodVolumeMountPath: lo.FromPtrOr(opts.RunPodVolumeMountPath, "/workspace"),
		RunPodDiskSizeGB:      lo.FromPtrOr(opts.RunPodDiskSizeGB, 20),
		RunPodContainerDiskGB: lo.FromPtrOr(opts.RunPodContainerDiskGB, 10),
		RunPodSSHPublicKey:    lo.FromPtrOr(opts.RunPodSSHPublicKey, ""),
		RunPodSSHPrivateKey:   lo.FromPtrOr(opts.RunPodSSHPrivateKey, ""),
		CloudRequestTimeout:   lo.FromPtrOr(opts.CloudRequestTimeout, 15*time.Second),

		SupabaseURL:            lo.FromPtrOr(opts.SupabaseURL, "https://test.supabase.co"),
		SupabaseServiceRoleKey: lo.FromPtrOr(opts.SupabaseServiceRoleKey, "test-service-role-key"),
		SupabaseAnonKey:        lo.FromPtrOr(opts.SupabaseAnonKey, ""),
		StoreRequestTimeout:    lo.FromPtrOr(opts.StoreRequestTimeout, 10*time.Second),

		TaskCompleteEndpoint: lo.FromPtrOr(opts.TaskCompleteEndpoint, "https://test.supabase.co/functions/v1/complete"),
		TaskFailedEndpoint:   lo.FromPtrOr(opts.TaskFailedEndpoint, "https://test.supabase.co/functions/v1/mark-task-failed"),
		WorkerEnv:            opts.WorkerEnv,
	}
}
