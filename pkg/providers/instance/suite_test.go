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

package instance_test

import (
	"context"
	"testing"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "knative.dev/pkg/logging/testing"

	"github.com/renderloop/gpu-orchestrator/pkg/cache"
	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
	"github.com/renderloop/gpu-orchestrator/pkg/fake"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/providers/instance"
	"github.com/renderloop/gpu-orchestrator/pkg/runpod"
	"github.com/renderloop/gpu-orchestrator/pkg/test"
)

var ctx context.Context
var runpodAPI *fake.RunPodAPI
var unavailableGPUTypes *cache.UnavailableGPUTypes
var provider *instance.Provider

func TestInstance(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers/Instance")
}

var _ = Describe("Provider", func() {
	BeforeEach(func() {
		ctx = options.ToContext(ctx, test.Options())
		runpodAPI = &fake.RunPodAPI{}
		unavailableGPUTypes = cache.NewUnavailableGPUTypes(gocache.New(cache.UnavailableGPUTypesTTL, cache.DefaultCleanupInterval))
		provider = instance.NewProvider(runpodAPI, unavailableGPUTypes)
	})
	AfterEach(func() {
		runpodAPI.Reset()
	})

	Context("Create", func() {
		It("should deploy a secure on-demand pod named after the worker", func() {
			inst, err := provider.Create(ctx, "gpu-20240101_000000-abc12345")
			Expect(err).ToNot(HaveOccurred())
			Expect(inst.Name).To(Equal("gpu-20240101_000000-abc12345"))
			Expect(inst.DesiredStatus).To(Equal(runpod.StatusProvisioning))

			Expect(runpodAPI.CreatePodBehavior.CalledWithInput.Len()).To(Equal(1))
			input := runpodAPI.CreatePodBehavior.CalledWithInput.Pop()
			Expect(input.Name).To(Equal("gpu-20240101_000000-abc12345"))
			Expect(input.CloudType).To(Equal(runpod.CloudTypeSecure))
			Expect(input.GPUCount).To(Equal(1))
			Expect(input.Ports).To(Equal("22/tcp"))
			Expect(input.VolumeInGB).To(Equal(20))
			Expect(input.ContainerDiskInGB).To(Equal(10))
			Expect(input.ImageName).To(Equal("worker:latest"))
		})
		It("should inject the worker contract env", func() {
			ctx = options.ToContext(ctx, test.Options(test.OptionsFields{
				RunPodSSHPublicKey: lo.ToPtr("ssh-ed25519 AAAA"),
				WorkerEnv:          map[string]string{"REPLICATE_API_TOKEN": "r8_test"},
			}))
			_, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			input := runpodAPI.CreatePodBehavior.CalledWithInput.Pop()
			Expect(input.Env).To(HaveKeyWithValue("WORKER_ID", "gpu-w1"))
			Expect(input.Env).To(HaveKeyWithValue("SUPABASE_URL", "https://test.supabase.co"))
			Expect(input.Env).To(HaveKeyWithValue("SUPABASE_SERVICE_ROLE_KEY", "test-service-role-key"))
			Expect(input.Env).To(HaveKeyWithValue("TASK_COMPLETE_ENDPOINT", "https://test.supabase.co/functions/v1/complete"))
			Expect(input.Env).To(HaveKeyWithValue("TASK_FAILED_ENDPOINT", "https://test.supabase.co/functions/v1/mark-task-failed"))
			Expect(input.Env).To(HaveKeyWithValue("PUBLIC_KEY", "ssh-ed25519 AAAA"))
			Expect(input.Env).To(HaveKeyWithValue("REPLICATE_API_TOKEN", "r8_test"))
		})
		It("should resolve the gpu type from its display name", func() {
			ctx = options.ToContext(ctx, test.Options(test.OptionsFields{
				RunPodGPUType: lo.ToPtr("RTX A5000"),
			}))
			_, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			input := runpodAPI.CreatePodBehavior.CalledWithInput.Pop()
			Expect(input.GPUTypeID).To(Equal("NVIDIA RTX A5000"))
		})
		It("should resolve the gpu type from the static catalog when listing fails", func() {
			ctx = options.ToContext(ctx, test.Options(test.OptionsFields{
				RunPodGPUType: lo.ToPtr("RTX 4090"),
			}))
			runpodAPI.ListGPUTypesBehavior.Error.Set(
				orcherrors.NewCloudError(orcherrors.CloudTransient, "listing gpu types", "status 503", nil))
			_, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			input := runpodAPI.CreatePodBehavior.CalledWithInput.Pop()
			Expect(input.GPUTypeID).To(Equal("NVIDIA GeForce RTX 4090"))
		})
		It("should reuse the resolved gpu type across creates", func() {
			_, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			_, err = provider.Create(ctx, "gpu-w2")
			Expect(err).ToNot(HaveOccurred())
			Expect(runpodAPI.ListGPUTypesBehavior.SuccessfulCalls()).To(Equal(1))
		})
		It("should attach the configured network volume", func() {
			ctx = options.ToContext(ctx, test.Options(test.OptionsFields{
				RunPodStorageName: lo.ToPtr("models"),
			}))
			_, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			input := runpodAPI.CreatePodBehavior.CalledWithInput.Pop()
			Expect(input.NetworkVolumeID).To(Equal("nv-models"))
			Expect(input.VolumeMountPath).To(Equal("/workspace"))
		})
		It("should deploy without the volume when resolution fails", func() {
			ctx = options.ToContext(ctx, test.Options(test.OptionsFields{
				RunPodStorageName: lo.ToPtr("models"),
			}))
			runpodAPI.ListNetworkVolumesBehavior.Error.Set(
				orcherrors.NewCloudError(orcherrors.CloudTransient, "listing network volumes", "status 503", nil))
			_, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			input := runpodAPI.CreatePodBehavior.CalledWithInput.Pop()
			Expect(input.NetworkVolumeID).To(BeEmpty())
		})
		It("should park the gpu type after a stock-out and short-circuit until expiry", func() {
			runpodAPI.CreatePodBehavior.Error.Set(
				orcherrors.NewCloudError(orcherrors.CloudQuota, "creating pod", "no longer any instances available", nil))
			_, err := provider.Create(ctx, "gpu-w1")
			Expect(orcherrors.IsQuota(err)).To(BeTrue())
			Expect(unavailableGPUTypes.IsUnavailable("NVIDIA GeForce RTX 4090")).To(BeTrue())

			_, err = provider.Create(ctx, "gpu-w2")
			Expect(orcherrors.IsQuota(err)).To(BeTrue())
			// the second attempt never reaches the cloud
			Expect(runpodAPI.CreatePodBehavior.Calls()).To(Equal(1))
		})
	})

	Context("Terminate", func() {
		It("should terminate a pod", func() {
			inst, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			Expect(provider.Terminate(ctx, inst.ID)).To(Succeed())
			Expect(runpodAPI.StoredPods()).To(BeEmpty())
		})
		It("should succeed when the pod is already gone", func() {
			Expect(provider.Terminate(ctx, "never-existed")).To(Succeed())
		})
		It("should propagate other cloud failures", func() {
			runpodAPI.TerminatePodBehavior.Error.Set(
				orcherrors.NewCloudError(orcherrors.CloudFatal, "terminating pod", "boom", nil))
			Expect(provider.Terminate(ctx, "pod-1")).ToNot(Succeed())
		})
	})

	Context("State", func() {
		It("should flatten the runtime and ssh mapping", func() {
			inst, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			runpodAPI.SetPodRunning(inst.ID)

			state, err := provider.State(ctx, inst.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(state.DesiredStatus).To(Equal(runpod.StatusRunning))
			Expect(state.IP).To(Equal("192.0.2.10"))
			Expect(state.SSHPort).To(Equal(10022))
			Expect(state.SSHPassword).To(Equal("fake-password"))
			Expect(state.UptimeSeconds).To(BeNumerically(">", 0))
		})
		It("should surface not found for unknown pods", func() {
			_, err := provider.State(ctx, "never-existed")
			Expect(orcherrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("List", func() {
		It("should only return worker pods", func() {
			_, err := runpodAPI.CreatePod(ctx, &runpod.CreatePodInput{Name: "gpu-w1"})
			Expect(err).ToNot(HaveOccurred())
			_, err = runpodAPI.CreatePod(ctx, &runpod.CreatePodInput{Name: "api-server"})
			Expect(err).ToNot(HaveOccurred())

			instances, err := provider.List(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(instances).To(HaveLen(1))
			Expect(instances[0].Name).To(Equal("gpu-w1"))
		})
	})

	Context("Initialize", func() {
		It("should report a provisioning pod as not ready", func() {
			inst, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			init, err := provider.Initialize(ctx, inst.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(init.Readiness).To(Equal(instance.ReadinessNotReady))
			Expect(init.Reason).To(ContainSubstring("PROVISIONING"))
		})
		It("should report a running pod without ssh as not ready", func() {
			inst, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			runpodAPI.SetPodStatus(inst.ID, runpod.StatusRunning)
			init, err := provider.Initialize(ctx, inst.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(init.Readiness).To(Equal(instance.ReadinessNotReady))
			Expect(init.Reason).To(Equal("waiting for ssh access"))
		})
		It("should report ready once ssh is exposed", func() {
			inst, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			runpodAPI.SetPodRunning(inst.ID)
			init, err := provider.Initialize(ctx, inst.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(init.Readiness).To(Equal(instance.ReadinessReady))
			Expect(init.State.IP).To(Equal("192.0.2.10"))
			Expect(init.State.SSHPort).To(Equal(10022))
		})
		It("should report failed pods", func() {
			inst, err := provider.Create(ctx, "gpu-w1")
			Expect(err).ToNot(HaveOccurred())
			runpodAPI.SetPodStatus(inst.ID, runpod.StatusFailed)
			init, err := provider.Initialize(ctx, inst.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(init.Readiness).To(Equal(instance.ReadinessFailed))
			Expect(init.Reason).To(Equal("pod failed"))
		})
		It("should report a deleted pod as failed", func() {
			init, err := provider.Initialize(ctx, "never-existed")
			Expect(err).ToNot(HaveOccurred())
			Expect(init.Readiness).To(Equal(instance.ReadinessFailed))
			Expect(init.Reason).To(Equal("pod no longer exists"))
		})
	})
})
