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

package options_test

import (
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
)

func TestOptions(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Options")
}

var _ = Describe("Options", func() {
	var envState map[string]string
	var environmentVariables = []string{
		"MIN_ACTIVE_GPUS",
		"MAX_ACTIVE_GPUS",
		"TASKS_PER_GPU_THRESHOLD",
		"MACHINES_TO_KEEP_IDLE",
		"GPU_IDLE_TIMEOUT_SEC",
		"TASK_STUCK_TIMEOUT_SEC",
		"SPAWNING_TIMEOUT_SEC",
		"GRACEFUL_SHUTDOWN_TIMEOUT_SEC",
		"FAILSAFE_STALE_THRESHOLD_SEC",
		"WORKER_GRACE_PERIOD_SEC",
		"ORCHESTRATOR_POLL_SEC",
		"MAX_WORKER_FAILURE_RATE",
		"FAILURE_WINDOW_MINUTES",
		"MIN_WORKERS_FOR_RATE_CHECK",
		"ENABLE_DB_LOGGING",
		"DB_LOG_LEVEL",
		"DB_LOG_BATCH_SIZE",
		"DB_LOG_FLUSH_INTERVAL",
		"DB_LOGGING_REQUIRED",
		"ORCHESTRATOR_INSTANCE_ID",
		"RUNPOD_API_KEY",
		"RUNPOD_GPU_TYPE",
		"RUNPOD_WORKER_IMAGE",
		"SUPABASE_URL",
		"SUPABASE_SERVICE_ROLE_KEY",
		"TASK_COMPLETE_ENDPOINT",
	}

	BeforeEach(func() {
		envState = map[string]string{}
		for _, ev := range environmentVariables {
			val, ok := os.LookupEnv(ev)
			if ok {
				envState[ev] = val
			}
			os.Unsetenv(ev)
		}
	})

	AfterEach(func() {
		for _, ev := range environmentVariables {
			os.Unsetenv(ev)
		}
		for ev, val := range envState {
			os.Setenv(ev, val)
		}
	})

	Context("Defaults", func() {
		It("should use the documented defaults when nothing is set", func() {
			opts := options.New()
			Expect(opts.Parse([]string{})).To(Succeed())
			Expect(opts.MinActiveGPUs).To(Equal(2))
			Expect(opts.MaxActiveGPUs).To(Equal(10))
			Expect(opts.TasksPerGPU).To(Equal(3))
			Expect(opts.MachinesToKeepIdle).To(Equal(0))
			Expect(opts.GPUIdleTimeout).To(Equal(300 * time.Second))
			Expect(opts.TaskStuckTimeout).To(Equal(300 * time.Second))
			Expect(opts.SpawningTimeout).To(Equal(300 * time.Second))
			Expect(opts.GracefulShutdownTimeout).To(Equal(600 * time.Second))
			Expect(opts.FailsafeStaleThreshold).To(Equal(900 * time.Second))
			Expect(opts.WorkerGracePeriod).To(Equal(120 * time.Second))
			Expect(opts.PollInterval).To(Equal(30 * time.Second))
			Expect(opts.MaxWorkerFailureRate).To(Equal(0.8))
			Expect(opts.FailureWindow).To(Equal(30 * time.Minute))
			Expect(opts.MinWorkersForRateCheck).To(Equal(5))
			Expect(opts.EnableDBLogging).To(BeFalse())
			Expect(opts.DBLogLevel).To(Equal("INFO"))
			Expect(opts.DBLogBatchSize).To(Equal(50))
			Expect(opts.DBLogFlushInterval).To(Equal(5 * time.Second))
			Expect(opts.DBLoggingRequired).To(BeFalse())
			Expect(opts.InstanceID).To(HavePrefix("orchestrator_gpu-"))
			Expect(opts.RunPodGPUType).To(Equal("NVIDIA GeForce RTX 4090"))
			Expect(opts.MetricsPort).To(Equal(8080))
			Expect(opts.HealthProbePort).To(Equal(8081))
			Expect(opts.EnableProfiling).To(BeFalse())
		})
	})

	Context("Environment", func() {
		It("should seed flag defaults from the environment", func() {
			os.Setenv("MIN_ACTIVE_GPUS", "4")
			os.Setenv("GPU_IDLE_TIMEOUT_SEC", "120")
			os.Setenv("FAILURE_WINDOW_MINUTES", "45")
			os.Setenv("MAX_WORKER_FAILURE_RATE", "0.5")
			os.Setenv("ENABLE_DB_LOGGING", "true")
			opts := options.New()
			Expect(opts.Parse([]string{})).To(Succeed())
			Expect(opts.MinActiveGPUs).To(Equal(4))
			Expect(opts.GPUIdleTimeout).To(Equal(120 * time.Second))
			Expect(opts.FailureWindow).To(Equal(45 * time.Minute))
			Expect(opts.MaxWorkerFailureRate).To(Equal(0.5))
			Expect(opts.EnableDBLogging).To(BeTrue())
		})
		It("should accept duration strings as well as bare seconds", func() {
			os.Setenv("GPU_IDLE_TIMEOUT_SEC", "7m")
			opts := options.New()
			Expect(opts.Parse([]string{})).To(Succeed())
			Expect(opts.GPUIdleTimeout).To(Equal(7 * time.Minute))
		})
		It("should let flags win over the environment", func() {
			os.Setenv("MAX_ACTIVE_GPUS", "20")
			opts := options.New()
			Expect(opts.Parse([]string{"--max-active-gpus", "6"})).To(Succeed())
			Expect(opts.MaxActiveGPUs).To(Equal(6))
		})
		It("should derive the instance id from the hostname when unset", func() {
			hostname, err := os.Hostname()
			Expect(err).ToNot(HaveOccurred())
			opts := options.New()
			Expect(opts.Parse([]string{})).To(Succeed())
			Expect(opts.InstanceID).To(Equal("orchestrator_gpu-" + hostname))
		})
	})

	Context("Validation", func() {
		var args []string

		BeforeEach(func() {
			args = []string{
				"--runpod-api-key", "rp-key",
				"--runpod-worker-image", "ghcr.io/renderloop/worker:latest",
				"--supabase-url", "https://abc.supabase.co",
				"--supabase-service-role-key", "sb-key",
			}
		})

		It("should accept a fully specified configuration", func() {
			opts := options.New()
			Expect(opts.Parse(args)).To(Succeed())
			Expect(opts.Validate()).To(Succeed())
		})
		It("should reject a missing cloud API key", func() {
			opts := options.New()
			Expect(opts.Parse(args[2:])).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("RUNPOD_API_KEY")))
		})
		It("should reject a store URL without a scheme", func() {
			opts := options.New()
			Expect(opts.Parse(append(args, "--supabase-url", "abc.supabase.co"))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("SUPABASE_URL")))
		})
		It("should reject max below min fleet size", func() {
			opts := options.New()
			Expect(opts.Parse(append(args, "--min-active-gpus", "5", "--max-active-gpus", "3"))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("max-active-gpus")))
		})
		It("should reject a failure rate above one", func() {
			opts := options.New()
			Expect(opts.Parse(append(args, "--max-worker-failure-rate", "1.5"))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("max-worker-failure-rate")))
		})
		It("should reject an unknown db log level", func() {
			opts := options.New()
			Expect(opts.Parse(append(args, "--db-log-level", "verbose"))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("db-log-level")))
		})
		It("should reject an unknown console log level", func() {
			opts := options.New()
			Expect(opts.Parse(append(args, "--log-level", "chatty"))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("log-level")))
		})
		It("should reject a queue bound smaller than the batch size", func() {
			opts := options.New()
			Expect(opts.Parse(append(args, "--db-log-max-queue", "10"))).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("db-log-max-queue")))
		})
	})
})
