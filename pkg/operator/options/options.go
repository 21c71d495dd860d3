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

package options

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/renderloop/gpu-orchestrator/pkg/utils/env"
)

// SourceType identifies this process in the shared log store.
const SourceType = "orchestrator_gpu"

var validDBLogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// Options for running this binary. Every field is settable by flag and by the
// environment variable named in the flag help; flags win.
type Options struct {
	*pflag.FlagSet

	// Scaling
	MinActiveGPUs      int
	MaxActiveGPUs      int
	TasksPerGPU        int
	MachinesToKeepIdle int

	// Lifecycle timing
	GPUIdleTimeout          time.Duration
	TaskStuckTimeout        time.Duration
	SpawningTimeout         time.Duration
	GracefulShutdownTimeout time.Duration
	FailsafeStaleThreshold  time.Duration
	WorkerGracePeriod       time.Duration
	ErrorCleanupGracePeriod time.Duration
	PollInterval            time.Duration

	// Failure-rate safety valve
	MaxWorkerFailureRate   float64
	FailureWindow          time.Duration
	MinWorkersForRateCheck int

	// Logging
	LogLevel            string
	EnableDBLogging     bool
	DBLogLevel          string
	DBLogBatchSize      int
	DBLogFlushInterval  time.Duration
	DBLogMaxQueue       int
	DBLoggingRequired   bool
	DBLogDiagnosticFile string
	InstanceID          string

	// Serving
	MetricsPort     int
	HealthProbePort int
	EnableProfiling bool

	// Cloud (RunPod)
	RunPodAPIKey          string
	RunPodGPUType         string
	RunPodWorkerImage     string
	RunPodStorageName     string
	RunPodVolumeMountPath string
	RunPodDiskSizeGB      int
	RunPodContainerDiskGB int
	RunPodSSHPublicKey    string
	RunPodSSHPrivateKey   string
	CloudRequestTimeout   time.Duration

	// Store (Supabase)
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseAnonKey        string
	StoreRequestTimeout    time.Duration

	// Worker wiring
	TaskCompleteEndpoint string
	TaskFailedEndpoint   string
	WorkerEnv            map[string]string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := pflag.NewFlagSet("orchestrator", pflag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.MinActiveGPUs, "min-active-gpus", env.WithDefaultInt("MIN_ACTIVE_GPUS", 2), "The minimum fleet size; the planner never drains below this many workers")
	f.IntVar(&opts.MaxActiveGPUs, "max-active-gpus", env.WithDefaultInt("MAX_ACTIVE_GPUS", 10), "The maximum fleet size; spawning plus active workers never exceed this")
	f.IntVar(&opts.TasksPerGPU, "tasks-per-gpu", env.WithDefaultInt("TASKS_PER_GPU_THRESHOLD", 3), "How many outstanding tasks one worker is expected to absorb")
	f.IntVar(&opts.MachinesToKeepIdle, "machines-to-keep-idle", env.WithDefaultInt("MACHINES_TO_KEEP_IDLE", 0), "Idle buffer added on top of the computed desired worker count")

	f.DurationVar(&opts.GPUIdleTimeout, "gpu-idle-timeout", env.WithDefaultDuration("GPU_IDLE_TIMEOUT_SEC", 300*time.Second), "Heartbeat staleness threshold while work is outstanding")
	f.DurationVar(&opts.TaskStuckTimeout, "task-stuck-timeout", env.WithDefaultDuration("TASK_STUCK_TIMEOUT_SEC", 300*time.Second), "How long a claimed task may run before its worker is considered stuck")
	f.DurationVar(&opts.SpawningTimeout, "spawning-timeout", env.WithDefaultDuration("SPAWNING_TIMEOUT_SEC", 300*time.Second), "Maximum time a worker may remain in spawning before it is failed")
	f.DurationVar(&opts.GracefulShutdownTimeout, "graceful-shutdown-timeout", env.WithDefaultDuration("GRACEFUL_SHUTDOWN_TIMEOUT_SEC", 600*time.Second), "Drain deadline for terminating workers")
	f.DurationVar(&opts.FailsafeStaleThreshold, "failsafe-stale-threshold", env.WithDefaultDuration("FAILSAFE_STALE_THRESHOLD_SEC", 900*time.Second), "Hard heartbeat staleness bound; workers past it are terminated regardless of status")
	f.DurationVar(&opts.WorkerGracePeriod, "worker-grace-period", env.WithDefaultDuration("WORKER_GRACE_PERIOD_SEC", 120*time.Second), "Grace after promotion before health checks apply")
	f.DurationVar(&opts.ErrorCleanupGracePeriod, "error-cleanup-grace-period", env.WithDefaultDuration("ERROR_CLEANUP_GRACE_PERIOD_SEC", 600*time.Second), "How long errored rows are left visible before cleanup")
	f.DurationVar(&opts.PollInterval, "poll-interval", env.WithDefaultDuration("ORCHESTRATOR_POLL_SEC", 30*time.Second), "Control loop cycle interval in continuous mode")

	f.Float64Var(&opts.MaxWorkerFailureRate, "max-worker-failure-rate", env.WithDefaultFloat64("MAX_WORKER_FAILURE_RATE", 0.8), "Recent failure ratio at or above which new spawns are blocked")
	f.DurationVar(&opts.FailureWindow, "failure-window", time.Duration(env.WithDefaultInt("FAILURE_WINDOW_MINUTES", 30))*time.Minute, "Sliding window over worker creations for the failure-rate check")
	f.IntVar(&opts.MinWorkersForRateCheck, "min-workers-for-rate-check", env.WithDefaultInt("MIN_WORKERS_FOR_RATE_CHECK", 5), "Minimum recent sample before the failure-rate valve can close")

	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Console log level (debug, info, warn, error)")
	f.BoolVar(&opts.EnableDBLogging, "enable-db-logging", env.WithDefaultBool("ENABLE_DB_LOGGING", false), "Mirror orchestrator logs into the shared log store")
	f.StringVar(&opts.DBLogLevel, "db-log-level", env.WithDefaultString("DB_LOG_LEVEL", "INFO"), "Minimum level forwarded to the log store (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
	f.IntVar(&opts.DBLogBatchSize, "db-log-batch-size", env.WithDefaultInt("DB_LOG_BATCH_SIZE", 50), "Log records per store submission")
	f.DurationVar(&opts.DBLogFlushInterval, "db-log-flush-interval", env.WithDefaultDuration("DB_LOG_FLUSH_INTERVAL", 5*time.Second), "Maximum time a buffered log record waits before submission")
	f.IntVar(&opts.DBLogMaxQueue, "db-log-max-queue", env.WithDefaultInt("DB_LOG_MAX_QUEUE", 2000), "Bound on buffered log records; the oldest are dropped beyond it")
	f.BoolVar(&opts.DBLoggingRequired, "db-logging-required", env.WithDefaultBool("DB_LOGGING_REQUIRED", false), "Treat log sink initialization failure as fatal")
	f.StringVar(&opts.DBLogDiagnosticFile, "db-log-diagnostic-file", env.WithDefaultString("DB_LOG_DIAGNOSTIC_FILE", "db_logging_errors.log"), "Local file receiving log sink failures that cannot reach the store")
	f.StringVar(&opts.InstanceID, "instance-id", env.WithDefaultString("ORCHESTRATOR_INSTANCE_ID", defaultInstanceID()), "source_id stamped on every log record written by this process")

	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the orchestrator itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting orchestrator health")
	f.BoolVar(&opts.EnableProfiling, "enable-profiling", env.WithDefaultBool("ENABLE_PROFILING", false), "Expose pprof handlers on the metrics port")

	f.StringVar(&opts.RunPodAPIKey, "runpod-api-key", env.WithDefaultString("RUNPOD_API_KEY", ""), "RunPod API key")
	f.StringVar(&opts.RunPodGPUType, "runpod-gpu-type", env.WithDefaultString("RUNPOD_GPU_TYPE", "NVIDIA GeForce RTX 4090"), "GPU type display name (or id) workers are created with")
	f.StringVar(&opts.RunPodWorkerImage, "runpod-worker-image", env.WithDefaultString("RUNPOD_WORKER_IMAGE", ""), "Container image run on every worker pod")
	f.StringVar(&opts.RunPodStorageName, "runpod-storage-name", env.WithDefaultString("RUNPOD_STORAGE_NAME", ""), "Network volume name attached to workers; empty for no shared volume")
	f.StringVar(&opts.RunPodVolumeMountPath, "runpod-volume-mount-path", env.WithDefaultString("RUNPOD_VOLUME_MOUNT_PATH", "/workspace"), "Mount path of the network volume inside worker pods")
	f.IntVar(&opts.RunPodDiskSizeGB, "runpod-disk-size-gb", env.WithDefaultInt("RUNPOD_DISK_SIZE_GB", 20), "Persistent volume size for worker pods")
	f.IntVar(&opts.RunPodContainerDiskGB, "runpod-container-disk-gb", env.WithDefaultInt("RUNPOD_CONTAINER_DISK_GB", 10), "Container disk size for worker pods")
	f.StringVar(&opts.RunPodSSHPublicKey, "runpod-ssh-public-key", env.WithDefaultString("RUNPOD_SSH_PUBLIC_KEY", ""), "Public key injected into worker pods as PUBLIC_KEY")
	f.StringVar(&opts.RunPodSSHPrivateKey, "runpod-ssh-private-key", env.WithDefaultString("RUNPOD_SSH_PRIVATE_KEY", ""), "Private key path for operator tooling; never used as a liveness probe")
	f.DurationVar(&opts.CloudRequestTimeout, "cloud-request-timeout", env.WithDefaultDuration("CLOUD_REQUEST_TIMEOUT_SEC", 15*time.Second), "Per-call timeout against the cloud API")

	f.StringVar(&opts.SupabaseURL, "supabase-url", env.WithDefaultString("SUPABASE_URL", ""), "Base URL of the task/worker store")
	f.StringVar(&opts.SupabaseServiceRoleKey, "supabase-service-role-key", env.WithDefaultString("SUPABASE_SERVICE_ROLE_KEY", ""), "Service role key for the task/worker store")
	f.StringVar(&opts.SupabaseAnonKey, "supabase-anon-key", env.WithDefaultString("SUPABASE_ANON_KEY", ""), "Anon key passed through to worker pods")
	f.DurationVar(&opts.StoreRequestTimeout, "store-request-timeout", env.WithDefaultDuration("STORE_REQUEST_TIMEOUT_SEC", 10*time.Second), "Per-call timeout against the store")

	f.StringVar(&opts.TaskCompleteEndpoint, "task-complete-endpoint", env.WithDefaultString("TASK_COMPLETE_ENDPOINT", ""), "Completion endpoint injected into worker pods; defaults to <supabase-url>/functions/v1/complete, the function that creates generation records")
	f.StringVar(&opts.TaskFailedEndpoint, "task-failed-endpoint", env.WithDefaultString("TASK_FAILED_ENDPOINT", ""), "Failure endpoint injected into worker pods; defaults to <supabase-url>/functions/v1/mark-task-failed")
	f.StringToStringVar(&opts.WorkerEnv, "worker-env", nil, "Additional KEY=VALUE pairs injected into every worker pod")

	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and the process exits non-zero on failure: every
// validation error here is a configuration error by the taxonomy.
func (o *Options) MustParse(args []string) *Options {
	err := o.Parse(args)
	if err == pflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing flags, %s\n", err)
		os.Exit(1)
	}
	return o.MustComplete()
}

// MustComplete fills the derived endpoints and validates. The cobra commands
// mount the flag set and let cobra parse, then call this; MustParse is the
// all-in-one path for callers that parse themselves.
func (o *Options) MustComplete() *Options {
	o.defaultEndpoints()
	if err := o.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "validating options, %s\n", err)
		os.Exit(1)
	}
	return o
}

func (o *Options) defaultEndpoints() {
	base := strings.TrimSuffix(o.SupabaseURL, "/")
	if o.TaskCompleteEndpoint == "" {
		o.TaskCompleteEndpoint = base + "/functions/v1/complete"
	}
	if o.TaskFailedEndpoint == "" {
		o.TaskFailedEndpoint = base + "/functions/v1/mark-task-failed"
	}
}

func (o Options) Validate() (err error) {
	if o.RunPodAPIKey == "" {
		err = multierr.Append(err, fmt.Errorf("RUNPOD_API_KEY is required"))
	}
	if o.RunPodWorkerImage == "" {
		err = multierr.Append(err, fmt.Errorf("RUNPOD_WORKER_IMAGE is required"))
	}
	if o.SupabaseServiceRoleKey == "" {
		err = multierr.Append(err, fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required"))
	}
	err = multierr.Append(err, o.validateStoreURL())
	err = multierr.Append(err, o.validateBounds())
	err = multierr.Append(err, o.validateLogLevels())
	return err
}

func (o Options) validateStoreURL() error {
	endpoint, err := url.Parse(o.SupabaseURL)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
		return fmt.Errorf("%q is not a valid SUPABASE_URL", o.SupabaseURL)
	}
	return nil
}

func (o Options) validateBounds() (err error) {
	if o.MinActiveGPUs < 0 {
		err = multierr.Append(err, fmt.Errorf("min-active-gpus may not be negative"))
	}
	if o.MaxActiveGPUs < o.MinActiveGPUs {
		err = multierr.Append(err, fmt.Errorf("max-active-gpus must be at least min-active-gpus"))
	}
	if o.TasksPerGPU < 1 {
		err = multierr.Append(err, fmt.Errorf("tasks-per-gpu must be positive"))
	}
	if o.MachinesToKeepIdle < 0 {
		err = multierr.Append(err, fmt.Errorf("machines-to-keep-idle may not be negative"))
	}
	if o.MaxWorkerFailureRate <= 0 || o.MaxWorkerFailureRate > 1 {
		err = multierr.Append(err, fmt.Errorf("max-worker-failure-rate must be in (0, 1]"))
	}
	if o.PollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("poll-interval must be positive"))
	}
	if o.DBLogBatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("db-log-batch-size must be positive"))
	}
	if o.DBLogFlushInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("db-log-flush-interval must be positive"))
	}
	if o.DBLogMaxQueue < o.DBLogBatchSize {
		err = multierr.Append(err, fmt.Errorf("db-log-max-queue must be at least db-log-batch-size"))
	}
	return err
}

func (o Options) validateLogLevels() (err error) {
	if _, parseErr := zapcore.ParseLevel(o.LogLevel); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("%q is not a valid log-level", o.LogLevel))
	}
	if !lo.ContainsBy(validDBLogLevels, func(level string) bool { return strings.EqualFold(o.DBLogLevel, level) }) {
		err = multierr.Append(err, fmt.Errorf("db-log-level may only be one of %s", strings.Join(validDBLogLevels, ", ")))
	}
	return err
}

func defaultInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", SourceType, hostname)
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		// must be initialized in main; a panic here is a wiring bug, not a user error
		panic("options not injected into context")
	}
	return retval.(*Options)
}
