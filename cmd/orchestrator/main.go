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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"knative.dev/pkg/logging"

	"github.com/renderloop/gpu-orchestrator/pkg/controllers/cycle"
	"github.com/renderloop/gpu-orchestrator/pkg/operator"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
)

const component = "orchestrator"

func main() {
	opts := options.New()

	root := &cobra.Command{
		Use:           component,
		Short:         "Auto-scaling control plane for the GPU worker fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().AddFlagSet(opts.FlagSet)
	root.AddCommand(
		newSingleCommand(opts),
		newContinuousCommand(opts),
		newStatusCommand(opts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup validates the parsed flags and assembles the operator. Every command
// begins here; the connectivity checks inside NewOperator exit the process on
// backends it cannot reach.
func setup(cmd *cobra.Command, opts *options.Options) (context.Context, *operator.Operator, *cycle.Controller) {
	opts.MustComplete()
	ctx := options.ToContext(cmd.Context(), opts)
	ctx = logging.WithLogger(ctx, operator.NewLogger(ctx, component))
	ctx, op := operator.NewOperator(ctx)
	return ctx, op, cycle.NewController(op.Store, op.InstanceProvider, op.Sink, op.Clock)
}

func newSingleCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "single",
		Short: "Run exactly one reconciliation cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// One-shot runs are operator-at-a-keyboard runs; default to
			// the verbose stream unless told otherwise.
			if !opts.Changed("log-level") && os.Getenv("LOG_LEVEL") == "" {
				opts.LogLevel = "debug"
			}
			ctx, op, driver := setup(cmd, opts)
			defer stopSink(ctx, op)

			summary, err := driver.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("running cycle, %w", err)
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}

func newContinuousCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "continuous",
		Short: "Run reconciliation cycles until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, op, driver := setup(cmd, opts)

			shutdown := operator.Serve(ctx, driver, op.Sink)
			driver.Run(ctx)

			// The signal already cancelled ctx; shutdown and the sink
			// drain get their own deadlines.
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			shutdown(stopCtx)
			stopSink(ctx, op)
			logging.FromContext(ctx).Infof("shut down cleanly")
			return nil
		},
	}
}

func newStatusCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the fleet and demand snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, op, driver := setup(cmd, opts)
			defer stopSink(ctx, op)

			status, err := driver.Status(ctx)
			if err != nil {
				return fmt.Errorf("assembling status, %w", err)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func stopSink(ctx context.Context, op *operator.Operator) {
	if op.Sink == nil {
		return
	}
	op.Sink.Stop(context.WithoutCancel(ctx))
}

func printSummary(w io.Writer, s cycle.Summary) {
	fmt.Fprintf(w, "cycle %d: %s (queued %d, active %d, desired %d, capacity %d)\n",
		s.Cycle, s.Plan.Decision, s.Counts.QueuedOnly, s.Counts.ActiveOnly, s.Plan.Desired, s.Plan.Capacity)
	fmt.Fprintf(w, "promoted %d, failed %d, spawned %d, terminated %d, tasks reset %d in %s\n",
		s.Promoted, s.Failed, s.Spawned, s.Terminated, s.TasksReset, s.Elapsed.Round(time.Millisecond))
}

func printStatus(w io.Writer, status *cycle.Status) {
	now := time.Now().UTC()
	fmt.Fprintf(w, "Tasks: %d queued, %d running, %d outstanding\n",
		status.Counts.QueuedOnly, status.Counts.ActiveOnly, status.Counts.Total)
	for _, user := range status.Users {
		fmt.Fprintf(w, "  user %s: %d queued, %d running\n", user.UserID, user.QueuedTasks, user.InProgressTasks)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tSTATUS\tAGE\tHEARTBEAT\tPOD")
	for _, worker := range status.Workers {
		heartbeat := "never"
		if worker.LastHeartbeat != nil {
			heartbeat = fmt.Sprintf("%s ago", now.Sub(*worker.LastHeartbeat).Round(time.Second))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			worker.ID, worker.Status, now.Sub(worker.CreatedAt).Round(time.Second), heartbeat, worker.Metadata.RunPodID)
	}
	tw.Flush()
	fmt.Fprintf(w, "Log rows purged: %d\n", status.LogsPurged)
}
