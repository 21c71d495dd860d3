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

package orphan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "knative.dev/pkg/logging/testing"

	"github.com/renderloop/gpu-orchestrator/pkg/controllers/orphan"
	"github.com/renderloop/gpu-orchestrator/pkg/fake"
	"github.com/renderloop/gpu-orchestrator/pkg/operator/options"
	"github.com/renderloop/gpu-orchestrator/pkg/store"
	"github.com/renderloop/gpu-orchestrator/pkg/test"
)

var ctx context.Context
var fakeStore *fake.Store
var fakeClock *clocktesting.FakeClock
var controller *orphan.Controller

func TestOrphan(t *testing.T) {
	ctx = TestContextWithLogger(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Controllers/Orphan")
}

var _ = Describe("Controller", func() {
	BeforeEach(func() {
		ctx = options.ToContext(ctx, test.Options())
		fakeStore = &fake.Store{}
		fakeClock = clocktesting.NewFakeClock(time.Now())
		controller = orphan.NewController(fakeStore, fakeClock)
	})
	AfterEach(func() {
		fakeStore.Reset()
	})

	Context("Recover", func() {
		It("should return tasks held by the given workers to the queue", func() {
			taskA := storeTask(test.InProgressTask("gpu-dead"))
			taskB := storeTask(test.InProgressTask("gpu-dead"))
			kept := storeTask(test.InProgressTask("gpu-alive"))

			count, err := controller.Recover(ctx, []string{"gpu-dead"})
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(2))
			Expect(storedTask(taskA.ID).Status).To(Equal(store.TaskStatusQueued))
			Expect(storedTask(taskA.ID).WorkerID).To(BeNil())
			Expect(storedTask(taskB.ID).Status).To(Equal(store.TaskStatusQueued))
			Expect(storedTask(kept.ID).Status).To(Equal(store.TaskStatusInProgress))
		})
		It("should not reach the store with no workers", func() {
			count, err := controller.Recover(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
			Expect(fakeStore.ResetOrphanedTasksBehavior.Calls()).To(BeZero())
		})
		It("should leave parent pipelines and capped tasks in progress", func() {
			parent := storeTask(test.InProgressTask("gpu-dead", store.Task{TaskType: "video_orchestrator"}))
			capped := storeTask(test.InProgressTask("gpu-dead", store.Task{Attempts: store.MaxTaskAttempts}))
			plain := storeTask(test.InProgressTask("gpu-dead"))

			count, err := controller.Recover(ctx, []string{"gpu-dead"})
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(storedTask(parent.ID).Status).To(Equal(store.TaskStatusInProgress))
			Expect(storedTask(capped.ID).Status).To(Equal(store.TaskStatusInProgress))
			Expect(storedTask(plain.ID).Status).To(Equal(store.TaskStatusQueued))
		})
		It("should surface reset failures", func() {
			fakeStore.ResetOrphanedTasksBehavior.Error.Set(errors.New("connection refused"))
			_, err := controller.Recover(ctx, []string{"gpu-dead"})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("SweepRecentFailures", func() {
		It("should recover tasks from workers that died inside the window", func() {
			dead := createWorker(store.Worker{
				Status:    store.WorkerStatusTerminated,
				CreatedAt: fakeClock.Now().UTC().Add(-48 * time.Hour),
				Metadata:  store.Metadata{TerminatedAt: lo.ToPtr(fakeClock.Now().UTC().Add(-time.Hour))},
			})
			task := storeTask(test.InProgressTask(dead.ID))

			count, err := controller.SweepRecentFailures(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(storedTask(task.ID).Status).To(Equal(store.TaskStatusQueued))
		})
		It("should ignore failures older than the window", func() {
			stale := createWorker(store.Worker{
				Status:    store.WorkerStatusTerminated,
				CreatedAt: fakeClock.Now().UTC().Add(-72 * time.Hour),
				Metadata:  store.Metadata{TerminatedAt: lo.ToPtr(fakeClock.Now().UTC().Add(-25 * time.Hour))},
			})
			task := storeTask(test.InProgressTask(stale.ID))

			count, err := controller.SweepRecentFailures(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
			Expect(fakeStore.ResetOrphanedTasksBehavior.Calls()).To(BeZero())
			Expect(storedTask(task.ID).Status).To(Equal(store.TaskStatusInProgress))
		})
		It("should fall back through the death timestamps", func() {
			viaError := createWorker(store.Worker{
				Status:    store.WorkerStatusError,
				CreatedAt: fakeClock.Now().UTC().Add(-48 * time.Hour),
				Metadata:  store.Metadata{ErrorTime: lo.ToPtr(fakeClock.Now().UTC().Add(-30 * time.Minute))},
			})
			viaHeartbeat := createWorker(store.Worker{
				Status:        store.WorkerStatusTerminated,
				CreatedAt:     fakeClock.Now().UTC().Add(-48 * time.Hour),
				LastHeartbeat: lo.ToPtr(fakeClock.Now().UTC().Add(-time.Hour)),
			})
			viaCreation := createWorker(store.Worker{
				Status:    store.WorkerStatusTerminated,
				CreatedAt: fakeClock.Now().UTC().Add(-48 * time.Hour),
			})
			storeTask(test.InProgressTask(viaError.ID))
			storeTask(test.InProgressTask(viaHeartbeat.ID))
			orphaned := storeTask(test.InProgressTask(viaCreation.ID))

			count, err := controller.SweepRecentFailures(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(2))
			Expect(storedTask(orphaned.ID).Status).To(Equal(store.TaskStatusInProgress))
		})
		It("should ignore live workers", func() {
			live := createWorker(store.Worker{
				Status:        store.WorkerStatusActive,
				CreatedAt:     fakeClock.Now().UTC().Add(-time.Hour),
				LastHeartbeat: lo.ToPtr(fakeClock.Now().UTC()),
			})
			task := storeTask(test.InProgressTask(live.ID))

			count, err := controller.SweepRecentFailures(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
			Expect(storedTask(task.ID).Status).To(Equal(store.TaskStatusInProgress))
		})
	})

	Context("ResetUnassigned", func() {
		It("should requeue rows unassigned past the cutoff", func() {
			task := storeTask(test.Task(store.Task{
				Status:              store.TaskStatusInProgress,
				GenerationStartedAt: lo.ToPtr(fakeClock.Now().UTC().Add(-20 * time.Minute)),
			}))

			count, err := controller.ResetUnassigned(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(storedTask(task.ID).Status).To(Equal(store.TaskStatusQueued))
		})
		It("should requeue rows that never recorded a start time", func() {
			task := storeTask(test.Task(store.Task{Status: store.TaskStatusInProgress}))

			count, err := controller.ResetUnassigned(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(storedTask(task.ID).Status).To(Equal(store.TaskStatusQueued))
		})
		It("should keep rows inside the cutoff", func() {
			task := storeTask(test.Task(store.Task{
				Status:              store.TaskStatusInProgress,
				GenerationStartedAt: lo.ToPtr(fakeClock.Now().UTC().Add(-5 * time.Minute)),
			}))

			count, err := controller.ResetUnassigned(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
			Expect(storedTask(task.ID).Status).To(Equal(store.TaskStatusInProgress))
		})
	})
})

func createWorker(overrides ...store.Worker) *store.Worker {
	worker := test.Worker(overrides...)
	ExpectWithOffset(1, fakeStore.CreateWorker(ctx, worker)).To(Succeed())
	return worker
}

func storeTask(task *store.Task) *store.Task {
	fakeStore.TaskRows.Store(task.ID, task)
	return task
}

func storedTask(id string) *store.Task {
	v, ok := fakeStore.TaskRows.Load(id)
	ExpectWithOffset(1, ok).To(BeTrue())
	return v.(*store.Task)
}
