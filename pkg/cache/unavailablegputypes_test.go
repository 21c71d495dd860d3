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

package cache_test

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/renderloop/gpu-orchestrator/pkg/cache"
)

var ctx context.Context
var unavailableGPUTypes *cache.UnavailableGPUTypes

var _ = Describe("UnavailableGPUTypes", func() {
	BeforeEach(func() {
		unavailableGPUTypes = cache.NewUnavailableGPUTypes(gocache.New(time.Second, cache.DefaultCleanupInterval))
	})

	It("should not report an unmarked gpu type as unavailable", func() {
		Expect(unavailableGPUTypes.IsUnavailable("NVIDIA GeForce RTX 4090")).To(BeFalse())
	})
	It("should report a marked gpu type as unavailable", func() {
		unavailableGPUTypes.MarkUnavailable(ctx, "no longer any instances available", "NVIDIA GeForce RTX 4090")
		Expect(unavailableGPUTypes.IsUnavailable("NVIDIA GeForce RTX 4090")).To(BeTrue())
		Expect(unavailableGPUTypes.IsUnavailable("NVIDIA RTX A5000")).To(BeFalse())
	})
	It("should expose the entry expiration", func() {
		unavailableGPUTypes.MarkUnavailable(ctx, "no longer any instances available", "NVIDIA GeForce RTX 4090")
		expiration, found := unavailableGPUTypes.ExpirationTime("NVIDIA GeForce RTX 4090")
		Expect(found).To(BeTrue())
		Expect(expiration).To(BeTemporally(">", time.Now()))
	})
	It("should age entries out", func() {
		unavailableGPUTypes.MarkUnavailable(ctx, "no longer any instances available", "NVIDIA GeForce RTX 4090")
		Eventually(func() bool {
			return unavailableGPUTypes.IsUnavailable("NVIDIA GeForce RTX 4090")
		}, 3*time.Second).Should(BeFalse())
	})
	It("should clear on flush", func() {
		unavailableGPUTypes.MarkUnavailable(ctx, "no longer any instances available", "NVIDIA GeForce RTX 4090")
		unavailableGPUTypes.Flush()
		Expect(unavailableGPUTypes.IsUnavailable("NVIDIA GeForce RTX 4090")).To(BeFalse())
	})
})
