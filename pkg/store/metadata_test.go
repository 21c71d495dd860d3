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

package store_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/renderloop/gpu-orchestrator/pkg/store"
)

var _ = Describe("Metadata", func() {
	It("should carry unknown keys through a round trip", func() {
		raw := []byte(`{"orchestrator_status": "active", "ready": true, "worker_version": "2.4.1", "loaded_models": ["wan", "flux"]}`)
		var meta store.Metadata
		Expect(json.Unmarshal(raw, &meta)).To(Succeed())
		Expect(meta.OrchestratorStatus).To(Equal("active"))
		Expect(lo.FromPtr(meta.Ready)).To(BeTrue())
		Expect(meta.Extra).To(HaveKeyWithValue("worker_version", "2.4.1"))
		Expect(meta.Extra).ToNot(HaveKey("ready"))

		out, err := json.Marshal(meta)
		Expect(err).ToNot(HaveOccurred())
		roundTripped := map[string]any{}
		Expect(json.Unmarshal(out, &roundTripped)).To(Succeed())
		Expect(roundTripped).To(HaveKeyWithValue("worker_version", "2.4.1"))
		Expect(roundTripped["loaded_models"]).To(ConsistOf("wan", "flux"))
		Expect(roundTripped).To(HaveKeyWithValue("orchestrator_status", "active"))
	})

	It("should not let extension keys shadow owned fields", func() {
		meta := store.Metadata{
			OrchestratorStatus: "spawning",
			Extra:              map[string]any{"orchestrator_status": "forged", "note": "kept"},
		}
		out, err := json.Marshal(meta)
		Expect(err).ToNot(HaveOccurred())
		decoded := map[string]any{}
		Expect(json.Unmarshal(out, &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("orchestrator_status", "spawning"))
		Expect(decoded).To(HaveKeyWithValue("note", "kept"))
	})

	It("should omit unset optional fields", func() {
		out, err := json.Marshal(store.Metadata{OrchestratorStatus: "spawning"})
		Expect(err).ToNot(HaveOccurred())
		decoded := map[string]any{}
		Expect(json.Unmarshal(out, &decoded)).To(Succeed())
		Expect(decoded).To(HaveLen(1))
	})

	It("should round-trip pod and ssh details", func() {
		meta := store.Metadata{
			RunPodID:   "pod-1",
			PodDetails: &store.PodDetails{PodID: "pod-1", GPUType: "NVIDIA GeForce RTX 4090", CostPerHour: 0.69, DesiredStatus: "RUNNING"},
			SSHDetails: &store.SSHDetails{IP: "192.0.2.10", Port: 10022, Password: "secret"},
		}
		out, err := json.Marshal(meta)
		Expect(err).ToNot(HaveOccurred())
		var decoded store.Metadata
		Expect(json.Unmarshal(out, &decoded)).To(Succeed())
		Expect(decoded.PodDetails.CostPerHour).To(BeNumerically("==", 0.69))
		Expect(decoded.SSHDetails.Port).To(Equal(10022))
		Expect(decoded.Extra).To(BeNil())
	})
})
