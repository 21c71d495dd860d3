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

package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/renderloop/gpu-orchestrator/pkg/errors"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

var _ = Describe("Predicates", func() {
	It("should classify by kind, not by type alone", func() {
		err := errors.NewCloudError(errors.CloudQuota, "creating pod", "no capacity", nil)
		Expect(errors.IsQuota(err)).To(BeTrue())
		Expect(errors.IsNotFound(err)).To(BeFalse())
		Expect(errors.IsAuth(err)).To(BeFalse())
	})
	It("should see through wrapping", func() {
		err := fmt.Errorf("terminating worker, %w",
			errors.NewCloudError(errors.CloudNotFound, "terminating pod", "pod not found", nil))
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should treat transient as an either-adapter condition", func() {
		Expect(errors.IsTransient(errors.NewCloudError(errors.CloudTransient, "listing fleet", "429", nil))).To(BeTrue())
		Expect(errors.IsTransient(errors.NewStoreError(errors.StoreTransient, "updating worker", "503", nil))).To(BeTrue())
		Expect(errors.IsTransient(errors.NewStoreError(errors.StoreConflict, "claiming task", "409", nil))).To(BeFalse())
	})
	It("should return false on nil and on foreign errors", func() {
		Expect(errors.IsNotFound(nil)).To(BeFalse())
		Expect(errors.IsConflict(stderrors.New("plain"))).To(BeFalse())
		Expect(errors.IsLoggingFailure(stderrors.New("plain"))).To(BeFalse())
	})
	It("should carry the required flag on logging failures", func() {
		lerr := &errors.LoggingError{Err: stderrors.New("insert refused"), Required: true}
		wrapped := fmt.Errorf("starting up, %w", lerr)
		Expect(errors.IsLoggingFailure(wrapped)).To(BeTrue())

		var out *errors.LoggingError
		Expect(stderrors.As(wrapped, &out)).To(BeTrue())
		Expect(out.Required).To(BeTrue())
	})
})
