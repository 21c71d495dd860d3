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

// Package errors defines the error taxonomy shared by the cloud adapter, the
// store adapter and the control loop. Callers branch on kinds through the
// predicates rather than matching error strings.
package errors

import (
	"errors"
	"fmt"
)

type CloudErrorKind string

const (
	CloudNotFound  CloudErrorKind = "NotFound"
	CloudAuth      CloudErrorKind = "Auth"
	CloudQuota     CloudErrorKind = "Quota"
	CloudTransient CloudErrorKind = "Transient"
	CloudFatal     CloudErrorKind = "Fatal"
)

// CloudError wraps a failure returned by the GPU cloud API with a coarse
// kind that the lifecycle manager keys its transitions off of.
type CloudError struct {
	Kind   CloudErrorKind
	Op     string
	Detail string
	Err    error
}

func (e *CloudError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s), %s", e.Op, e.Detail, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Detail, e.Kind)
}

func (e *CloudError) Unwrap() error { return e.Err }

func NewCloudError(kind CloudErrorKind, op string, detail string, err error) *CloudError {
	return &CloudError{Kind: kind, Op: op, Detail: detail, Err: err}
}

type StoreErrorKind string

const (
	StoreTransient StoreErrorKind = "Transient"
	StoreConflict  StoreErrorKind = "Conflict"
	StoreMissing   StoreErrorKind = "Missing"
	StoreFatal     StoreErrorKind = "Fatal"
)

// StoreError wraps a failure from the task/worker store. Transient errors are
// retried inside the adapter and only surface after retry exhaustion.
type StoreError struct {
	Kind   StoreErrorKind
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%s, status %d)", e.Op, e.Detail, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s), %s", e.Op, e.Detail, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Detail, e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(kind StoreErrorKind, op string, detail string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Detail: detail, Err: err}
}

// ConfigError is fatal at startup; the process exits non-zero.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string { return e.Detail }

// LoggingError reports a log sink that could not be initialized. It is fatal
// only when the operator runs with DB_LOGGING_REQUIRED=true.
type LoggingError struct {
	Err      error
	Required bool
}

func (e *LoggingError) Error() string {
	return fmt.Sprintf("initializing log sink, %s", e.Err)
}

func (e *LoggingError) Unwrap() error { return e.Err }

// IsNotFound returns true if the err is a cloud error (even if it's wrapped)
// known to mean the pod no longer exists (as opposed to a more serious or
// unexpected error). Terminating an already-gone pod is treated as success.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var cloudErr *CloudError
	if errors.As(err, &cloudErr) {
		return cloudErr.Kind == CloudNotFound
	}
	return false
}

// IsAuth returns true for credential and permission failures from the cloud
// API; these are never retried.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var cloudErr *CloudError
	if errors.As(err, &cloudErr) {
		return cloudErr.Kind == CloudAuth
	}
	return false
}

// IsQuota returns true when the cloud has no capacity to fulfill a pod create;
// the offending GPU type is parked until the condition ages out.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	var cloudErr *CloudError
	if errors.As(err, &cloudErr) {
		return cloudErr.Kind == CloudQuota
	}
	return false
}

// IsTransient returns true for retryable failures from either adapter.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var cloudErr *CloudError
	if errors.As(err, &cloudErr) {
		return cloudErr.Kind == CloudTransient
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Kind == StoreTransient
	}
	return false
}

// IsConflict returns true when the store refused a mutation because of a
// row-level constraint, e.g. claiming through a terminating worker or
// registering a duplicate worker id.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Kind == StoreConflict
	}
	return false
}

// IsMissing returns true when the store has no row for the requested id.
func IsMissing(err error) bool {
	if err == nil {
		return false
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Kind == StoreMissing
	}
	return false
}

// IsLoggingFailure returns true for log sink initialization failures.
func IsLoggingFailure(err error) bool {
	if err == nil {
		return false
	}
	var logErr *LoggingError
	return errors.As(err, &logErr)
}
