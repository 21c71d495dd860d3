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

package cache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"knative.dev/pkg/logging"
)

// UnavailableGPUTypes stores GPU types that recently returned stock-out errors
// when attempting to deploy a pod. Spawn attempts for these types short-circuit
// as long as they are in the cache.
type UnavailableGPUTypes struct {
	// key: <gpuTypeID>, value: struct{}{}
	cache *cache.Cache
}

func NewUnavailableGPUTypes(c *cache.Cache) *UnavailableGPUTypes {
	return &UnavailableGPUTypes{
		cache: c,
	}
}

// IsUnavailable returns true if the GPU type appears in the cache
func (u *UnavailableGPUTypes) IsUnavailable(gpuTypeID string) bool {
	_, found := u.cache.Get(gpuTypeID)
	return found
}

// MarkUnavailable communicates a recently observed capacity shortage for the
// provided GPU type
func (u *UnavailableGPUTypes) MarkUnavailable(ctx context.Context, unavailableReason, gpuTypeID string) {
	// even if the key is already in the cache, we still need to call Set to extend the cached entry's TTL
	logging.FromContext(ctx).With(
		"unavailable-reason", unavailableReason,
		"gpu-type", gpuTypeID,
		"unavailable-gpu-types-ttl", UnavailableGPUTypesTTL).Debugf("marking gpu type unavailable")
	u.cache.SetDefault(gpuTypeID, struct{}{})
}

// ExpirationTime returns when the GPU type leaves the cache, for logging
func (u *UnavailableGPUTypes) ExpirationTime(gpuTypeID string) (time.Time, bool) {
	_, expiration, found := u.cache.GetWithExpiration(gpuTypeID)
	return expiration, found
}

func (u *UnavailableGPUTypes) Flush() {
	u.cache.Flush()
}
