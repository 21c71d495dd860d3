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

import "time"

const (
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) for cache entries
	DefaultCleanupInterval = 10 * time.Minute
	// UnavailableGPUTypesTTL is how long a stocked-out GPU type is skipped
	// before spawn attempts resume
	UnavailableGPUTypesTTL = 3 * time.Minute
	// CatalogTTL is how long resolved GPU type ids and network volume ids are
	// reused before being re-resolved against the cloud API
	CatalogTTL = 30 * time.Minute
)
