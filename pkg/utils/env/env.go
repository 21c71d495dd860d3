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

// Package env provides typed lookups of environment variables with defaults,
// used to seed flag defaults so every option is settable by flag or by env.
package env

import (
	"os"
	"strconv"
	"time"
)

func withDefault[T any](key string, def T, parse func(string) (T, error)) T {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	parsed, err := parse(val)
	if err != nil {
		return def
	}
	return parsed
}

// WithDefaultInt returns the int value of the supplied environment variable or, if not present,
// the supplied default value. If the int conversion fails, returns the default
func WithDefaultInt(key string, def int) int {
	return withDefault(key, def, strconv.Atoi)
}

// WithDefaultInt64 returns the int64 value of the supplied environment variable or, if not present,
// the supplied default value. If the int conversion fails, returns the default
func WithDefaultInt64(key string, def int64) int64 {
	return withDefault(key, def, func(v string) (int64, error) { return strconv.ParseInt(v, 10, 64) })
}

// WithDefaultFloat64 returns the float64 value of the supplied environment variable or, if not present,
// the supplied default value. If the float64 conversion fails, returns the default
func WithDefaultFloat64(key string, def float64) float64 {
	return withDefault(key, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

// WithDefaultString returns the string value of the supplied environment variable or, if not present,
// the supplied default value.
func WithDefaultString(key string, def string) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return val
}

// WithDefaultBool returns the boolean value of the supplied environment variable or, if not present,
// the supplied default value. If the bool conversion fails, returns the default
func WithDefaultBool(key string, def bool) bool {
	return withDefault(key, def, strconv.ParseBool)
}

// WithDefaultDuration returns the duration value of the supplied environment variable or, if not
// present, the supplied default value. Bare integers are interpreted as seconds to match the
// historical *_SEC variables; Go duration strings ("90s", "5m") are also accepted.
func WithDefaultDuration(key string, def time.Duration) time.Duration {
	return withDefault(key, def, func(v string) (time.Duration, error) {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(v)
	})
}
