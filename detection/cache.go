// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package detection

import (
	"slices"
	"time"

	"github.com/ZaparooProject/go-hce/internal/syncutil"
)

type cacheEntry struct {
	stored  time.Time
	devices []DeviceInfo
}

// Results are cached per transport. Slices are cloned on the way in and out.
var (
	cache   = map[string]cacheEntry{}
	cacheMu syncutil.RWMutex
)

func getCached(transport string, ttl time.Duration) ([]DeviceInfo, bool) {
	cacheMu.RLock()
	defer cacheMu.RUnlock()

	e, ok := cache[transport]
	if !ok || time.Since(e.stored) > ttl {
		return nil, false
	}
	return slices.Clone(e.devices), true
}

func setCached(transport string, devices []DeviceInfo) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache[transport] = cacheEntry{stored: time.Now(), devices: slices.Clone(devices)}
}

func clearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	clear(cache)
}

func clearCacheForTransport(transport string) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	delete(cache, transport)
}
