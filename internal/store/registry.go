// Copyright 2025 Lodestore Authors
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

package store

import (
	gosync "sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// cacheKey identifies one cached instance: instances are confined to the
// goroutine that opened them, so the same path opened from two goroutines
// yields two distinct handles.
type cacheKey struct {
	path string
	gid  int64
}

// openMu is the process-wide open lock. It serializes the whole
// check-then-act open sequence across goroutines and across paths: a caller
// opening one path waits behind a caller opening another, trading
// concurrency for correctness of the shared schema/migration side effects.
var openMu gosync.Mutex

// instances is the path+goroutine → instance cache. Mutations happen only
// under openMu (or on the owning goroutine at close); cache-hit lookups and
// the sync wake-up path read it lock-free.
var instances = xsync.NewMapOf[cacheKey, *Instance]()

func cachedInstance(path string, gid int64) *Instance {
	inst, _ := instances.Load(cacheKey{path: path, gid: gid})
	return inst
}

// liveInstanceForPath returns any cached instance for path regardless of
// owning goroutine. Used during open to share an already-resolved schema
// instead of re-deriving it (and possibly re-running a migration).
func liveInstanceForPath(path string) *Instance {
	var found *Instance
	instances.Range(func(key cacheKey, inst *Instance) bool {
		if key.path == path {
			found = inst
			return false
		}
		return true
	})
	return found
}

// wakeInstancesAt is the transact-notify landing point: the sync transport
// calls it (on a network goroutine) with only a path. Instances are
// re-resolved at fire time; if none is live the notification is dropped.
func wakeInstancesAt(path string) {
	instances.Range(func(key cacheKey, inst *Instance) bool {
		if key.path == path {
			inst.remoteWake()
		}
		return true
	})
}
