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
	"context"
	"errors"
	"fmt"

	"lodestore/internal/engine"
	storesync "lodestore/internal/sync"
	"lodestore/internal/util"
)

// ErrConfigurationConflict reports a cache reuse with a configuration that
// does not match the cached instance. Deliberately outside the recoverable
// taxonomy: it indicates a programming error, and the open is abandoned
// immediately.
var ErrConfigurationConflict = errors.New("configuration conflicts with already-open instance")

// Open opens (or reuses) an instance for cfg.
//
// Cache-enabled opens of the same path on the same goroutine with equal
// read-only/in-memory/dynamic/encryption-key return the identical instance;
// a mismatch on any of those fields is ErrConfigurationConflict. The rest
// of the sequence runs under the process-wide open lock.
func Open(cfg Config) (*Instance, error) {
	norm, key, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	gid := util.GoroutineID()

	// Per-goroutine cache hit, lock-free.
	if !norm.DisableCache {
		if inst := cachedInstance(key, gid); inst != nil {
			if !sameShape(inst.cfg, norm) {
				return nil, fmt.Errorf("open %s: %w", key, ErrConfigurationConflict)
			}
			openMu.Lock()
			inst.refs++
			openMu.Unlock()
			return inst, nil
		}
	}

	// The rest of the sequence is serialized process-wide: the check-then-act
	// on shared registries and the schema/migration side effects must not
	// interleave, even across distinct paths.
	openMu.Lock()
	defer openMu.Unlock()

	// Engine failures arrive already translated into the closed taxonomy.
	h, err := engine.Open(norm.engineOptions())
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		cfg:     norm,
		key:     key,
		engine:  h,
		dynamic: norm.Dynamic,
		owner:   gid,
		refs:    1,
		wake:    make(chan struct{}, 1),
	}

	if err := inst.resolveSchema(context.Background()); err != nil {
		h.Close()
		return nil, err
	}

	// The wake hook re-resolves instances by path at fire time; it never
	// captures inst.
	if norm.SyncServerURL != "" {
		creds := storesync.Credentials{Identity: norm.SyncIdentity, Signature: norm.SyncSignature}
		session, err := storesync.DefaultRegistry.AcquireSession(creds, key, norm.SyncServerURL, wakeInstancesAt)
		if err != nil {
			h.Close()
			return nil, err
		}
		inst.session = session
	}

	if !norm.DisableCache {
		inst.cached = true
		instances.Store(cacheKey{path: key, gid: gid}, inst)
	}

	// Change-observer bridge: engine-level mutation notices reach the
	// observation layer (and the sync session) on every commit.
	if !norm.ReadOnly {
		h.SetCommitHook(inst.didCommit)
	}
	return inst, nil
}

// SchemaVersion reads the on-disk schema version of the store described by
// cfg without opening (or caching) an instance.
func SchemaVersion(cfg Config) (uint64, error) {
	norm, _, err := cfg.normalize()
	if err != nil {
		return 0, err
	}
	return engine.SchemaVersion(norm.engineOptions())
}

// resolveSchema picks the instance's schema during open: shared from a live
// instance of the same path, derived from the layout in dynamic mode, or the
// requested canonical schema with an on-disk upgrade.
func (i *Instance) resolveSchema(ctx context.Context) error {
	// Another goroutine already holds this path open: share its resolved
	// schema instead of re-deriving, avoiding a redundant (and possibly
	// conflicting) migration attempt.
	if existing := liveInstanceForPath(i.key); existing != nil {
		i.schema = existing.schema.Clone()
		i.dynamic = existing.dynamic
		return nil
	}

	if i.cfg.Dynamic {
		derived, err := i.engine.DeriveSchema(ctx)
		if err != nil {
			return err
		}
		i.schema = derived
		return nil
	}

	target := i.cfg.targetSchema()
	if i.cfg.ReadOnly {
		// Read-only opens take the file as it is; the requested schema is
		// used for access but the file is never upgraded.
		i.schema = target
		return nil
	}
	if err := i.engine.UpdateSchema(ctx, target, i.cfg.SchemaVersion, i.migrationHook()); err != nil {
		return err
	}
	i.schema = target
	return nil
}
