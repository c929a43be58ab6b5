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

	"lodestore/internal/engine"
	"lodestore/internal/schema"
	"lodestore/internal/util"
)

// migrationHook adapts the user-facing MigrationFunc into the engine's
// migrate callback. It runs inside the engine's single upgrade transaction:
// the before wrapper exposes the pre-upgrade layout (old names, old
// columns), the after wrapper the requested schema, both over the same
// handle and the same transaction. Whatever the transform leaves unfinished
// rolls back with the upgrade; its error propagates to the caller
// untranslated.
func (i *Instance) migrationHook() engine.MigrateFunc {
	if i.cfg.Migration == nil {
		return nil
	}
	return func(ctx context.Context, before *schema.Schema, h *engine.Handle) error {
		beforeInst := i.migrationWrapper(h, before, true)
		afterInst := i.migrationWrapper(h, i.cfg.targetSchema(), false)
		defer beforeInst.detach()
		defer afterInst.detach()
		return i.cfg.Migration(ctx, beforeInst, afterInst)
	}
}

// migrationWrapper builds a transient instance over the upgrade
// transaction's handle. Wrappers report InTransaction and accept writes but
// never Begin, Commit or Cancel themselves (borrowedTx makes that panic);
// the upgrade transaction belongs to UpdateSchema. They die with the
// migration via detach.
func (i *Instance) migrationWrapper(h *engine.Handle, s *schema.Schema, dynamic bool) *Instance {
	return &Instance{
		cfg:        i.cfg,
		key:        i.key,
		engine:     h,
		schema:     s,
		dynamic:    dynamic,
		owner:      util.GoroutineID(),
		inTx:       true,
		borrowedTx: true,
		wake:       make(chan struct{}, 1),
	}
}
