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
	"fmt"

	"lodestore/internal/common"
)

// The transaction controller has exactly two states per instance: Idle and
// InTransaction. Invalidation is a separate terminal condition layered on
// top, not a third state.

// assertOwnsTx panics when the instance is a migration wrapper. Wrappers
// ride the schema upgrade's transaction; ending it from a transform is a
// programmer error on par with cross-goroutine use.
func (i *Instance) assertOwnsTx() {
	if i.borrowedTx {
		panic(fmt.Sprintf("lodestore: migration wrapper for %s cannot begin, commit or cancel; the upgrade owns the transaction", i.key))
	}
}

// Begin starts a write transaction. Fails when one is already active, with
// no engine-visible side effect.
func (i *Instance) Begin(ctx context.Context) error {
	i.assert()
	i.assertOwnsTx()
	if i.cfg.ReadOnly {
		return fmt.Errorf("begin on read-only instance %s: %w", i.key, common.ErrPermissionDenied)
	}
	if i.inTx {
		return fmt.Errorf("begin %s: already in transaction: %w", i.key, common.ErrGeneric)
	}
	if err := i.engine.Begin(ctx); err != nil {
		return err
	}
	i.inTx = true
	return nil
}

// Commit commits the active transaction. On success the instance returns to
// Idle first; only then does the engine commit hook forward the new version
// to the attached sync session and run the local did-change fan-out, so
// callbacks observe an idle instance and may begin their own transaction.
// On failure the transaction is left in whatever state the engine produced;
// the caller must inspect InTransaction.
func (i *Instance) Commit(ctx context.Context) error {
	i.assert()
	i.assertOwnsTx()
	if !i.inTx {
		return fmt.Errorf("commit %s: not in transaction: %w", i.key, common.ErrGeneric)
	}
	err := i.engine.Commit(ctx)
	// didCommit established Idle before the fan-out ran; a callback may
	// have begun a transaction of its own since, so mirror the engine
	// rather than clobbering its state.
	i.inTx = i.engine.InTransaction()
	return err
}

// Cancel rolls back the active transaction and returns to Idle
// unconditionally.
func (i *Instance) Cancel() error {
	i.assert()
	i.assertOwnsTx()
	if !i.inTx {
		return nil
	}
	err := i.engine.Cancel()
	i.inTx = false
	return err
}

// Write is the convenience wrapper: begin, run fn, then commit — but only
// if still in transaction when fn returns, since fn may legitimately have
// committed or cancelled itself. An error from fn cancels and propagates.
func (i *Instance) Write(ctx context.Context, fn func(tx *Instance) error) error {
	if err := i.Begin(ctx); err != nil {
		return err
	}
	if err := fn(i); err != nil {
		if i.inTx {
			i.Cancel()
		}
		return err
	}
	if i.inTx {
		return i.Commit(ctx)
	}
	return nil
}

// didCommit is the change-observer bridge (installed as the engine commit
// hook on writable instances): engine-level mutation notices reach the
// binding's observation layer here. Session first, then local callbacks.
// The hook fires mid-Commit, before the controller's own bookkeeping runs,
// so Idle is established here: callbacks must never see a transaction that
// has already committed.
func (i *Instance) didCommit(version int64) {
	i.inTx = false
	if i.session != nil {
		i.session.NotifyLocalCommit(version)
	}
	i.sendNotifications(KindDidChange)
}
