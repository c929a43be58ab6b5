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

	log "github.com/sirupsen/logrus"

	"lodestore/internal/common"
	"lodestore/internal/engine"
	"lodestore/internal/schema"
	storesync "lodestore/internal/sync"
	"lodestore/internal/util"
)

// Instance is one open handle onto a store. Instances are confined to the
// goroutine that opened them: every public operation asserts the caller is
// that goroutine, and a violation panics — cross-goroutine use is a
// programmer error, not a recoverable failure.
type Instance struct {
	cfg     *Config
	key     string // canonical cache key
	engine  *engine.Handle
	schema  *schema.Schema
	dynamic bool
	session *storesync.Session

	owner  int64 // confinement goroutine
	inTx   bool
	closed bool
	cached bool
	refs   int // strong holders handed out by Open; guarded by openMu

	// borrowedTx marks a migration wrapper: it runs inside a transaction it
	// does not own and must not begin, commit or cancel.
	borrowedTx bool

	tokens              map[*Token]struct{}
	invalidateObservers []func(*Instance)

	// wake is poked (non-blocking) by the sync transport when a remote
	// version lands; the owning goroutine drains it via Refresh.
	wake chan struct{}
}

// assert panics unless the instance is usable from the calling goroutine.
func (i *Instance) assert() {
	if i.closed || i.engine == nil {
		panic(fmt.Sprintf("lodestore: use of invalidated instance %s", i.key))
	}
	if gid := util.GoroutineID(); gid != i.owner {
		panic(fmt.Sprintf("lodestore: instance %s owned by goroutine %d used from goroutine %d",
			i.key, i.owner, gid))
	}
}

// Path returns the canonical path (or in-memory key) of the store.
func (i *Instance) Path() string { return i.key }

// ReadOnly reports whether the instance was opened read-only.
func (i *Instance) ReadOnly() bool { return i.cfg.ReadOnly }

// Dynamic reports whether the schema was derived from the live layout.
func (i *Instance) Dynamic() bool { return i.dynamic }

// Schema returns the resolved schema. Callers must not mutate it.
func (i *Instance) Schema() *schema.Schema {
	i.assert()
	return i.schema
}

// Session returns the attached sync session, or nil for local stores.
func (i *Instance) Session() *storesync.Session { return i.session }

// InTransaction reports whether a write transaction is active.
func (i *Instance) InTransaction() bool {
	i.assert()
	return i.inTx
}

// Version returns the number of commits performed through this instance.
func (i *Instance) Version() int64 {
	i.assert()
	return i.engine.Version()
}

// Compact rewrites the store file to minimal size; returns false when a
// transaction is active.
func (i *Instance) Compact(ctx context.Context) (bool, error) {
	i.assert()
	return i.engine.Compact(ctx)
}

// WriteCopy writes a compacted copy of the store to dst, re-keyed to key.
// An explicit key is validated even when EnvNoEncryption is set: a caller
// that demands encryption gets an error, never a silent plaintext copy.
func (i *Instance) WriteCopy(ctx context.Context, dst string, key []byte) error {
	i.assert()
	return i.engine.WriteCopy(ctx, dst, key)
}

// Refresh drains a pending remote wake-up and fans out a did-change
// notification. Returns true if a wake-up was pending. Must be called on
// the owning goroutine, like every other operation.
func (i *Instance) Refresh() bool {
	i.assert()
	select {
	case <-i.wake:
		i.sendNotifications(KindDidChange)
		return true
	default:
		return false
	}
}

// WakeCh exposes the wake-up channel so owners can select on remote
// arrivals instead of polling Refresh.
func (i *Instance) WakeCh() <-chan struct{} { return i.wake }

// remoteWake runs on the network goroutine. It must touch nothing but the
// channel: the instance may be mid-teardown on its own goroutine.
func (i *Instance) remoteWake() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// ObserveInvalidation registers fn to run when the instance is explicitly
// invalidated. This is the per-object observer registry used for live
// object tracking; it is distinct from the token dispatcher, which never
// sees an invalidated kind.
func (i *Instance) ObserveInvalidation(fn func(*Instance)) {
	i.assert()
	if fn == nil {
		panic("lodestore: nil invalidation observer")
	}
	i.invalidateObservers = append(i.invalidateObservers, fn)
}

// Close releases one strong reference. The last reference tears the
// instance down: an in-progress transaction is auto-cancelled (with a
// diagnostic — the engine must never stay locked in an ownerless
// transaction), tokens and enumerators are detached, the sync session
// reference is released and the engine handle closed.
func (i *Instance) Close() error {
	i.assert()
	openMu.Lock()
	i.refs--
	if i.refs > 0 {
		openMu.Unlock()
		return nil
	}
	if i.cached {
		instances.Delete(cacheKey{path: i.key, gid: i.owner})
	}
	openMu.Unlock()
	return i.teardown()
}

// Invalidate explicitly invalidates the instance regardless of outstanding
// references: live-object observers are notified, then the handle is torn
// down. Any further use panics.
func (i *Instance) Invalidate() error {
	i.assert()
	for _, fn := range i.invalidateObservers {
		fn(i)
	}
	openMu.Lock()
	i.refs = 0
	if i.cached {
		instances.Delete(cacheKey{path: i.key, gid: i.owner})
	}
	openMu.Unlock()
	return i.teardown()
}

func (i *Instance) teardown() error {
	if i.inTx {
		log.WithField("path", i.key).Warn("instance released with open transaction, cancelling")
		if err := i.engine.Cancel(); err != nil {
			log.WithField("path", i.key).WithError(err).Warn("auto-cancel failed")
		}
		i.inTx = false
	}
	for t := range i.tokens {
		t.detach()
	}
	i.tokens = nil
	i.invalidateObservers = nil

	if i.session != nil {
		storesync.DefaultRegistry.ReleaseSession(i.session)
		i.session = nil
	}

	err := i.engine.Close()
	i.engine = nil
	i.closed = true
	return err
}

// detach strips a migration wrapper of its engine handle without closing
// it: the handle belongs to the upgrade transaction, not the wrapper. Any
// later use fails exactly as an invalidated instance does.
func (i *Instance) detach() {
	i.engine = nil
	i.closed = true
}

// --- dynamic object access ---

// Object is one stored object addressed through an instance.
type Object struct {
	inst *Instance
	typ  *schema.ObjectSchema
	pk   int64
	row  engine.Row
}

// PK returns the object's primary key.
func (o Object) PK() int64 { return o.pk }

// Get returns the named property's stored value.
func (o Object) Get(property string) any {
	o.inst.assert()
	return o.row[property]
}

// Set writes the named property. Requires an active write transaction.
func (o Object) Set(ctx context.Context, property string, value any) error {
	o.inst.assert()
	if !o.inst.inTx && !o.inst.engine.InTransaction() {
		return fmt.Errorf("set %s.%s outside transaction: %w", o.typ.Name, property, common.ErrGeneric)
	}
	if o.typ.Property(property) == nil {
		return fmt.Errorf("object type %s has no property %s: %w", o.typ.Name, property, common.ErrGeneric)
	}
	if err := o.inst.engine.Set(ctx, o.typ.TableName(), o.pk, property, value); err != nil {
		return err
	}
	o.row[property] = value
	return nil
}

// Objects enumerates all stored objects of the named type.
func (i *Instance) Objects(ctx context.Context, typeName string) ([]Object, error) {
	i.assert()
	typ := i.schema.Lookup(typeName)
	if typ == nil {
		return nil, fmt.Errorf("unknown object type %s: %w", typeName, common.ErrGeneric)
	}
	columns := make([]string, len(typ.Properties))
	for idx, p := range typ.Properties {
		columns[idx] = p.Name
	}
	rows, err := i.engine.Enumerate(ctx, typ.TableName(), columns)
	if err != nil {
		return nil, err
	}
	out := make([]Object, len(rows))
	for idx, row := range rows {
		out[idx] = Object{inst: i, typ: typ, pk: row.PK(), row: row}
	}
	return out, nil
}

// Count returns the number of stored objects of the named type.
func (i *Instance) Count(ctx context.Context, typeName string) (int64, error) {
	i.assert()
	typ := i.schema.Lookup(typeName)
	if typ == nil {
		return 0, fmt.Errorf("unknown object type %s: %w", typeName, common.ErrGeneric)
	}
	return i.engine.Count(ctx, typ.TableName())
}

// Create inserts a new object of the named type. Requires an active write
// transaction.
func (i *Instance) Create(ctx context.Context, typeName string, values map[string]any) (Object, error) {
	i.assert()
	if !i.inTx && !i.engine.InTransaction() {
		return Object{}, fmt.Errorf("create %s outside transaction: %w", typeName, common.ErrGeneric)
	}
	typ := i.schema.Lookup(typeName)
	if typ == nil {
		return Object{}, fmt.Errorf("unknown object type %s: %w", typeName, common.ErrGeneric)
	}
	for name := range values {
		if typ.Property(name) == nil {
			return Object{}, fmt.Errorf("object type %s has no property %s: %w", typeName, name, common.ErrGeneric)
		}
	}
	pk, err := i.engine.Insert(ctx, typ.TableName(), values)
	if err != nil {
		return Object{}, err
	}
	row := make(engine.Row, len(values)+1)
	for k, v := range values {
		row[k] = v
	}
	row[engine.PKColumn] = pk
	return Object{inst: i, typ: typ, pk: pk, row: row}, nil
}

// DeleteObject removes an object. Requires an active write transaction.
func (i *Instance) DeleteObject(ctx context.Context, obj Object) error {
	i.assert()
	if !i.inTx && !i.engine.InTransaction() {
		return fmt.Errorf("delete %s outside transaction: %w", obj.typ.Name, common.ErrGeneric)
	}
	return i.engine.Delete(ctx, obj.typ.TableName(), obj.pk)
}
