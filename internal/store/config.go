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

// Package store is the client runtime over the storage engine: it opens and
// caches instance handles, orchestrates schema migration, runs the
// transaction state machine and delivers change notifications, optionally
// attaching a sync session for remote-backed stores.
package store

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"lodestore/internal/common"
	"lodestore/internal/engine"
	"lodestore/internal/schema"
)

// EnvNoEncryption force-disables encryption keys process-wide when set.
// Keys passed explicitly to WriteCopy are still validated and honored.
const EnvNoEncryption = "LODESTORE_NO_ENCRYPTION"

// MigrationFunc transforms data during a schema version upgrade. before
// exposes the file through its pre-upgrade layout (old property names
// included), after through the requested schema. Both wrappers are detached
// when the migration returns; keeping either is a programmer error.
type MigrationFunc func(ctx context.Context, before, after *Instance) error

// Config describes one open request. It is copied defensively when the open
// sequence begins; later mutation by the caller has no effect.
type Config struct {
	// Path is the store file. Ignored when InMemory is set.
	Path string

	// InMemoryIdentifier names an in-memory store; two opens with the same
	// identifier share data. Empty means a fresh unique store.
	InMemoryIdentifier string

	// EncryptionKey is nil or exactly 64 bytes. Forced nil process-wide by
	// EnvNoEncryption.
	EncryptionKey []byte

	ReadOnly bool
	InMemory bool

	// Dynamic derives the schema from the file's live layout instead of
	// using a compiled-in schema; no migration ever runs in dynamic mode.
	Dynamic bool

	// SchemaVersion is the version the file should be upgraded to.
	SchemaVersion uint64

	// Schema overrides the process default canonical schema.
	Schema *schema.Schema

	// Migration runs when the file's on-disk version is below SchemaVersion.
	Migration MigrationFunc

	// DisableCache opts this handle out of the per-goroutine path cache;
	// the resulting instance is never shared.
	DisableCache bool

	// Sync endpoint; all three must be set together to attach a session.
	SyncServerURL string
	SyncIdentity  string
	SyncSignature string

	// BusyTimeout in milliseconds for engine lock waits. 0 means default.
	BusyTimeout int
}

// normalize validates cfg and returns the defensive copy the open sequence
// operates on, together with the canonical cache key.
func (c *Config) normalize() (*Config, string, error) {
	out := *c
	if out.EncryptionKey != nil {
		out.EncryptionKey = bytes.Clone(out.EncryptionKey)
	}
	if os.Getenv(EnvNoEncryption) != "" {
		out.EncryptionKey = nil
	}
	if out.EncryptionKey != nil && len(out.EncryptionKey) != engine.EncryptionKeySize {
		return nil, "", fmt.Errorf("config: encryption key must be %d bytes, got %d: %w",
			engine.EncryptionKeySize, len(out.EncryptionKey), common.ErrGeneric)
	}
	if out.Schema != nil {
		out.Schema = out.Schema.Clone()
	}

	var key string
	if out.InMemory {
		if out.InMemoryIdentifier == "" {
			out.InMemoryIdentifier = uuid.NewString()
		}
		key = common.InMemoryPath(out.InMemoryIdentifier)
	} else {
		if out.Path == "" {
			return nil, "", fmt.Errorf("config: empty path: %w", common.ErrGeneric)
		}
		canonical, err := common.CanonicalPath(out.Path)
		if err != nil {
			return nil, "", fmt.Errorf("config: %v: %w", err, common.ErrGeneric)
		}
		out.Path = canonical
		key = canonical
	}

	if (out.SyncServerURL != "") != (out.SyncIdentity != "" && out.SyncSignature != "") {
		return nil, "", fmt.Errorf("config: sync requires server URL, identity and signature: %w", common.ErrGeneric)
	}
	if out.SyncServerURL != "" && out.ReadOnly {
		return nil, "", fmt.Errorf("config: synced store cannot be read-only: %w", common.ErrGeneric)
	}
	return &out, key, nil
}

func (c *Config) engineOptions() engine.Options {
	return engine.Options{
		Path:          c.Path,
		InMemory:      c.InMemory,
		InMemoryID:    c.InMemoryIdentifier,
		ReadOnly:      c.ReadOnly,
		EncryptionKey: c.EncryptionKey,
		BusyTimeout:   c.BusyTimeout,
	}
}

// sameShape reports whether a cached instance opened with prev can be
// reused for a request with next: the fields that shape the underlying
// handle must agree exactly.
func sameShape(prev, next *Config) bool {
	return prev.ReadOnly == next.ReadOnly &&
		prev.InMemory == next.InMemory &&
		prev.Dynamic == next.Dynamic &&
		bytes.Equal(prev.EncryptionKey, next.EncryptionKey)
}

var defaultSchema = &schema.Schema{}

// SetDefaultSchema installs the application's compiled-in canonical schema,
// used by opens that neither supply a custom schema nor request dynamic
// mode. Call once at startup, before any Open.
func SetDefaultSchema(s *schema.Schema) {
	if s == nil {
		defaultSchema = &schema.Schema{}
		return
	}
	defaultSchema = s.Clone()
}

// targetSchema resolves the canonical-or-custom schema for this request.
func (c *Config) targetSchema() *schema.Schema {
	if c.Schema != nil {
		return c.Schema
	}
	return defaultSchema.Clone()
}
