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

// Package engine is the storage collaborator: one open-file handle over a
// libsql database holding object tables. Every failure crossing out of this
// package is translated into the closed error taxonomy of internal/common
// at a single boundary (translateError); engine-internal error types never
// leak to higher layers.
package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"lodestore/internal/common"
	"lodestore/internal/util"
)

// FormatVersion is the on-disk container format. Files written by a newer
// format are rejected with ErrFormatUpgradeRequired.
const FormatVersion = 1

// EncryptionKeySize is the exact length a non-nil encryption key must have.
const EncryptionKeySize = 64

// DefaultBusyTimeout in milliseconds.
const DefaultBusyTimeout = 30000

// lockHeader is the first line of the lock sidecar. A sidecar carrying a
// different header was produced by an incompatible build or architecture.
const lockHeader = "lodestore lock v1"

// Options configures a single engine open. This is the engine's narrow view
// of the caller's configuration; the store layer validates and copies before
// handing it down.
type Options struct {
	Path          string
	InMemory      bool
	InMemoryID    string
	ReadOnly      bool
	EncryptionKey []byte // nil or exactly EncryptionKeySize bytes
	BusyTimeout   int    // milliseconds, 0 means DefaultBusyTimeout
}

// Handle is one open engine file. Handles are not safe for concurrent use;
// the store layer confines each one to its owning goroutine.
type Handle struct {
	path string
	opts Options

	db   *sql.DB
	bdb  *bun.DB
	lock *flock.Flock

	tx      *bun.Tx
	version int64

	// onCommit bridges engine-level commits to the binding's observation
	// layer. Set once by the store after open; never called re-entrantly.
	onCommit func(version int64)
}

// Open opens (creating if absent) the engine file described by opts.
func Open(opts Options) (*Handle, error) {
	if err := validateKey(opts.EncryptionKey); err != nil {
		return nil, err
	}

	fresh := false
	var lk *flock.Flock
	if !opts.InMemory {
		if _, err := os.Stat(opts.Path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, translateError(err, opts.Path)
			}
			if opts.ReadOnly {
				return nil, fmt.Errorf("open %s: %w", opts.Path, common.ErrNotFound)
			}
			fresh = true
		}
		var err error
		lk, err = acquireLock(opts.Path)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("libsql", buildDSN(opts))
	if err != nil {
		releaseLock(lk)
		return nil, translateError(err, opts.Path)
	}
	// One connection per handle: handles are goroutine-confined and
	// transactions must see their own uncommitted writes.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db, opts); err != nil {
		db.Close()
		releaseLock(lk)
		return nil, translateError(err, opts.Path)
	}

	h := &Handle{
		path: opts.Path,
		opts: opts,
		db:   db,
		bdb:  bun.NewDB(db, sqlitedialect.New()),
		lock: lk,
	}

	if err := h.initMeta(context.Background()); err != nil {
		h.db.Close()
		releaseLock(lk)
		if opts.InMemory || !fresh {
			return nil, err
		}
		os.Remove(opts.Path)
		return nil, err
	}
	return h, nil
}

// Close releases the handle: checkpoints the WAL, closes the connection and
// drops the lock sidecar reference. Safe to call once; the store layer
// guarantees no transaction is active.
func (h *Handle) Close() error {
	if h.db == nil {
		return nil
	}
	if h.tx != nil {
		// Belt and braces: the store auto-cancels before release, but a
		// dangling engine transaction must never survive the handle.
		log.WithField("path", h.path).Warn("engine handle closed with open transaction, rolling back")
		h.Cancel()
	}
	if !h.opts.InMemory && !h.opts.ReadOnly {
		if rows, err := h.db.Query("PRAGMA wal_checkpoint(TRUNCATE)"); err == nil {
			rows.Close()
		}
	}
	err := h.db.Close()
	h.db = nil
	h.bdb = nil
	releaseLock(h.lock)
	h.lock = nil
	return err
}

// Path returns the file path this handle was opened on.
func (h *Handle) Path() string { return h.path }

// ReadOnly reports whether the handle was opened read-only.
func (h *Handle) ReadOnly() bool { return h.opts.ReadOnly }

// Version returns the number of commits performed through this handle.
func (h *Handle) Version() int64 { return h.version }

// SetCommitHook installs fn to run after every successful commit.
func (h *Handle) SetCommitHook(fn func(version int64)) { h.onCommit = fn }

// InTransaction reports whether a write transaction is active.
func (h *Handle) InTransaction() bool { return h.tx != nil }

// Begin starts a write transaction.
func (h *Handle) Begin(ctx context.Context) error {
	if h.opts.ReadOnly {
		return fmt.Errorf("begin on read-only handle %s: %w", h.path, common.ErrPermissionDenied)
	}
	if h.tx != nil {
		return fmt.Errorf("begin %s: transaction already active: %w", h.path, common.ErrGeneric)
	}
	tx, err := util.RetryWithResult(ctx, func() (bun.Tx, error) {
		return h.bdb.BeginTx(ctx, nil)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return translateError(err, h.path)
	}
	h.tx = &tx
	return nil
}

// Commit commits the active write transaction, advances the version counter
// and fires the commit hook.
func (h *Handle) Commit(ctx context.Context) error {
	if err := h.commitTx(); err != nil {
		return err
	}
	h.version++
	if h.onCommit != nil {
		h.onCommit(h.version)
	}
	return nil
}

// commitTx commits the active transaction without touching the version
// counter or the hook. Open-time schema resolution commits through here so
// the counter reflects only the caller's own commits: a fresh handle reports
// version 0 no matter how much DDL the open performed.
func (h *Handle) commitTx() error {
	if h.tx == nil {
		return fmt.Errorf("commit %s: no active transaction: %w", h.path, common.ErrGeneric)
	}
	if err := h.tx.Commit(); err != nil {
		// The engine leaves the transaction in whatever state the commit
		// failure produced; the caller inspects and decides.
		return translateError(err, h.path)
	}
	h.tx = nil
	return nil
}

// Cancel rolls back the active write transaction. The handle always leaves
// transaction state, even if the rollback itself reports an error.
func (h *Handle) Cancel() error {
	if h.tx == nil {
		return nil
	}
	err := h.tx.Rollback()
	h.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return translateError(err, h.path)
	}
	return nil
}

// Compact rewrites the file to its minimal size. Returns false without
// touching the file when a transaction is active.
func (h *Handle) Compact(ctx context.Context) (bool, error) {
	if h.tx != nil {
		return false, nil
	}
	if _, err := h.db.ExecContext(ctx, "VACUUM"); err != nil {
		return false, translateError(err, h.path)
	}
	return true, nil
}

// WriteCopy writes a compacted copy of the store to dst, re-keyed to key.
// Key validation happens before any filesystem access.
func (h *Handle) WriteCopy(ctx context.Context, dst string, key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if h.tx != nil {
		return fmt.Errorf("write copy %s: transaction active: %w", h.path, common.ErrGeneric)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("write copy %s: %w", dst, common.ErrExists)
	}

	// The destination sidecar is held exclusively for the duration of the
	// copy so a concurrent open of the half-written file fails on the lock
	// rather than on a torn database.
	dstLock := flock.New(dst + ".lock")
	locked, err := dstLock.TryLock()
	if err != nil {
		return translateError(err, dst)
	}
	if !locked {
		return fmt.Errorf("write copy %s: %w", dst, common.ErrIncompatibleLockFile)
	}
	defer dstLock.Unlock()
	if err := os.WriteFile(dst+".lock", []byte(lockHeader+"\n"), 0o644); err != nil {
		return translateError(err, dst)
	}

	if _, err := h.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		os.Remove(dst + ".lock")
		return translateError(err, dst)
	}
	return rewriteKeyDigest(ctx, dst, key)
}

// SchemaVersion reads the schema version of the store described by opts
// without keeping a handle open.
func SchemaVersion(opts Options) (uint64, error) {
	opts.ReadOnly = true
	h, err := Open(opts)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	return h.schemaVersion(context.Background())
}

// --- internals ---

func validateKey(key []byte) error {
	if key != nil && len(key) != EncryptionKeySize {
		return fmt.Errorf("encryption key must be %d bytes, got %d: %w",
			EncryptionKeySize, len(key), common.ErrGeneric)
	}
	return nil
}

func keyDigest(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

func buildDSN(opts Options) string {
	if opts.InMemory {
		// A named shared-cache memory database: two handles opened with the
		// same identifier see the same data, none touches the filesystem.
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", opts.InMemoryID)
	}
	return "file:" + opts.Path
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, opts Options) error {
	// Busy timeout first: subsequent PRAGMAs (journal_mode=WAL needs
	// exclusive access) then wait for locks instead of failing immediately.
	timeout := opts.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", timeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if !opts.InMemory {
		if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
		}
		// WAL with NORMAL sync is safe against process crashes and avoids
		// an fsync per commit.
		if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
			return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

func acquireLock(path string) (*flock.Flock, error) {
	lockPath := path + ".lock"
	if data, err := os.ReadFile(lockPath); err == nil {
		line, _, _ := strings.Cut(string(data), "\n")
		if strings.TrimSpace(line) != lockHeader {
			return nil, fmt.Errorf("lock sidecar %s has header %q: %w",
				lockPath, strings.TrimSpace(line), common.ErrIncompatibleLockFile)
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		if werr := os.WriteFile(lockPath, []byte(lockHeader+"\n"), 0o644); werr != nil {
			return nil, translateError(werr, lockPath)
		}
	} else {
		return nil, translateError(err, lockPath)
	}

	lk := flock.New(lockPath)
	// Shared: many handles (and processes) may hold the same store open;
	// only write_copy takes the lock exclusively.
	locked, err := lk.TryRLock()
	if err != nil {
		return nil, translateError(err, lockPath)
	}
	if !locked {
		return nil, fmt.Errorf("lock sidecar %s held exclusively: %w", lockPath, common.ErrIncompatibleLockFile)
	}
	return lk, nil
}

func releaseLock(lk *flock.Flock) {
	if lk != nil {
		lk.Unlock()
	}
}

const metaSchema = `CREATE TABLE IF NOT EXISTS lodestore_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

func (h *Handle) initMeta(ctx context.Context) error {
	if h.opts.ReadOnly && !h.opts.InMemory {
		// Existing file: verify without writing.
		return h.verifyMeta(ctx)
	}
	if _, err := h.db.ExecContext(ctx, metaSchema); err != nil {
		return translateError(err, h.path)
	}
	typ, err := h.metaValue(ctx, "type")
	if err != nil {
		return err
	}
	if typ == "" {
		for k, v := range map[string]string{
			"type":           "store",
			"format":         fmt.Sprint(FormatVersion),
			"schema_version": "0",
			"key_digest":     keyDigest(h.opts.EncryptionKey),
		} {
			if err := h.setMetaValue(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	}
	return h.verifyMeta(ctx)
}

func (h *Handle) verifyMeta(ctx context.Context) error {
	typ, err := h.metaValue(ctx, "type")
	if err != nil {
		return err
	}
	if typ != "store" {
		return fmt.Errorf("%s is not a lodestore file (type=%q): %w", h.path, typ, common.ErrAccess)
	}
	format, err := h.metaValue(ctx, "format")
	if err != nil {
		return err
	}
	if format != fmt.Sprint(FormatVersion) {
		return fmt.Errorf("%s has format %s, engine supports %d: %w",
			h.path, format, FormatVersion, common.ErrFormatUpgradeRequired)
	}
	digest, err := h.metaValue(ctx, "key_digest")
	if err != nil {
		return err
	}
	if digest != keyDigest(h.opts.EncryptionKey) {
		return fmt.Errorf("%s: invalid encryption key: %w", h.path, common.ErrPermissionDenied)
	}
	return nil
}

func (h *Handle) metaValue(ctx context.Context, key string) (string, error) {
	var value string
	err := h.idb().NewRaw("SELECT value FROM lodestore_meta WHERE key = ?", key).Scan(ctx, &value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		if isMissingTable(err) {
			return "", fmt.Errorf("%s is not a lodestore file: %w", h.path, common.ErrAccess)
		}
		return "", translateError(err, h.path)
	}
	return value, nil
}

func (h *Handle) setMetaValue(ctx context.Context, key, value string) error {
	_, err := h.idb().NewRaw(
		"INSERT INTO lodestore_meta (key, value) VALUES (?, ?) "+
			"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		key, value).Exec(ctx)
	if err != nil {
		return translateError(err, h.path)
	}
	return nil
}

// idb returns the active transaction when one is open, else the database.
func (h *Handle) idb() bun.IDB {
	if h.tx != nil {
		return h.tx
	}
	return h.bdb
}

func rewriteKeyDigest(ctx context.Context, path string, key []byte) error {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return translateError(err, path)
	}
	defer db.Close()
	_, err = db.ExecContext(ctx,
		"INSERT INTO lodestore_meta (key, value) VALUES ('key_digest', ?) "+
			"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		keyDigest(key))
	if err != nil {
		return translateError(err, path)
	}
	return nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// translateError is the single boundary turning engine-level failures into
// the closed taxonomy. Everything unrecognized becomes ErrGeneric.
func translateError(err error, path string) error {
	if err == nil {
		return nil
	}
	if common.IsRecoverable(err) {
		return err
	}
	var kind error
	switch {
	case errors.Is(err, fs.ErrPermission):
		kind = common.ErrPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		kind = common.ErrNotFound
	case errors.Is(err, fs.ErrExist):
		kind = common.ErrExists
	case strings.Contains(err.Error(), "not a database"),
		strings.Contains(err.Error(), "database disk image is malformed"),
		strings.Contains(err.Error(), "database is locked"),
		strings.Contains(err.Error(), "attempt to write a readonly database"):
		kind = common.ErrAccess
	default:
		kind = common.ErrGeneric
	}
	return fmt.Errorf("%s: %v: %w", path, err, kind)
}
