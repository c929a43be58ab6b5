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

package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestore/internal/common"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.lodestore")
}

func testHandle(t *testing.T) *Handle {
	t.Helper()
	h, err := Open(Options{Path: testPath(t)})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, EncryptionKeySize)
}

func TestOpen(t *testing.T) {
	t.Run("creates fresh store with sidecar", func(t *testing.T) {
		path := testPath(t)
		h, err := Open(Options{Path: path})
		require.NoError(t, err)
		defer h.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err, "store file should exist")

		data, err := os.ReadFile(path + ".lock")
		require.NoError(t, err)
		assert.Contains(t, string(data), lockHeader)

		v, err := h.CurrentSchemaVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), v)
	})

	t.Run("read-only open of missing file", func(t *testing.T) {
		_, err := Open(Options{Path: testPath(t), ReadOnly: true})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("reopen existing store", func(t *testing.T) {
		path := testPath(t)
		h, err := Open(Options{Path: path})
		require.NoError(t, err)
		require.NoError(t, h.Close())

		h2, err := Open(Options{Path: path})
		require.NoError(t, err)
		defer h2.Close()
	})

	t.Run("rejects foreign file contents", func(t *testing.T) {
		path := testPath(t)
		require.NoError(t, os.WriteFile(path, []byte("this is not a database at all, not even close"), 0o644))
		_, err := Open(Options{Path: path})
		assert.ErrorIs(t, err, common.ErrAccess)
	})

	t.Run("rejects incompatible lock sidecar", func(t *testing.T) {
		path := testPath(t)
		require.NoError(t, os.WriteFile(path+".lock", []byte("someother lock v9\n"), 0o644))
		_, err := Open(Options{Path: path})
		assert.ErrorIs(t, err, common.ErrIncompatibleLockFile)
	})
}

func TestEncryptionKey(t *testing.T) {
	t.Run("wrong length rejected before filesystem access", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "never-created.lodestore")
		_, err := Open(Options{Path: path, EncryptionKey: []byte("short")})
		assert.ErrorIs(t, err, common.ErrGeneric)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr), "invalid key must not create the file")
	})

	t.Run("key digest verified on reopen", func(t *testing.T) {
		path := testPath(t)
		h, err := Open(Options{Path: path, EncryptionKey: testKey(0xAA)})
		require.NoError(t, err)
		require.NoError(t, h.Close())

		_, err = Open(Options{Path: path})
		assert.ErrorIs(t, err, common.ErrPermissionDenied, "missing key must be rejected")

		_, err = Open(Options{Path: path, EncryptionKey: testKey(0xBB)})
		assert.ErrorIs(t, err, common.ErrPermissionDenied, "wrong key must be rejected")

		h2, err := Open(Options{Path: path, EncryptionKey: testKey(0xAA)})
		require.NoError(t, err)
		assert.NoError(t, h2.Close())
	})
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("commit bumps version and fires hook", func(t *testing.T) {
		h := testHandle(t)
		var hooked int64
		h.SetCommitHook(func(v int64) { hooked = v })

		require.NoError(t, h.Begin(ctx))
		assert.True(t, h.InTransaction())
		require.NoError(t, h.Commit(ctx))

		assert.False(t, h.InTransaction())
		assert.Equal(t, int64(1), h.Version())
		assert.Equal(t, int64(1), hooked)
	})

	t.Run("double begin fails", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.Begin(ctx))
		defer h.Cancel()
		assert.ErrorIs(t, h.Begin(ctx), common.ErrGeneric)
	})

	t.Run("commit without transaction fails", func(t *testing.T) {
		h := testHandle(t)
		assert.ErrorIs(t, h.Commit(ctx), common.ErrGeneric)
	})

	t.Run("cancel without transaction is a no-op", func(t *testing.T) {
		h := testHandle(t)
		assert.NoError(t, h.Cancel())
	})

	t.Run("cancel discards writes", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.Begin(ctx))
		require.NoError(t, h.setMetaValue(ctx, "probe", "in-tx"))
		require.NoError(t, h.Cancel())

		v, err := h.metaValue(ctx, "probe")
		require.NoError(t, err)
		assert.Empty(t, v)
		assert.Equal(t, int64(0), h.Version())
	})

	t.Run("begin on read-only handle", func(t *testing.T) {
		path := testPath(t)
		h, err := Open(Options{Path: path})
		require.NoError(t, err)
		require.NoError(t, h.Close())

		ro, err := Open(Options{Path: path, ReadOnly: true})
		require.NoError(t, err)
		defer ro.Close()
		assert.ErrorIs(t, ro.Begin(ctx), common.ErrPermissionDenied)
	})
}

func TestCompact(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op refusal inside transaction", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.Begin(ctx))
		defer h.Cancel()

		ok, err := h.Compact(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("succeeds when idle", func(t *testing.T) {
		h := testHandle(t)
		ok, err := h.Compact(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestWriteCopy(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses existing destination", func(t *testing.T) {
		h := testHandle(t)
		dst := testPath(t)
		require.NoError(t, os.WriteFile(dst, []byte("occupied"), 0o644))
		assert.ErrorIs(t, h.WriteCopy(ctx, dst, nil), common.ErrExists)
	})

	t.Run("rejects bad key before touching destination", func(t *testing.T) {
		h := testHandle(t)
		dst := testPath(t)
		err := h.WriteCopy(ctx, dst, []byte("short"))
		assert.ErrorIs(t, err, common.ErrGeneric)
		_, statErr := os.Stat(dst)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("copy opens with the new key only", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.Begin(ctx))
		require.NoError(t, h.setMetaValue(ctx, "probe", "payload"))
		require.NoError(t, h.Commit(ctx))

		dst := testPath(t)
		require.NoError(t, h.WriteCopy(ctx, dst, testKey(0xCC)))

		_, err := Open(Options{Path: dst})
		assert.ErrorIs(t, err, common.ErrPermissionDenied)

		copied, err := Open(Options{Path: dst, EncryptionKey: testKey(0xCC)})
		require.NoError(t, err)
		defer copied.Close()

		v, err := copied.metaValue(ctx, "probe")
		require.NoError(t, err)
		assert.Equal(t, "payload", v)
	})
}

func TestInMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("same identifier shares data", func(t *testing.T) {
		a, err := Open(Options{InMemory: true, InMemoryID: "shared-engine-test"})
		require.NoError(t, err)
		defer a.Close()
		b, err := Open(Options{InMemory: true, InMemoryID: "shared-engine-test"})
		require.NoError(t, err)
		defer b.Close()

		require.NoError(t, a.Begin(ctx))
		require.NoError(t, a.setMetaValue(ctx, "probe", "visible"))
		require.NoError(t, a.Commit(ctx))

		v, err := b.metaValue(ctx, "probe")
		require.NoError(t, err)
		assert.Equal(t, "visible", v)
	})

	t.Run("distinct identifiers are isolated", func(t *testing.T) {
		a, err := Open(Options{InMemory: true, InMemoryID: "iso-a"})
		require.NoError(t, err)
		defer a.Close()
		b, err := Open(Options{InMemory: true, InMemoryID: "iso-b"})
		require.NoError(t, err)
		defer b.Close()

		require.NoError(t, a.Begin(ctx))
		require.NoError(t, a.setMetaValue(ctx, "probe", "a-only"))
		require.NoError(t, a.Commit(ctx))

		v, err := b.metaValue(ctx, "probe")
		require.NoError(t, err)
		assert.Empty(t, v)
	})
}

func TestSchemaVersionStandalone(t *testing.T) {
	path := testPath(t)
	h, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	v, err := SchemaVersion(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}
