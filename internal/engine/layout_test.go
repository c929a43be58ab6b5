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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestore/internal/common"
	"lodestore/internal/schema"
)

func personSchema(props ...schema.Property) *schema.Schema {
	return schema.MustNew(schema.ObjectSchema{Name: "Person", Properties: props})
}

func TestUpdateSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("creates tables at same version", func(t *testing.T) {
		h := testHandle(t)
		s := personSchema(schema.Property{Name: "name", Type: schema.TypeString})
		require.NoError(t, h.UpdateSchema(ctx, s, 0, nil))

		derived, err := h.DeriveSchema(ctx)
		require.NoError(t, err)
		person := derived.Lookup("Person")
		require.NotNil(t, person)
		require.NotNil(t, person.Property("name"))
	})

	t.Run("additive column at same version", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
		), 0, nil))
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
			schema.Property{Name: "age", Type: schema.TypeInt, Optional: true},
		), 0, nil))

		derived, err := h.DeriveSchema(ctx)
		require.NoError(t, err)
		person := derived.Lookup("Person")
		require.NotNil(t, person)
		assert.NotNil(t, person.Property("age"))
		assert.NotNil(t, person.Property("name"), "same-version update never drops")
	})

	t.Run("rejects column type conflict", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
		), 0, nil))
		err := h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeInt},
		), 0, nil)
		assert.ErrorIs(t, err, common.ErrGeneric)
	})

	t.Run("rejects downgrade", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
		), 2, nil))
		err := h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
		), 1, nil)
		assert.ErrorIs(t, err, common.ErrGeneric)
	})

	t.Run("rejects read-only handle", func(t *testing.T) {
		path := testPath(t)
		h, err := Open(Options{Path: path})
		require.NoError(t, err)
		require.NoError(t, h.Close())

		ro, err := Open(Options{Path: path, ReadOnly: true})
		require.NoError(t, err)
		defer ro.Close()
		err = ro.UpdateSchema(ctx, personSchema(), 0, nil)
		assert.ErrorIs(t, err, common.ErrPermissionDenied)
	})

	t.Run("rejects while transaction active", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.Begin(ctx))
		defer h.Cancel()
		err := h.UpdateSchema(ctx, personSchema(), 0, nil)
		assert.ErrorIs(t, err, common.ErrGeneric)
	})

	t.Run("does not advance the commit counter", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
		), 0, nil))
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
			schema.Property{Name: "age", Type: schema.TypeInt, Optional: true},
		), 1, nil))
		assert.Equal(t, int64(0), h.Version(), "schema resolution is not a user commit")

		require.NoError(t, h.Begin(ctx))
		require.NoError(t, h.Commit(ctx))
		assert.Equal(t, int64(1), h.Version())
	})
}

func TestUpdateSchemaUpgrade(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *Handle {
		t.Helper()
		h := testHandle(t)
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
		), 0, nil))
		require.NoError(t, h.Begin(ctx))
		_, err := h.Insert(ctx, "cls_Person", map[string]any{"name": "Ada"})
		require.NoError(t, err)
		_, err = h.Insert(ctx, "cls_Person", map[string]any{"name": "Grace"})
		require.NoError(t, err)
		require.NoError(t, h.Commit(ctx))
		return h
	}

	t.Run("migrate sees old columns and fills new ones", func(t *testing.T) {
		h := seed(t)
		target := personSchema(schema.Property{Name: "fullName", Type: schema.TypeString})

		migrate := func(ctx context.Context, before *schema.Schema, h *Handle) error {
			require.NotNil(t, before.Lookup("Person").Property("name"), "before layout must expose the old column")
			rows, err := h.Enumerate(ctx, "cls_Person", []string{"name"})
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := h.Set(ctx, "cls_Person", row.PK(), "fullName", row["name"]); err != nil {
					return err
				}
			}
			return nil
		}
		require.NoError(t, h.UpdateSchema(ctx, target, 1, migrate))

		v, err := h.CurrentSchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)

		derived, err := h.DeriveSchema(ctx)
		require.NoError(t, err)
		person := derived.Lookup("Person")
		require.NotNil(t, person)
		assert.Nil(t, person.Property("name"), "old column must be dropped")
		require.NotNil(t, person.Property("fullName"))

		rows, err := h.Enumerate(ctx, "cls_Person", []string{"fullName"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Ada", rows[0]["fullName"])
		assert.Equal(t, "Grace", rows[1]["fullName"])
	})

	t.Run("migrate failure rolls the whole upgrade back", func(t *testing.T) {
		h := seed(t)
		target := personSchema(schema.Property{Name: "fullName", Type: schema.TypeString})
		boom := errors.New("transform exploded")

		err := h.UpdateSchema(ctx, target, 1, func(ctx context.Context, before *schema.Schema, h *Handle) error {
			// Mutate first so the rollback has something to discard.
			if err := h.Set(ctx, "cls_Person", 1, "fullName", "half-done"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom, "transform errors propagate untranslated")
		assert.False(t, common.IsRecoverable(err))

		v, verr := h.CurrentSchemaVersion(ctx)
		require.NoError(t, verr)
		assert.Equal(t, uint64(0), v, "version must not advance")

		derived, derr := h.DeriveSchema(ctx)
		require.NoError(t, derr)
		person := derived.Lookup("Person")
		require.NotNil(t, person)
		assert.NotNil(t, person.Property("name"), "old layout must survive")
		assert.Nil(t, person.Property("fullName"), "additive DDL must roll back")
	})

	t.Run("upgrade drops removed object types", func(t *testing.T) {
		h := testHandle(t)
		both := schema.MustNew(
			schema.ObjectSchema{Name: "Person", Properties: []schema.Property{{Name: "name", Type: schema.TypeString}}},
			schema.ObjectSchema{Name: "Pet", Properties: []schema.Property{{Name: "name", Type: schema.TypeString}}},
		)
		require.NoError(t, h.UpdateSchema(ctx, both, 0, nil))

		onlyPerson := personSchema(schema.Property{Name: "name", Type: schema.TypeString})
		require.NoError(t, h.UpdateSchema(ctx, onlyPerson, 1, nil))

		derived, err := h.DeriveSchema(ctx)
		require.NoError(t, err)
		assert.Nil(t, derived.Lookup("Pet"))
		assert.NotNil(t, derived.Lookup("Person"))
	})
}

func TestDeriveSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store has no object types", func(t *testing.T) {
		h := testHandle(t)
		derived, err := h.DeriveSchema(ctx)
		require.NoError(t, err)
		assert.Empty(t, derived.Objects)
		assert.True(t, derived.Dynamic)
	})

	t.Run("ignores non-object tables", func(t *testing.T) {
		h := testHandle(t)
		require.NoError(t, h.UpdateSchema(ctx, personSchema(
			schema.Property{Name: "name", Type: schema.TypeString},
		), 0, nil))

		derived, err := h.DeriveSchema(ctx)
		require.NoError(t, err)
		require.Len(t, derived.Objects, 1, "lodestore_meta must not surface as an object type")
		assert.Equal(t, "Person", derived.Objects[0].Name)
	})
}
