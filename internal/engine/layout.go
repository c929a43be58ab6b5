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
	"fmt"
	"strconv"

	"lodestore/internal/common"
	"lodestore/internal/schema"
)

// MigrateFunc is invoked by UpdateSchema inside the upgrade transaction.
// before is the schema derived from the file's layout prior to any DDL; the
// handle carries both old and new columns at that point, so a transform can
// read through the old names and write through the new ones.
type MigrateFunc func(ctx context.Context, before *schema.Schema, h *Handle) error

// DeriveSchema builds a dynamic schema from the live table layout. Runs
// through the active transaction when one is open so mid-migration DDL is
// visible (the handle has a single connection; bypassing the transaction
// would also deadlock on it).
func (h *Handle) DeriveSchema(ctx context.Context) (*schema.Schema, error) {
	rows, err := h.idb().QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?",
		schema.TablePrefix+"%")
	if err != nil {
		return nil, translateError(err, h.path)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, translateError(err, h.path)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, translateError(err, h.path)
	}

	out := &schema.Schema{Dynamic: true}
	for _, table := range tables {
		name, ok := schema.ObjectTypeForTable(table)
		if !ok {
			continue
		}
		props, err := h.tableColumns(ctx, table)
		if err != nil {
			return nil, err
		}
		out.Objects = append(out.Objects, schema.ObjectSchema{Name: name, Properties: props})
	}
	return out.Sorted(), nil
}

// tableColumns reads the column layout of one object table, skipping the
// rowid primary key.
func (h *Handle) tableColumns(ctx context.Context, table string) ([]schema.Property, error) {
	rows, err := h.idb().QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, translateError(err, h.path)
	}
	defer rows.Close()

	var props []schema.Property
	for rows.Next() {
		var (
			cid     int
			name    string
			decl    string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &decl, &notnull, &dflt, &pk); err != nil {
			return nil, translateError(err, h.path)
		}
		if pk != 0 {
			continue
		}
		props = append(props, schema.Property{
			Name:     name,
			Type:     schema.TypeForColumn(decl),
			Optional: notnull == 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, h.path)
	}
	return props, nil
}

func (h *Handle) schemaVersion(ctx context.Context) (uint64, error) {
	raw, err := h.metaValue(ctx, "schema_version")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: corrupt schema_version %q: %w", h.path, raw, common.ErrAccess)
	}
	return v, nil
}

// CurrentSchemaVersion returns the on-disk schema version of the open file.
func (h *Handle) CurrentSchemaVersion(ctx context.Context) (uint64, error) {
	return h.schemaVersion(ctx)
}

// UpdateSchema brings the file's layout to s at the requested version.
//
// Same version: the layout is made to contain s additively (fresh files get
// their tables created); a type conflict on an existing column is an error.
// Lower on-disk version: a single upgrade transaction derives the before
// layout, applies additive DDL, runs migrate, applies destructive DDL and
// records the new version. Whatever migrate leaves unfinished rolls back
// with it; the engine adds no atomicity beyond this transaction.
func (h *Handle) UpdateSchema(ctx context.Context, s *schema.Schema, version uint64, migrate MigrateFunc) error {
	if h.opts.ReadOnly {
		return fmt.Errorf("update schema on read-only handle %s: %w", h.path, common.ErrPermissionDenied)
	}
	if h.tx != nil {
		return fmt.Errorf("update schema %s: transaction active: %w", h.path, common.ErrGeneric)
	}
	current, err := h.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version < current {
		return fmt.Errorf("update schema %s: requested version %d below file version %d: %w",
			h.path, version, current, common.ErrGeneric)
	}

	if version == current {
		if err := h.Begin(ctx); err != nil {
			return err
		}
		if err := h.applyAdditive(ctx, s); err != nil {
			h.Cancel()
			return err
		}
		return h.commitTx()
	}

	// Version upgrade.
	if err := h.Begin(ctx); err != nil {
		return err
	}
	before, err := h.DeriveSchema(ctx)
	if err != nil {
		h.Cancel()
		return err
	}
	if err := h.applyAdditive(ctx, s); err != nil {
		h.Cancel()
		return err
	}
	if migrate != nil {
		if err := migrate(ctx, before, h); err != nil {
			h.Cancel()
			// Transform failures propagate untranslated: they are the
			// caller's own error, not an engine condition.
			return err
		}
	}
	if err := h.applyDestructive(ctx, s); err != nil {
		h.Cancel()
		return err
	}
	if err := h.setMetaValue(ctx, "schema_version", strconv.FormatUint(version, 10)); err != nil {
		h.Cancel()
		return err
	}
	return h.commitTx()
}

// applyAdditive creates missing tables and columns for s. Existing columns
// are checked for type agreement and never altered.
func (h *Handle) applyAdditive(ctx context.Context, s *schema.Schema) error {
	live, err := h.DeriveSchema(ctx)
	if err != nil {
		return err
	}
	for _, obj := range s.Objects {
		existing := live.Lookup(obj.Name)
		if existing == nil {
			if err := h.createTable(ctx, &obj); err != nil {
				return err
			}
			continue
		}
		for _, p := range obj.Properties {
			have := existing.Property(p.Name)
			if have == nil {
				ddl := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q %s",
					obj.TableName(), p.Name, p.Type.ColumnType())
				if _, err := h.idb().ExecContext(ctx, ddl); err != nil {
					return translateError(err, h.path)
				}
				continue
			}
			if have.Type.ColumnType() != p.Type.ColumnType() {
				return fmt.Errorf("update schema %s: property %s.%s is %s on disk, %s requested: %w",
					h.path, obj.Name, p.Name, have.Type, p.Type, common.ErrGeneric)
			}
		}
	}
	return nil
}

// applyDestructive drops object tables and columns absent from s.
func (h *Handle) applyDestructive(ctx context.Context, s *schema.Schema) error {
	live, err := h.DeriveSchema(ctx)
	if err != nil {
		return err
	}
	for _, obj := range live.Objects {
		want := s.Lookup(obj.Name)
		if want == nil {
			ddl := fmt.Sprintf("DROP TABLE %q", obj.TableName())
			if _, err := h.idb().ExecContext(ctx, ddl); err != nil {
				return translateError(err, h.path)
			}
			continue
		}
		for _, p := range obj.Properties {
			if want.Property(p.Name) != nil {
				continue
			}
			ddl := fmt.Sprintf("ALTER TABLE %q DROP COLUMN %q", obj.TableName(), p.Name)
			if _, err := h.idb().ExecContext(ctx, ddl); err != nil {
				return translateError(err, h.path)
			}
		}
	}
	return nil
}

func (h *Handle) createTable(ctx context.Context, obj *schema.ObjectSchema) error {
	ddl := fmt.Sprintf("CREATE TABLE %q (pk INTEGER PRIMARY KEY AUTOINCREMENT", obj.TableName())
	for _, p := range obj.Properties {
		ddl += fmt.Sprintf(", %q %s", p.Name, p.Type.ColumnType())
		if !p.Optional {
			ddl += " NOT NULL DEFAULT " + defaultLiteral(p.Type)
		}
	}
	ddl += ")"
	if _, err := h.idb().ExecContext(ctx, ddl); err != nil {
		return translateError(err, h.path)
	}
	return nil
}

func defaultLiteral(t schema.PropertyType) string {
	switch t.ColumnType() {
	case "TEXT":
		return "''"
	case "BLOB":
		return "X''"
	default:
		return "0"
	}
}
