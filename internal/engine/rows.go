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
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/uptrace/bun"

	"lodestore/internal/common"
)

// PKColumn is the rowid primary key every object table carries.
const PKColumn = "pk"

// Row is one object's stored values, keyed by property name. Enumerate adds
// the primary key under PKColumn.
type Row map[string]any

// PK returns the row's primary key.
func (r Row) PK() int64 {
	if v, ok := r[PKColumn].(int64); ok {
		return v
	}
	return 0
}

// Enumerate returns all rows of table with the given columns. Migrations and
// dynamic instances address data by name, so access is column-list driven
// rather than model driven.
func (h *Handle) Enumerate(ctx context.Context, table string, columns []string) ([]Row, error) {
	quoted := make([]string, 0, len(columns)+1)
	quoted = append(quoted, fmt.Sprintf("%q", PKColumn))
	for _, c := range columns {
		quoted = append(quoted, fmt.Sprintf("%q", c))
	}
	query := fmt.Sprintf("SELECT %s FROM %q ORDER BY %q",
		strings.Join(quoted, ", "), table, PKColumn)

	rows, err := h.idb().QueryContext(ctx, query)
	if err != nil {
		return nil, translateError(err, h.path)
	}
	defer rows.Close()

	names := append([]string{PKColumn}, columns...)
	var out []Row
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, translateError(err, h.path)
		}
		row := make(Row, len(names))
		for i, name := range names {
			row[name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, h.path)
	}
	return out, nil
}

// Insert adds a row and returns its primary key. libsql does not support
// LastInsertId, so the key comes back via RETURNING.
func (h *Handle) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("insert into %s: no values: %w", table, common.ErrGeneric)
	}
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	// Stable order keeps the statement deterministic for the query planner
	// cache; map iteration order is not.
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		marks[i] = "?"
		args[i] = values[c]
	}
	query := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s) RETURNING %q",
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "), PKColumn)

	var pk int64
	if err := h.idb().NewRaw(query, args...).Scan(ctx, &pk); err != nil {
		return 0, translateError(err, h.path)
	}
	return pk, nil
}

// Get reads one column of one row.
func (h *Handle) Get(ctx context.Context, table string, pk int64, column string) (any, error) {
	query := fmt.Sprintf("SELECT %q FROM %q WHERE %q = ?", column, table, PKColumn)
	rows, err := h.idb().QueryContext(ctx, query, pk)
	if err != nil {
		return nil, translateError(err, h.path)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, translateError(err, h.path)
		}
		return nil, fmt.Errorf("%s pk=%d: %w", table, pk, common.ErrNotFound)
	}
	var value any
	if err := rows.Scan(&value); err != nil {
		return nil, translateError(err, h.path)
	}
	return value, nil
}

// Set writes one column of one row.
func (h *Handle) Set(ctx context.Context, table string, pk int64, column string, value any) error {
	query := fmt.Sprintf("UPDATE %q SET %q = ? WHERE %q = ?", table, column, PKColumn)
	res, err := h.idb().ExecContext(ctx, query, value, pk)
	if err != nil {
		return translateError(err, h.path)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s pk=%d: %w", table, pk, common.ErrNotFound)
	}
	return nil
}

// Delete removes one row.
func (h *Handle) Delete(ctx context.Context, table string, pk int64) error {
	query := fmt.Sprintf("DELETE FROM %q WHERE %q = ?", table, PKColumn)
	if _, err := h.idb().ExecContext(ctx, query, pk); err != nil {
		return translateError(err, h.path)
	}
	return nil
}

// Count returns the number of rows in table.
func (h *Handle) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := h.idb().NewRaw("SELECT COUNT(*) FROM ?", bun.Ident(table)).Scan(ctx, &n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, translateError(err, h.path)
	}
	return n, nil
}
