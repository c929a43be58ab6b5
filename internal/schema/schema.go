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

// Package schema models the object-type descriptors of a store: the
// canonical flavor compiled into the application and the dynamic flavor
// derived at open time from a file's live table layout.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// PropertyType enumerates the storable property types.
type PropertyType int

const (
	TypeString PropertyType = iota
	TypeInt
	TypeBool
	TypeFloat
	TypeDouble
	TypeDate
	TypeData
)

// String returns the type name used in diagnostics and layout comparison.
func (t PropertyType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeDate:
		return "date"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ColumnType returns the SQLite column type for t.
func (t PropertyType) ColumnType() string {
	switch t {
	case TypeString:
		return "TEXT"
	case TypeInt, TypeBool, TypeDate:
		return "INTEGER"
	case TypeFloat, TypeDouble:
		return "REAL"
	case TypeData:
		return "BLOB"
	default:
		return "BLOB"
	}
}

// TypeForColumn maps a SQLite declared column type back to a PropertyType.
// Used when deriving a dynamic schema from a live layout; the mapping loses
// the int/bool/date and float/double distinctions, which is acceptable for
// dynamic access (values round-trip through the driver unchanged).
func TypeForColumn(decl string) PropertyType {
	switch strings.ToUpper(decl) {
	case "TEXT":
		return TypeString
	case "INTEGER":
		return TypeInt
	case "REAL":
		return TypeDouble
	case "BLOB":
		return TypeData
	default:
		return TypeData
	}
}

// Property describes one persisted property of an object type.
type Property struct {
	Name     string
	Type     PropertyType
	Optional bool
}

// ObjectSchema describes one object type and its column mapping onto the
// engine's live table layout.
type ObjectSchema struct {
	Name       string
	Properties []Property
}

// TableName returns the engine table backing this object type.
func (o *ObjectSchema) TableName() string {
	return TablePrefix + o.Name
}

// Property returns the named property, or nil if the type has none.
func (o *ObjectSchema) Property(name string) *Property {
	for i := range o.Properties {
		if o.Properties[i].Name == name {
			return &o.Properties[i]
		}
	}
	return nil
}

// TablePrefix namespaces object tables inside the engine file so metadata
// tables never collide with user types.
const TablePrefix = "cls_"

// ObjectTypeForTable returns the object type name for an engine table, and
// whether the table is an object table at all.
func ObjectTypeForTable(table string) (string, bool) {
	if !strings.HasPrefix(table, TablePrefix) {
		return "", false
	}
	return strings.TrimPrefix(table, TablePrefix), true
}

// Schema is an ordered collection of object-type descriptors.
type Schema struct {
	Objects []ObjectSchema

	// Dynamic marks a schema derived from a file's live layout rather than
	// compiled into the application.
	Dynamic bool
}

// New builds a canonical schema from object descriptors, validating that
// type and property names are unique and non-empty.
func New(objects ...ObjectSchema) (*Schema, error) {
	s := &Schema{Objects: objects}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.sort()
	return s, nil
}

// MustNew is New for compiled-in schemas, panicking on a malformed
// descriptor. Canonical schemas are program constants; a bad one is a bug.
func MustNew(objects ...ObjectSchema) *Schema {
	s, err := New(objects...)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks descriptor well-formedness. Names double as SQL
// identifiers in the engine's DDL, so they are restricted to
// letter/digit/underscore with a leading letter.
func (s *Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Objects))
	for _, obj := range s.Objects {
		if !validName(obj.Name) {
			return fmt.Errorf("schema: invalid object type name %q", obj.Name)
		}
		if _, dup := seen[obj.Name]; dup {
			return fmt.Errorf("schema: duplicate object type %q", obj.Name)
		}
		seen[obj.Name] = struct{}{}

		props := make(map[string]struct{}, len(obj.Properties))
		for _, p := range obj.Properties {
			if !validName(p.Name) {
				return fmt.Errorf("schema: object type %q has invalid property name %q", obj.Name, p.Name)
			}
			if _, dup := props[p.Name]; dup {
				return fmt.Errorf("schema: object type %q has duplicate property %q", obj.Name, p.Name)
			}
			props[p.Name] = struct{}{}
		}
	}
	return nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Lookup returns the descriptor for an object type, or nil.
func (s *Schema) Lookup(name string) *ObjectSchema {
	for i := range s.Objects {
		if s.Objects[i].Name == name {
			return &s.Objects[i]
		}
	}
	return nil
}

// Clone returns a shallow copy. Descriptors are immutable after open, so
// sharing the property slices between instances of the same file is safe;
// the copy only decouples the top-level object list.
func (s *Schema) Clone() *Schema {
	out := &Schema{Dynamic: s.Dynamic}
	out.Objects = make([]ObjectSchema, len(s.Objects))
	copy(out.Objects, s.Objects)
	return out
}

func (s *Schema) sort() {
	sort.Slice(s.Objects, func(i, j int) bool {
		return s.Objects[i].Name < s.Objects[j].Name
	})
}

// Sorted returns the schema with objects ordered by name. Dynamic derivation
// uses it so two derivations of the same layout compare equal.
func (s *Schema) Sorted() *Schema {
	out := s.Clone()
	out.sort()
	return out
}
