// Package schema defines the typed Component schema: field kinds, indices,
// uniqueness constraints, persistency and permission class, per spec.md §3.
package schema

import "fmt"

// Kind enumerates the scalar field types spec.md §3 allows.
type Kind uint8

const (
	KindInt8 Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindBool
	KindBytes  // fixed-length byte string
	KindString // utf-8 string
	KindEnum   // tagged enum, backed by uint8 + a name table
)

func (k Kind) String() string {
	switch k {
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// Persistency controls whether a Component's rows survive a restart.
type Persistency uint8

const (
	Persistent Persistency = iota
	Transient
)

// Permission is the minimum identity level required to mutate a Component.
// The store checks it on every Insert/Update/Delete against the identity
// the transaction was begun with, including the caller identity a System
// runs under.
type Permission uint8

const (
	Guest Permission = iota
	User
	Admin
	Owner
)

func (p Permission) String() string {
	switch p {
	case Guest:
		return "guest"
	case User:
		return "user"
	case Admin:
		return "admin"
	case Owner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParsePermission maps a permission name to its level.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "guest":
		return Guest, nil
	case "user":
		return User, nil
	case "admin":
		return Admin, nil
	case "owner":
		return Owner, nil
	default:
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
}

// Field describes one ordered field of a Component.
type Field struct {
	Name       string
	Kind       Kind
	Default    any
	ByteLen    int      // only meaningful for KindBytes
	EnumValues []string // only meaningful for KindEnum, ordinal == index
}

// IndexKind distinguishes an ordered (range-queryable) index from a unique
// one (range + uniqueness constraint).
type IndexKind uint8

const (
	IndexOrdered IndexKind = iota
	IndexUnique
)

// Index declares one field as queryable/constrained.
type Index struct {
	Field string
	Kind  IndexKind
}

// Component is a named, typed row schema.
type Component struct {
	Name        string
	Fields      []Field
	Indices     []Index
	Persistency Persistency
	Permission  Permission
}

// FieldIndex returns the ordinal position of a field name, or -1.
func (c *Component) FieldIndex(name string) int {
	for i, f := range c.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field looks up a field definition by name.
func (c *Component) Field(name string) (Field, bool) {
	i := c.FieldIndex(name)
	if i < 0 {
		return Field{}, false
	}
	return c.Fields[i], true
}

// IndexFor returns the Index declared on a field name, if any.
func (c *Component) IndexFor(field string) (Index, bool) {
	for _, idx := range c.Indices {
		if idx.Field == field {
			return idx, true
		}
	}
	return Index{}, false
}

// IsUnique reports whether field is a unique index.
func (c *Component) IsUnique(field string) bool {
	idx, ok := c.IndexFor(field)
	return ok && idx.Kind == IndexUnique
}

// Defaults returns a fresh Values slice populated with each field's default,
// zero-valued where no default was declared.
func (c *Component) Defaults() Values {
	vals := make(Values, len(c.Fields))
	for i, f := range c.Fields {
		if f.Default != nil {
			vals[i] = f.Default
			continue
		}
		vals[i] = zeroValue(f.Kind)
	}
	return vals
}

func zeroValue(k Kind) any {
	switch k {
	case KindInt8:
		return int8(0)
	case KindInt16:
		return int16(0)
	case KindInt32:
		return int32(0)
	case KindInt64:
		return int64(0)
	case KindUint8:
		return uint8(0)
	case KindUint16:
		return uint16(0)
	case KindUint32:
		return uint32(0)
	case KindUint64:
		return uint64(0)
	case KindFloat32:
		return float32(0)
	case KindFloat64:
		return float64(0)
	case KindBool:
		return false
	case KindBytes:
		return []byte(nil)
	case KindString:
		return ""
	case KindEnum:
		return uint8(0)
	default:
		return nil
	}
}

// Validate checks the Component definition's internal consistency:
// unique field names, at least one field, indices reference real fields.
func (c *Component) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("component name must not be empty")
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("component %s must declare at least one field", c.Name)
	}
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if seen[f.Name] {
			return fmt.Errorf("component %s: duplicate field %s", c.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Kind == KindBytes && f.ByteLen <= 0 {
			return fmt.Errorf("component %s: field %s is bytes but has no fixed length", c.Name, f.Name)
		}
		if f.Kind == KindEnum && len(f.EnumValues) == 0 {
			return fmt.Errorf("component %s: field %s is enum but declares no values", c.Name, f.Name)
		}
	}
	for _, idx := range c.Indices {
		if !seen[idx.Field] {
			return fmt.Errorf("component %s: index on undeclared field %s", c.Name, idx.Field)
		}
	}
	return nil
}
