// Package table holds the table reference type, the discovered column
// metadata and the INFORMATION_SCHEMA probes against the source.
package table

import (
	"fmt"
	"strings"

	"github.com/block/lakemirror/pkg/sqlgen"
)

// GeneratedKind mirrors sys.columns.generated_always_type_desc.
type GeneratedKind string

const (
	GeneratedNotApplicable GeneratedKind = "NOT_APPLICABLE"
	GeneratedAsRowStart    GeneratedKind = "AS_ROW_START"
	GeneratedAsRowEnd      GeneratedKind = "AS_ROW_END"
)

// ColumnInfo is the captured source column metadata. Immutable once
// discovered; serialized as-is into meta/schema.json.
type ColumnInfo struct {
	Name               string        `json:"column_name"`
	DataType           string        `json:"data_type"`
	ColumnDefault      *string       `json:"column_default"`
	IsNullable         bool          `json:"is_nullable"`
	CharacterMaxLength *int          `json:"character_maximum_length"`
	NumericPrecision   *int          `json:"numeric_precision"`
	NumericScale       *int          `json:"numeric_scale"`
	DatetimePrecision  *int          `json:"datetime_precision"`
	GeneratedAlways    GeneratedKind `json:"generated_always_type_desc"`
	IsIdentity         bool          `json:"is_identity"`
}

// IsCharType reports whether the column compares under a collation.
func (c ColumnInfo) IsCharType() bool {
	switch strings.ToLower(c.DataType) {
	case "char", "varchar", "nchar", "nvarchar", "text", "ntext":
		return true
	}
	return false
}

// IsNumericType reports whether the column renders as a compact numeric
// literal. Used for the JSON chunk size estimate.
func (c ColumnInfo) IsNumericType() bool {
	switch strings.ToLower(c.DataType) {
	case "bit", "int", "bigint", "tinyint", "bool", "smallint":
		return true
	}
	return false
}

// SQLType renders the column's T-SQL type, including the length argument
// for character types. Used in OPENJSON WITH clauses.
func (c ColumnInfo) SQLType() string {
	if c.IsCharType() && !strings.HasSuffix(strings.ToLower(c.DataType), "text") {
		if c.CharacterMaxLength == nil || *c.CharacterMaxLength < 0 {
			return c.DataType + "(MAX)"
		}
		return fmt.Sprintf("%s(%d)", c.DataType, *c.CharacterMaxLength)
	}
	if strings.EqualFold(c.DataType, "decimal") || strings.EqualFold(c.DataType, "numeric") {
		if c.NumericPrecision != nil && c.NumericScale != nil {
			return fmt.Sprintf("%s(%d,%d)", c.DataType, *c.NumericPrecision, *c.NumericScale)
		}
	}
	return c.DataType
}

// Ref names a source table: bare name (schema defaults to dbo),
// schema-qualified, or database-qualified.
type Ref struct {
	Database string
	Schema   string
	Name     string
}

// NewRef builds a Ref from a bare table name.
func NewRef(name string) Ref {
	return Ref{Schema: "dbo", Name: name}
}

// ParseRef splits a dotted name into up to three parts.
func ParseRef(name string) (Ref, error) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		return NewRef(parts[0]), nil
	case 2:
		return Ref{Schema: parts[0], Name: parts[1]}, nil
	case 3:
		return Ref{Database: parts[0], Schema: parts[1], Name: parts[2]}, nil
	}
	return Ref{}, fmt.Errorf("invalid table name: %s", name)
}

func (r Ref) String() string {
	if r.Database != "" {
		return r.Database + "." + r.Schema + "." + r.Name
	}
	if r.Schema != "" {
		return r.Schema + "." + r.Name
	}
	return r.Name
}

// Expr returns the table as a sqlgen relation with an optional alias.
func (r Ref) Expr(alias string) sqlgen.Table {
	return sqlgen.Table{Database: r.Database, Schema: r.Schema, Name: r.Name, Alias: alias}
}

// TempName derives the local view name registered over the mirrored table.
func (r Ref) TempName() string {
	parts := []string{}
	if r.Database != "" {
		parts = append(parts, r.Database)
	}
	if r.Schema != "" {
		parts = append(parts, r.Schema)
	}
	parts = append(parts, r.Name)
	return "temp_" + strings.Join(parts, "_")
}
