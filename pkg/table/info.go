package table

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/sqlgen"
)

// Info holds the discovered metadata of one source table. Call SetInfo
// before using it.
type Info struct {
	reader lake.Reader

	Ref         Ref
	Columns     []ColumnInfo
	PrimaryKeys []string
}

func NewInfo(reader lake.Reader, ref Ref) *Info {
	return &Info{reader: reader, Ref: ref}
}

// SetInfo probes the source for primary keys and column metadata.
func (i *Info) SetInfo(ctx context.Context) error {
	if err := i.setPrimaryKeys(ctx); err != nil {
		return err
	}
	return i.setColumns(ctx)
}

// PKColumns resolves the primary key names against the column set,
// preserving key order.
func (i *Info) PKColumns() []ColumnInfo {
	var pks []ColumnInfo
	for _, name := range i.PrimaryKeys {
		if c, ok := i.Column(name); ok {
			pks = append(pks, c)
		}
	}
	return pks
}

func (i *Info) Column(name string) (ColumnInfo, bool) {
	for _, c := range i.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

func (i *Info) dbPrefix() string {
	if i.Ref.Database == "" {
		return ""
	}
	return sqlgen.QuoteName(i.Ref.Database) + "."
}

func (i *Info) setPrimaryKeys(ctx context.Context) error {
	d := sqlgen.DialectTSQL
	query := fmt.Sprintf(`SELECT ccu.COLUMN_NAME FROM %[1]sINFORMATION_SCHEMA.TABLE_CONSTRAINTS AS tc WITH(NOLOCK) `+
		`INNER JOIN %[1]sINFORMATION_SCHEMA.CONSTRAINT_COLUMN_USAGE AS ccu WITH(NOLOCK) ON tc.CONSTRAINT_NAME = ccu.CONSTRAINT_NAME `+
		`WHERE tc.CONSTRAINT_TYPE = 'Primary Key' AND ccu.TABLE_NAME = %[2]s AND ccu.TABLE_SCHEMA = %[3]s`,
		i.dbPrefix(), sqlgen.QuoteValue(d, i.Ref.Name), sqlgen.QuoteValue(d, i.Ref.Schema))
	rows, err := i.reader.SourceSQLToRows(ctx, query)
	if err != nil {
		return fmt.Errorf("primary key discovery failed for %s: %w", i.Ref, err)
	}
	i.PrimaryKeys = nil
	for _, row := range rows {
		i.PrimaryKeys = append(i.PrimaryKeys, rowString(row, "COLUMN_NAME"))
	}
	return nil
}

func (i *Info) setColumns(ctx context.Context) error {
	d := sqlgen.DialectTSQL
	query := fmt.Sprintf(`SELECT ccu.COLUMN_NAME, ccu.COLUMN_DEFAULT, `+
		`CAST(CASE WHEN ccu.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END AS bit) AS is_nullable, `+
		`ccu.DATA_TYPE, ccu.CHARACTER_MAXIMUM_LENGTH, ccu.NUMERIC_PRECISION, ccu.NUMERIC_SCALE, ccu.DATETIME_PRECISION, `+
		`ci.generated_always_type_desc, COALESCE(ci.is_identity, CONVERT(bit, 0)) AS is_identity `+
		`FROM %[1]sINFORMATION_SCHEMA.COLUMNS AS ccu `+
		`LEFT JOIN (SELECT sc.name AS schema_name, t.name AS table_name, c.name AS col_name, c.generated_always_type_desc, c.is_identity `+
		`FROM %[1]ssys.columns AS c `+
		`INNER JOIN %[1]ssys.tables AS t ON t.object_id = c.object_id `+
		`INNER JOIN %[1]ssys.schemas AS sc ON sc.schema_id = t.schema_id) AS ci `+
		`ON ci.schema_name = ccu.TABLE_SCHEMA AND ci.table_name = ccu.TABLE_NAME AND ci.col_name = ccu.COLUMN_NAME `+
		`WHERE ccu.TABLE_NAME = %[2]s AND ccu.TABLE_SCHEMA = %[3]s`,
		i.dbPrefix(), sqlgen.QuoteValue(d, i.Ref.Name), sqlgen.QuoteValue(d, i.Ref.Schema))
	rows, err := i.reader.SourceSQLToRows(ctx, query)
	if err != nil {
		return fmt.Errorf("column discovery failed for %s: %w", i.Ref, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("table %s has no columns or does not exist", i.Ref)
	}
	i.Columns = make([]ColumnInfo, 0, len(rows))
	for _, row := range rows {
		generated := GeneratedKind(rowString(row, "generated_always_type_desc"))
		if generated == "" {
			generated = GeneratedNotApplicable
		}
		i.Columns = append(i.Columns, ColumnInfo{
			Name:               rowString(row, "COLUMN_NAME"),
			DataType:           rowString(row, "DATA_TYPE"),
			ColumnDefault:      rowStringPtr(row, "COLUMN_DEFAULT"),
			IsNullable:         rowBool(row, "is_nullable"),
			CharacterMaxLength: rowIntPtr(row, "CHARACTER_MAXIMUM_LENGTH"),
			NumericPrecision:   rowIntPtr(row, "NUMERIC_PRECISION"),
			NumericScale:       rowIntPtr(row, "NUMERIC_SCALE"),
			DatetimePrecision:  rowIntPtr(row, "DATETIME_PRECISION"),
			GeneratedAlways:    generated,
			IsIdentity:         rowBool(row, "is_identity"),
		})
	}
	return nil
}

// DescribeQuery discovers the result shape of an ad-hoc source query via
// sp_describe_first_result_set.
func DescribeQuery(ctx context.Context, reader lake.Reader, query string) ([]ColumnInfo, error) {
	stmt := "EXEC sp_describe_first_result_set @tsql=N'" + strings.ReplaceAll(query, "'", "''") + "'"
	rows, err := reader.SourceSQLToRows(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("describe query failed: %w", err)
	}
	cols := make([]ColumnInfo, 0, len(rows))
	for _, row := range rows {
		typeName, maxLen := splitSystemTypeName(rowString(row, "system_type_name"))
		cols = append(cols, ColumnInfo{
			Name:               rowString(row, "name"),
			DataType:           typeName,
			IsNullable:         rowBool(row, "is_nullable"),
			CharacterMaxLength: maxLen,
			NumericPrecision:   rowIntPtr(row, "precision"),
			NumericScale:       rowIntPtr(row, "scale"),
			GeneratedAlways:    GeneratedNotApplicable,
			IsIdentity:         rowBool(row, "is_identity_column"),
		})
	}
	return cols, nil
}

// splitSystemTypeName splits "nvarchar(100)" into the bare type name and
// its single length argument; MAX maps to -1.
func splitSystemTypeName(s string) (string, *int) {
	open := strings.Index(s, "(")
	if open < 0 {
		return s, nil
	}
	name := s[:open]
	args := strings.Split(strings.TrimSuffix(s[open+1:], ")"), ",")
	if len(args) != 1 {
		return name, nil
	}
	arg := strings.TrimSpace(args[0])
	if strings.EqualFold(arg, "MAX") {
		max := -1
		return name, &max
	}
	if n, err := strconv.Atoi(arg); err == nil {
		return name, &n
	}
	return name, nil
}

// CompatibilityLevel looks up the source database compatibility level.
// Levels below 130 predate OPENJSON.
func CompatibilityLevel(ctx context.Context, reader lake.Reader) (int, error) {
	rows, err := reader.SourceSQLToRows(ctx, "SELECT compatibility_level FROM sys.databases WHERE name = DB_NAME()")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("compatibility level not available")
	}
	if n := rowIntPtr(rows[0], "compatibility_level"); n != nil {
		return *n, nil
	}
	return 0, fmt.Errorf("compatibility level not available")
}

func rowString(row lake.Row, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func rowStringPtr(row lake.Row, key string) *string {
	if row[key] == nil {
		return nil
	}
	s := rowString(row, key)
	return &s
}

func rowBool(row lake.Row, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case []byte:
		return len(v) > 0 && v[0] != 0
	default:
		return false
	}
}

func rowIntPtr(row lake.Row, key string) *int {
	var n int
	switch v := row[key].(type) {
	case nil:
		return nil
	case int:
		n = v
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	case []byte:
		parsed, err := strconv.Atoi(string(v))
		if err != nil {
			return nil
		}
		n = parsed
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	return &n
}
