package lake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/block/lakemirror/pkg/dbconn"
	"github.com/block/lakemirror/pkg/deltalog"
	"github.com/block/lakemirror/pkg/dest"
	"github.com/block/lakemirror/pkg/sqlgen"
	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/siddontang/loggers"
)

// DBReader implements Reader over a go-mssqldb source connection and an
// embedded DuckDB instance for the local side. Source statements retry
// transient server errors per the connection config.
type DBReader struct {
	src    *sql.DB
	config *dbconn.DBConfig
	local  *sql.DB
	logger loggers.Advanced
}

// NewDBReader wires a source connection to a fresh in-process DuckDB.
// The source connection stays owned by the caller; Close only tears down
// the local engine. A nil config uses the defaults.
func NewDBReader(src *sql.DB, config *dbconn.DBConfig, logger loggers.Advanced) (*DBReader, error) {
	if config == nil {
		config = dbconn.NewDBConfig()
	}
	local, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, err
	}
	return &DBReader{src: src, config: config, local: local, logger: logger}, nil
}

func (r *DBReader) Close() error {
	return r.local.Close()
}

func (r *DBReader) SourceSQLToRows(ctx context.Context, query string) ([]Row, error) {
	rows, err := dbconn.RetryableQuery(ctx, r.src, r.config, query)
	if err != nil {
		return nil, fmt.Errorf("source query failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *DBReader) LocalSQLToRows(ctx context.Context, query string) ([]Row, error) {
	rows, err := r.local.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("local query failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *DBReader) LocalRegisterView(ctx context.Context, query string, name string) error {
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", sqlgen.QuoteName(name), query)
	_, err := r.local.ExecContext(ctx, stmt)
	return err
}

func (r *DBReader) LocalRegisterUpdateView(ctx context.Context, path dest.Destination, name string, version *int64) error {
	dir, err := osPath(path)
	if err != nil {
		return err
	}
	snap, err := deltalog.Open(path).SnapshotAt(version)
	if err != nil {
		return err
	}
	var sel string
	if len(snap.Files) == 0 {
		// No live data files: emit a typed empty relation so downstream
		// UNION and EXCEPT still see the right column set.
		cols := make([]string, 0, len(snap.Schema))
		for _, f := range snap.Schema {
			cols = append(cols, fmt.Sprintf("CAST(NULL AS %s) AS %s", f.Type, sqlgen.QuoteName(f.Name)))
		}
		if len(cols) == 0 {
			return fmt.Errorf("delta table %s has no files and no schema", path)
		}
		sel = fmt.Sprintf("SELECT %s WHERE 1=0", strings.Join(cols, ", "))
	} else {
		files := make([]string, 0, len(snap.Files))
		for _, f := range snap.Files {
			files = append(files, sqlgen.QuoteValue(sqlgen.DialectDuckDB, dir+"/"+f.Path))
		}
		sel = fmt.Sprintf("SELECT * FROM read_parquet([%s], union_by_name = true)", strings.Join(files, ", "))
	}
	return r.LocalRegisterView(ctx, sel, name)
}

func (r *DBReader) DeltaTableExists(ctx context.Context, path dest.Destination, extendedCheck bool) (bool, error) {
	tbl := deltalog.Open(path)
	if extendedCheck {
		return tbl.HasColumns()
	}
	return tbl.Exists()
}

func (r *DBReader) DeltaOps(path dest.Destination) DeltaOps {
	return deltalog.Open(path)
}

// LocalSQLToDelta materializes a local query into a delta path as one new
// parquet part file plus a commit.
func (r *DBReader) LocalSQLToDelta(ctx context.Context, query string, path dest.Destination, mode WriteMode) error {
	staging := stagingName()
	stmt := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS (%s)", sqlgen.QuoteName(staging), query)
	if _, err := r.local.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("local materialize failed: %w", err)
	}
	defer r.dropStaging(ctx, staging)
	return r.stagingToDelta(ctx, staging, path, mode)
}

// SourceWriteSQLToDelta streams a source result set into a delta path,
// going through a DuckDB staging table so the parquet layer stays uniform.
func (r *DBReader) SourceWriteSQLToDelta(ctx context.Context, query string, path dest.Destination, mode WriteMode) error {
	rows, err := dbconn.RetryableQuery(ctx, r.src, r.config, query)
	if err != nil {
		return fmt.Errorf("source query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	duckTypes := make([]string, len(colTypes))
	defs := make([]string, len(colTypes))
	for i, ct := range colTypes {
		duckTypes[i] = duckTypeFor(ct)
		defs[i] = sqlgen.QuoteName(cols[i]) + " " + duckTypes[i]
	}

	staging := stagingName()
	create := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s (%s)", sqlgen.QuoteName(staging), strings.Join(defs, ", "))
	if _, err := r.local.ExecContext(ctx, create); err != nil {
		return err
	}
	defer r.dropStaging(ctx, staging)

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	insert := fmt.Sprintf("INSERT INTO %s VALUES %s", sqlgen.QuoteName(staging), placeholders)
	stmt, err := r.local.PrepareContext(ctx, insert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	inserted := 0
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i := range vals {
			vals[i] = normalizeForDuck(vals[i], duckTypes[i])
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return err
		}
		inserted++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	r.logger.Debugf("staged %d source rows for %s", inserted, path)
	return r.stagingToDelta(ctx, staging, path, mode)
}

func (r *DBReader) stagingToDelta(ctx context.Context, staging string, path dest.Destination, mode WriteMode) error {
	dir, err := osPath(path)
	if err != nil {
		return err
	}
	if err := path.Mkdir(); err != nil {
		return err
	}
	schema, err := r.describeStaging(ctx, staging)
	if err != nil {
		return err
	}
	part := fmt.Sprintf("part-%s.parquet", uuid.NewString())
	copyStmt := fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET)",
		sqlgen.QuoteName(staging), sqlgen.QuoteValue(sqlgen.DialectDuckDB, dir+"/"+part))
	if _, err := r.local.ExecContext(ctx, copyStmt); err != nil {
		return fmt.Errorf("parquet write failed: %w", err)
	}
	size, mtime := fileStat(path.Join(part))
	adds := []deltalog.AddFile{{Path: part, Size: size, ModificationTime: mtime, DataChange: true}}
	_, err = deltalog.Open(path).Commit(deltalog.WriteMode(mode), adds, schema, "WRITE")
	return err
}

func (r *DBReader) describeStaging(ctx context.Context, staging string) ([]deltalog.Field, error) {
	rows, err := r.LocalSQLToRows(ctx, "DESCRIBE "+sqlgen.QuoteName(staging))
	if err != nil {
		return nil, err
	}
	fields := make([]deltalog.Field, 0, len(rows))
	for _, row := range rows {
		fields = append(fields, deltalog.Field{
			Name: fmt.Sprintf("%v", row["column_name"]),
			Type: fmt.Sprintf("%v", row["column_type"]),
		})
	}
	return fields, nil
}

func (r *DBReader) dropStaging(ctx context.Context, staging string) {
	if _, err := r.local.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlgen.QuoteName(staging)); err != nil {
		r.logger.Warnf("could not drop staging table %s: %v", staging, err)
	}
}

func stagingName() string {
	return "staging_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func osPath(d dest.Destination) (string, error) {
	if p, ok := d.(interface{ OSPath() string }); ok {
		return p.OSPath(), nil
	}
	return "", fmt.Errorf("destination %s is not addressable by the local engine", d)
}

func fileStat(d dest.Destination) (int64, int64) {
	mtime, err := d.ModifiedTime()
	if err != nil {
		return 0, 0
	}
	// Size is informational in the log; destinations don't expose it.
	return 0, mtime.UnixMilli()
}

// duckTypeFor maps a SQL Server column type reported by the driver onto the
// DuckDB type the staging table uses.
func duckTypeFor(ct *sql.ColumnType) string {
	name := strings.ToUpper(ct.DatabaseTypeName())
	switch name {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		if precision, scale, ok := ct.DecimalSize(); ok {
			return fmt.Sprintf("DECIMAL(%d,%d)", precision, scale)
		}
	}
	return duckTypeName(name)
}

// duckTypeName maps an upper-cased SQL Server type name to DuckDB.
func duckTypeName(name string) string {
	switch name {
	case "INT", "INTEGER":
		return "INTEGER"
	case "BIGINT":
		return "BIGINT"
	case "SMALLINT":
		return "SMALLINT"
	case "TINYINT":
		return "TINYINT"
	case "BIT":
		return "BOOLEAN"
	case "FLOAT", "REAL":
		return "DOUBLE"
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return "DECIMAL(38,9)"
	case "DATE":
		return "DATE"
	case "TIME":
		return "TIME"
	case "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET":
		return "TIMESTAMP"
	case "BINARY", "VARBINARY", "IMAGE", "ROWVERSION":
		return "BLOB"
	default:
		// char, varchar, nchar, nvarchar, text, ntext, uniqueidentifier, xml
		return "VARCHAR"
	}
}

// normalizeForDuck converts driver scan values the DuckDB driver can't take
// directly, mostly []byte carrying text.
func normalizeForDuck(v any, duckType string) any {
	if b, ok := v.([]byte); ok && duckType != "BLOB" {
		return string(b)
	}
	return v
}
