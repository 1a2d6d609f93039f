package load

import (
	"context"
	"fmt"

	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/sqlgen"
	"github.com/block/lakemirror/pkg/table"
)

// doDeletes appends a tombstone row for every key of the prior manifest
// version that is absent from the current source snapshot. Non-key columns
// are NULL; the row is typed by a schema-only read of delta_1.
func (r *Runner) doDeletes(ctx context.Context, oldPKVersion int64) error {
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.LatestPK(), latestPKView, nil); err != nil {
		return err
	}
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.LatestPK(), lastPKVersionView, &oldPKVersion); err != nil {
		return err
	}

	deletes := sqlgen.Except{
		Left: sqlgen.Select{
			Cols: r.colsSelect(r.pkCols, selectOpts{tableAlias: "lpk"}),
			From: sqlgen.Table{Name: lastPKVersionView, Alias: "lpk"},
		},
		Right: sqlgen.Select{
			Cols: r.colsSelect(r.pkCols, selectOpts{tableAlias: "cpk"}),
			From: sqlgen.Table{Name: latestPKView, Alias: "cpk"},
		},
	}
	if err := r.reader.LocalRegisterView(ctx, sqlgen.Render(sqlgen.DialectDuckDB, deletes), "deletes"); err != nil {
		return err
	}

	nonPK := r.nonPKCols()

	// Schema-only branch: zero rows from delta_1, just the column types.
	schemaCols := r.colsSelect(r.pkCols, selectOpts{tableAlias: "d1"})
	schemaCols = append(schemaCols, r.colsSelect(nonPK, selectOpts{tableAlias: "d1"})...)
	schemaCols = append(schemaCols,
		sqlgen.Alias{Expr: sqlgen.UTCNow{}, As: ValidFromCol},
		sqlgen.Alias{Expr: sqlgen.Lit{Val: true}, As: IsDeletedCol},
		sqlgen.Alias{Expr: sqlgen.Lit{Val: false}, As: IsFullLoadCol},
	)
	schemaOnly := sqlgen.Select{
		Cols:  schemaCols,
		From:  sqlgen.Table{Name: delta1View, Alias: "d1"},
		Where: []sqlgen.Expr{sqlgen.Raw{SQL: "1=0"}},
	}

	tombstoneCols := []sqlgen.Expr{sqlgen.Star{Table: "d"}}
	for _, c := range nonPK {
		tombstoneCols = append(tombstoneCols, sqlgen.Alias{Expr: sqlgen.Null{}, As: r.config.targetName(c)})
	}
	tombstoneCols = append(tombstoneCols,
		sqlgen.Alias{Expr: sqlgen.UTCNow{}, As: ValidFromCol},
		sqlgen.Alias{Expr: sqlgen.Lit{Val: true}, As: IsDeletedCol},
		sqlgen.Alias{Expr: sqlgen.Lit{Val: false}, As: IsFullLoadCol},
	)
	tombstones := sqlgen.Select{
		Cols: tombstoneCols,
		From: sqlgen.Table{Name: "deletes", Alias: "d"},
	}

	withSchema := sqlgen.Union{Queries: []sqlgen.Expr{schemaOnly, tombstones}, All: true}
	if err := r.reader.LocalRegisterView(ctx, sqlgen.Render(sqlgen.DialectDuckDB, withSchema), "deletes_with_schema"); err != nil {
		return err
	}

	count, err := r.viewCount(ctx, sqlgen.CountOne(sqlgen.DialectDuckDB, "deletes_with_schema"))
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return r.reader.LocalSQLToDelta(ctx, fmt.Sprintf("SELECT * FROM %s", sqlgen.QuoteName("deletes_with_schema")),
		r.layout.Delta(), lake.ModeAppend)
}

// nonPKCols returns the columns that are not part of the primary key.
func (r *Runner) nonPKCols() []table.ColumnInfo {
	isPK := make(map[string]bool, len(r.pkCols))
	for _, c := range r.pkCols {
		isPK[c.Name] = true
	}
	var out []table.ColumnInfo
	for _, c := range r.cols {
		if !isPK[c.Name] {
			out = append(out, c)
		}
	}
	return out
}
