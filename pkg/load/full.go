package load

import (
	"context"
	"fmt"

	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/sqlgen"
)

// doFullLoad materializes every source row with __is_full_load=true and,
// when a delta column is set, rebuilds the PK manifest from the freshly
// written rows. Without a delta column no manifest is written.
func (r *Runner) doFullLoad(ctx context.Context, mode lake.WriteMode) error {
	r.setCurrentState(stateFullLoad)
	r.dlog.Infof("%s: start full load", r.tableRef)
	deltaPath := r.layout.Delta()

	query := sqlgen.Render(r.config.Dialect, sqlgen.Select{
		Cols: r.colsSelect(r.cols, selectOpts{
			fromSource:    true,
			withValidFrom: true,
			isDeleted:     boolPtr(false),
			isFull:        boolPtr(true),
		}),
		From: r.tableRef.Expr(""),
	})

	// When appending to existing data, remember the high valid_from so the
	// manifest can be filtered to the rows of this run. Absence of a prior
	// table and absence of rows both leave it nil.
	var maxValidFrom any
	populated, err := r.reader.DeltaTableExists(ctx, deltaPath, true)
	if err != nil {
		return err
	}
	tempName := r.tableRef.TempName()
	if populated {
		if err := r.reader.LocalRegisterUpdateView(ctx, deltaPath, tempName, nil); err != nil {
			return err
		}
		maxQuery := fmt.Sprintf("SELECT MAX(%s) AS %s FROM %s",
			sqlgen.QuoteName(ValidFromCol), sqlgen.QuoteName(ValidFromCol), sqlgen.QuoteName(tempName))
		rows, err := r.reader.LocalSQLToRows(ctx, maxQuery)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			maxValidFrom = rows[0][ValidFromCol]
		}
	}

	r.dlog.SQLf(query, "%s: executing full load", r.tableRef)
	if err := r.reader.SourceWriteSQLToDelta(ctx, query, deltaPath, mode); err != nil {
		return err
	}
	if r.deltaCol == nil {
		r.dlog.Infof("%s: full load done", r.tableRef)
		return nil
	}
	r.dlog.Infof("%s: full load done, writing manifest for next delta load", r.tableRef)

	if err := r.reader.LocalRegisterUpdateView(ctx, deltaPath, tempName, nil); err != nil {
		return err
	}
	if err := r.layout.DeltaLoad().Mkdir(); err != nil {
		return err
	}
	cols := make([]sqlgen.Expr, 0, len(r.pkCols)+1)
	for _, c := range r.pkDeltaCols() {
		cols = append(cols, sqlgen.Col(r.config.targetName(c)))
	}
	sel := sqlgen.Select{Cols: cols, From: sqlgen.Table{Name: tempName}}
	if maxValidFrom != nil {
		sel.Where = []sqlgen.Expr{sqlgen.Gt(sqlgen.Col(ValidFromCol), sqlgen.Lit{Val: maxValidFrom})}
	}
	return r.reader.LocalSQLToDelta(ctx, sqlgen.Render(sqlgen.DialectDuckDB, sel),
		r.layout.LatestPK(), lake.ModeOverwrite)
}
