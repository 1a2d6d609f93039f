package load

import (
	"context"
	"fmt"
	"strings"

	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/sqlgen"
)

// View names registered on the local engine during a delta run.
const (
	latestPKView      = "latest_pk"
	lastPKVersionView = "last_pk_version"
	primaryKeysTSView = "primary_keys_ts"
	delta1View        = "delta_1"
	delta2View        = "delta_2"
)

// doDeltaLoad runs the incremental pipeline: snapshot the current source
// keys, load updates by watermark, re-fetch updates the watermark missed,
// write the next-run manifest and append tombstones for deleted keys.
// A simple load trusts the watermark alone and skips everything else.
func (r *Runner) doDeltaLoad(ctx context.Context, simple bool) error {
	kind := ""
	if simple {
		kind = "simple "
	}
	r.dlog.Infof("%s: start %sdelta load with delta column %s and pks: %s",
		r.tableRef, kind, r.deltaCol.Name, strings.Join(r.pkNames(), ", "))

	if !simple {
		exists, err := r.reader.DeltaTableExists(ctx, r.layout.LatestPK(), false)
		if err != nil {
			return err
		}
		if !exists {
			r.dlog.Warnf("%s: primary key manifest missing, trying to rebuild", r.tableRef)
			restored, err := r.restoreLastPK(ctx)
			if err != nil {
				r.dlog.Warnf("%s: could not rebuild primary key manifest: %v", r.tableRef, err)
				restored = false
			}
			if !restored {
				r.dlog.Warnf("%s: no primary key manifest, full load", r.tableRef)
				return r.doFullLoad(ctx, lake.ModeAppend)
			}
		}
	}

	var oldPKVersion int64
	if !simple {
		var err error
		oldPKVersion, err = r.reader.DeltaOps(r.layout.LatestPK()).Version()
		if err != nil {
			return err
		}
	}

	watermark, err := r.latestDeltaValue(ctx)
	if err != nil {
		return err
	}
	if watermark == nil {
		r.dlog.Warnf("%s: no watermark value, full load", r.tableRef)
		return r.doFullLoad(ctx, lake.ModeAppend)
	}
	r.dlog.Infof("%s: delta step 1, snapshot primary keys. MAX(%s): %v", r.tableRef, r.deltaCol.Name, watermark)
	if !simple {
		r.setCurrentState(statePKSnapshot)
		if err := r.retrievePrimaryKeyData(ctx); err != nil {
			return err
		}
	}

	r.setCurrentState(stateTimestampUpdates)
	r.dlog.Infof("%s: delta step 2, load updates by timestamp", r.tableRef)
	if err := r.loadUpdatesToDelta(ctx, r.updateSQL(r.watermarkCriterion(watermark)), delta1View); err != nil {
		return err
	}

	if !simple {
		if err := r.handleAdditionalUpdates(ctx, oldPKVersion); err != nil {
			return err
		}
		r.setCurrentState(stateManifest)
		r.dlog.Infof("%s: delta step 3, write manifest for next delta load", r.tableRef)
		if err := r.writeLatestPK(ctx); err != nil {
			return err
		}
		r.setCurrentState(stateDeletes)
		r.dlog.Infof("%s: delta step 4, write deletes", r.tableRef)
		if err := r.doDeletes(ctx, oldPKVersion); err != nil {
			return err
		}
		r.dlog.Infof("%s: delta load done", r.tableRef)
		return nil
	}

	// A simple delta leaves no manifest behind: the next full-delta run
	// must not trust keys this run never reconciled.
	exists, err := r.layout.LatestPK().Exists()
	if err != nil {
		return err
	}
	if exists {
		return r.layout.LatestPK().Remove(true)
	}
	return nil
}

// doAppendInsertsLoad loads rows above the watermark and nothing else.
func (r *Runner) doAppendInsertsLoad(ctx context.Context) error {
	r.setCurrentState(stateAppendInserts)
	r.dlog.Infof("%s: start append-inserts load with delta column %s", r.tableRef, r.deltaCol.Name)
	watermark, err := r.latestDeltaValue(ctx)
	if err != nil {
		return err
	}
	var criterion sqlgen.Expr
	if watermark != nil {
		criterion = r.watermarkCriterion(watermark)
	}
	r.dlog.Infof("%s: load inserts by timestamp", r.tableRef)
	if err := r.loadUpdatesToDelta(ctx, r.updateSQL(criterion), delta1View); err != nil {
		return err
	}
	r.dlog.Infof("%s: append-inserts load done", r.tableRef)
	return nil
}

// latestDeltaValue reads the current watermark from the destination table.
func (r *Runner) latestDeltaValue(ctx context.Context) (any, error) {
	tempName := r.tableRef.TempName()
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.Delta(), tempName, nil); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT MAX(%s) AS %s FROM %s",
		sqlgen.QuoteName(r.config.targetName(*r.deltaCol)), sqlgen.QuoteName("max_ts"), sqlgen.QuoteName(tempName))
	rows, err := r.reader.LocalSQLToRows(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0]["max_ts"], nil
}

// watermarkCriterion builds delta_col > watermark against the source table.
func (r *Runner) watermarkCriterion(watermark any) sqlgen.Expr {
	var col sqlgen.Expr = sqlgen.TCol("t", r.deltaCol.Name)
	if mapped, ok := r.config.DataTypeMap[r.deltaCol.DataType]; ok {
		col = sqlgen.Cast{Expr: col, Type: mapped}
	}
	return sqlgen.Gt(col, sqlgen.Lit{Val: watermark})
}

// updateSQL renders the source read of changed rows, augmented for the
// destination schema. A nil criterion reads the whole table.
func (r *Runner) updateSQL(criterion sqlgen.Expr) string {
	sel := sqlgen.Select{
		Cols: r.colsSelect(r.cols, selectOpts{
			tableAlias:    "t",
			fromSource:    true,
			withValidFrom: true,
			isDeleted:     boolPtr(false),
			isFull:        boolPtr(false),
		}),
		From: r.tableRef.Expr("t"),
	}
	if criterion != nil {
		sel.Where = []sqlgen.Expr{criterion}
	}
	return sqlgen.Render(r.config.Dialect, sel)
}

// retrievePrimaryKeyData snapshots (pk..., delta_col) of every current
// source row into primary_keys_ts.
func (r *Runner) retrievePrimaryKeyData(ctx context.Context) error {
	sel := sqlgen.Select{
		Cols: r.colsSelect(r.pkDeltaCols(), selectOpts{fromSource: true}),
		From: r.tableRef.Expr(""),
	}
	query := sqlgen.Render(r.config.Dialect, sel)
	r.dlog.SQLf(query, "%s: snapshot primary keys", r.tableRef)
	return r.reader.SourceWriteSQLToDelta(ctx, query, r.layout.PrimaryKeysTS(), lake.ModeOverwrite)
}

// loadUpdatesToDelta writes a source read into the named bookkeeping table
// and appends it to the main table when it returned rows.
func (r *Runner) loadUpdatesToDelta(ctx context.Context, query string, deltaName string) error {
	path := r.layout.Root.Join("delta_load", deltaName)
	r.dlog.SQLf(query, "%s: executing %s load", r.tableRef, deltaName)
	if err := r.reader.SourceWriteSQLToDelta(ctx, query, path, lake.ModeOverwrite); err != nil {
		return err
	}
	if err := r.reader.LocalRegisterUpdateView(ctx, path, deltaName, nil); err != nil {
		return err
	}
	count, err := r.viewCount(ctx, sqlgen.CountOne(sqlgen.DialectDuckDB, deltaName))
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	appendQuery := fmt.Sprintf("SELECT * FROM %s", sqlgen.QuoteName(deltaName))
	return r.reader.LocalSQLToDelta(ctx, appendQuery, r.layout.Delta(), lake.ModeAppend)
}

// viewCount runs a local count query and returns its cnt column.
func (r *Runner) viewCount(ctx context.Context, query string) (int64, error) {
	rows, err := r.reader.LocalSQLToRows(ctx, query)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("count query returned no rows")
	}
	switch v := rows[0]["cnt"].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected count value %T", rows[0]["cnt"])
	}
}
