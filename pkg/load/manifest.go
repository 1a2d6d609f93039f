package load

import (
	"context"
	"fmt"
	"strings"

	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/sqlgen"
)

// writeLatestPK composes the next-run manifest: every current source key
// paired with its delta value, taken from delta_2 where a key was
// re-fetched, from delta_1 where the timestamp read saw it, and from the
// snapshot otherwise. The anti joins keep the three parts disjoint, so
// UNION ALL is exact.
func (r *Runner) writeLatestPK(ctx context.Context) error {
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.Delta1(), delta1View, nil); err != nil {
		return err
	}
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.Delta2(), delta2View, nil); err != nil {
		return err
	}
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.PrimaryKeysTS(), primaryKeysTSView, nil); err != nil {
		return err
	}

	pkDelta := r.pkDeltaCols()
	fromDelta2 := sqlgen.Select{
		Cols: r.colsSelect(pkDelta, selectOpts{tableAlias: "au"}),
		From: sqlgen.Table{Name: delta2View, Alias: "au"},
	}
	fromDelta1 := sqlgen.Select{
		Cols: r.colsSelect(pkDelta, selectOpts{tableAlias: "d1"}),
		From: sqlgen.Table{Name: delta1View, Alias: "d1"},
		Joins: []sqlgen.Join{{
			Kind:  sqlgen.JoinAnti,
			Right: sqlgen.Table{Name: delta2View},
			Alias: "au2",
			On:    r.pkEqual("d1", "au2", r.pkCols),
		}},
	}
	fromSnapshot := sqlgen.Select{
		Cols: r.colsSelect(pkDelta, selectOpts{tableAlias: "cpk"}),
		From: sqlgen.Table{Name: primaryKeysTSView, Alias: "cpk"},
		Joins: []sqlgen.Join{{
			Kind:  sqlgen.JoinAnti,
			Right: sqlgen.Table{Name: delta2View},
			Alias: "au3",
			On:    r.pkEqual("cpk", "au3", r.pkCols),
		}, {
			Kind:  sqlgen.JoinAnti,
			Right: sqlgen.Table{Name: delta1View},
			Alias: "au4",
			On:    r.pkEqual("cpk", "au4", r.pkCols),
		}},
	}
	query := sqlgen.Render(sqlgen.DialectDuckDB, sqlgen.Union{
		Queries: []sqlgen.Expr{fromDelta2, fromDelta1, fromSnapshot},
		All:     true,
	})
	return r.reader.LocalSQLToDelta(ctx, query, r.layout.LatestPK(), lake.ModeOverwrite)
}

// restoreLastPK rebuilds a missing manifest from the destination table:
// the newest non-tombstone row of every key, projected to key and delta
// column. Returns false when nothing could be rebuilt.
func (r *Runner) restoreLastPK(ctx context.Context) (bool, error) {
	populated, err := r.reader.DeltaTableExists(ctx, r.layout.Delta(), true)
	if err != nil || !populated {
		return false, err
	}
	tempName := r.tableRef.TempName()
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.Delta(), tempName, nil); err != nil {
		return false, err
	}

	partition := make([]string, 0, len(r.pkCols))
	for _, c := range r.pkCols {
		partition = append(partition, sqlgen.QuoteName(r.config.targetName(c)))
	}
	projected := make([]string, 0, len(r.pkCols)+1)
	for _, c := range r.pkDeltaCols() {
		projected = append(projected, sqlgen.QuoteName(r.config.targetName(c)))
	}
	query := fmt.Sprintf(
		"SELECT %s FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS %s FROM %s) AS %s WHERE %s = 1 AND NOT %s",
		strings.Join(projected, ", "),
		strings.Join(partition, ", "),
		sqlgen.QuoteName(ValidFromCol),
		sqlgen.QuoteName("rn"),
		sqlgen.QuoteName(tempName),
		sqlgen.QuoteName("ranked"),
		sqlgen.QuoteName("rn"),
		sqlgen.QuoteName(IsDeletedCol),
	)
	if err := r.reader.LocalSQLToDelta(ctx, query, r.layout.LatestPK(), lake.ModeOverwrite); err != nil {
		return false, err
	}
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.LatestPK(), latestPKView, nil); err != nil {
		return false, err
	}
	count, err := r.viewCount(ctx, sqlgen.CountOne(sqlgen.DialectDuckDB, latestPKView))
	if err != nil {
		return false, err
	}
	r.dlog.Infof("%s: rebuilt primary key manifest, keys present: %t", r.tableRef, count > 0)
	return count > 0, nil
}
