package load

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/sqlgen"
)

const (
	// additionalUpdatesFallbackCount is the number of watermark-invisible
	// updates above which the chunked key re-fetch is abandoned for a
	// secondary timestamp load.
	additionalUpdatesFallbackCount = 1000
	// maxStatementLength bounds each rendered re-fetch statement. The hard
	// server-side limit is 8000; staying below leaves headroom for
	// downstream engines that wrap the statement.
	maxStatementLength = 7000
	// binPKCollation forces binary comparison on character keys so the
	// join against the OPENJSON rowset matches exactly.
	binPKCollation = "Latin1_General_100_BIN"
)

// handleAdditionalUpdates covers updates that are invisible to the
// watermark: a restore-from-backup can re-introduce rows whose delta value
// does not exceed the prior maximum. Such keys are found by diffing the
// current (pk, delta_col) snapshot against the previous manifest, and
// re-fetched from the source by key.
func (r *Runner) handleAdditionalUpdates(ctx context.Context, oldPKVersion int64) error {
	r.setCurrentState(stateAdditionalUpdates)
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.PrimaryKeysTS(), primaryKeysTSView, nil); err != nil {
		return err
	}
	if err := r.reader.LocalRegisterUpdateView(ctx, r.layout.LatestPK(), lastPKVersionView, &oldPKVersion); err != nil {
		return err
	}

	pkDelta := r.pkDeltaCols()
	additional := sqlgen.Except{
		Left: sqlgen.Select{
			Cols: r.colsSelect(pkDelta, selectOpts{tableAlias: "pk"}),
			From: sqlgen.Table{Name: primaryKeysTSView, Alias: "pk"},
		},
		Right: sqlgen.Select{
			Cols: r.colsSelect(pkDelta, selectOpts{tableAlias: "lpk"}),
			From: sqlgen.Table{Name: lastPKVersionView, Alias: "lpk"},
		},
	}
	if err := r.reader.LocalRegisterView(ctx, sqlgen.Render(sqlgen.DialectDuckDB, additional), "additional_updates"); err != nil {
		return err
	}

	// Keys already fetched by the timestamp read don't need a re-fetch.
	real := sqlgen.Except{
		Left: sqlgen.Select{
			Cols: r.colsSelect(r.pkCols, selectOpts{tableAlias: "au"}),
			From: sqlgen.Table{Name: "additional_updates", Alias: "au"},
		},
		Right: sqlgen.Select{
			Cols: r.colsSelect(r.pkCols, selectOpts{tableAlias: "d1"}),
			From: sqlgen.Table{Name: delta1View, Alias: "d1"},
		},
	}
	if err := r.reader.LocalRegisterView(ctx, sqlgen.Render(sqlgen.DialectDuckDB, real), "real_additional_updates"); err != nil {
		return err
	}
	updateCount, err := r.viewCount(ctx, fmt.Sprintf("SELECT COUNT(*) AS %s FROM %s",
		sqlgen.QuoteName("cnt"), sqlgen.QuoteName("real_additional_updates")))
	if err != nil {
		return err
	}

	delta2Path := r.layout.Delta2()
	switch {
	case updateCount == 0:
		// Prime delta_2 with the right schema so the manifest union has
		// the path to read.
		return r.reader.SourceWriteSQLToDelta(ctx, r.additionalFetchSQL("[]"), delta2Path, lake.ModeOverwrite)

	case updateCount > additionalUpdatesFallbackCount || r.config.NoComplexEntriesLoad:
		if err := r.reader.SourceWriteSQLToDelta(ctx, r.additionalFetchSQL("[]"), delta2Path, lake.ModeOverwrite); err != nil {
			return err
		}
		r.dlog.Warnf("%s: delta step 2.5, loading %d watermark-invisible updates via secondary timestamp load", r.tableRef, updateCount)
		rows, err := r.reader.LocalSQLToRows(ctx, fmt.Sprintf("SELECT MIN(%s) AS %s FROM %s",
			sqlgen.QuoteName(r.config.targetName(*r.deltaCol)), sqlgen.QuoteName("min_ts"), sqlgen.QuoteName("additional_updates")))
		if err != nil {
			return err
		}
		if len(rows) == 0 || rows[0]["min_ts"] == nil {
			return fmt.Errorf("no minimum delta value over %d additional updates", updateCount)
		}
		// Replaying from the smallest missed value may over-fetch, but
		// bounds the statement size.
		return r.loadUpdatesToDelta(ctx, r.updateSQL(r.watermarkCriterion(rows[0]["min_ts"])), delta1View)

	default:
		return r.chunkedKeyFetch(ctx, updateCount)
	}
}

// chunkedKeyFetch ships the keys of real_additional_updates to the source
// in JSON chunks and re-reads the matching rows into delta_2.
func (r *Runner) chunkedKeyFetch(ctx context.Context, updateCount int64) error {
	keyCols := make([]sqlgen.Expr, 0, len(r.pkCols))
	for i, c := range r.pkCols {
		keyCols = append(keyCols, sqlgen.Alias{Expr: sqlgen.Col(r.config.targetName(c)), As: fmt.Sprintf("p%d", i)})
	}
	keys, err := r.reader.LocalSQLToRows(ctx, sqlgen.Render(sqlgen.DialectDuckDB, sqlgen.Select{
		Cols: keyCols,
		From: sqlgen.Table{Name: "real_additional_updates"},
	}))
	if err != nil {
		return err
	}

	batchSize := r.keyBatchSize()
	r.dlog.Warnf("%s: delta step 2.5, loading %d watermark-invisible updates in batches of %d", r.tableRef, updateCount, batchSize)

	delta2Path := r.layout.Delta2()
	first := true
	writeChunk := func(chunk []lake.Row, mode lake.WriteMode) error {
		js, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		return r.reader.SourceWriteSQLToDelta(ctx, r.additionalFetchSQL(string(js)), delta2Path, mode)
	}
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		js, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		mode := lake.ModeAppend
		if first {
			mode = lake.ModeOverwrite
		}
		if len(r.additionalFetchSQL(string(js))) > maxStatementLength {
			// Too long for one statement: halve the chunk.
			half := len(chunk) / 2
			if err := writeChunk(chunk[:half], mode); err != nil {
				return err
			}
			if err := writeChunk(chunk[half:], lake.ModeAppend); err != nil {
				return err
			}
		} else {
			if err := writeChunk(chunk, mode); err != nil {
				return err
			}
		}
		first = false
	}
	if err := r.reader.LocalRegisterUpdateView(ctx, delta2Path, delta2View, nil); err != nil {
		return err
	}
	return r.reader.LocalSQLToDelta(ctx, fmt.Sprintf("SELECT * FROM %s", sqlgen.QuoteName(delta2View)),
		r.layout.Delta(), lake.ModeAppend)
}

// keyBatchSize estimates how many key tuples fit a statement: roughly 5
// bytes of JSON framing per value plus 10 for numerics and 40 for
// everything else.
func (r *Runner) keyBatchSize() int {
	perTuple := 0
	for _, c := range r.pkCols {
		if c.IsNumericType() {
			perTuple += 5 + 10
		} else {
			perTuple += 5 + 40
		}
	}
	batch := maxStatementLength / perTuple
	if batch < 10 {
		batch = 10
	}
	return batch
}

// additionalFetchSQL renders the source re-fetch of the keys in the JSON
// literal: the augmented column read joined against an OPENJSON rowset of
// key tuples, with binary collation on character keys.
func (r *Runner) additionalFetchSQL(js string) string {
	d := r.config.Dialect
	withDefs := make([]string, 0, len(r.pkCols))
	selectList := make([]string, 0, len(r.pkCols))
	onTerms := make([]sqlgen.Expr, 0, len(r.pkCols))
	for i, c := range r.pkCols {
		p := fmt.Sprintf("p%d", i)
		withDefs = append(withDefs, p+" "+c.SQLType())
		selectList = append(selectList, p+" AS "+sqlgen.QuoteName(r.config.targetName(c)))
		collation := ""
		if c.IsCharType() {
			collation = binPKCollation
		}
		onTerms = append(onTerms, sqlgen.Cmp{
			Left:  sqlgen.Column{Table: "t", Name: c.Name, Collation: collation},
			Op:    "=",
			Right: sqlgen.TCol("ttt", r.config.targetName(c)),
		})
	}
	sub := fmt.Sprintf("(SELECT %s FROM OPENJSON(%s) WITH (%s))",
		strings.Join(selectList, ", "), sqlgen.QuoteValue(d, js), strings.Join(withDefs, ", "))
	sel := sqlgen.Select{
		Cols: r.colsSelect(r.cols, selectOpts{
			tableAlias:    "t",
			fromSource:    true,
			withValidFrom: true,
			isDeleted:     boolPtr(false),
			isFull:        boolPtr(false),
		}),
		From: r.tableRef.Expr("t"),
		Joins: []sqlgen.Join{{
			Kind:  sqlgen.JoinInner,
			Right: sqlgen.Raw{SQL: sub},
			Alias: "ttt",
			On:    sqlgen.And{Terms: onTerms},
		}},
	}
	return sqlgen.Render(d, sel)
}
