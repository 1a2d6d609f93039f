package load

import (
	"github.com/block/lakemirror/pkg/sqlgen"
	"github.com/block/lakemirror/pkg/table"
)

// Augmentation columns appended to every row written into delta/.
const (
	ValidFromCol  = "__valid_from"
	IsDeletedCol  = "__is_deleted"
	IsFullLoadCol = "__is_full_load"
)

// selectOpts controls the shape of a generated select list.
type selectOpts struct {
	tableAlias string
	// fromSource reads the source-side column names and applies the
	// DataTypeMap casts; otherwise the target names are read back from a
	// lake-side relation.
	fromSource    bool
	withValidFrom bool
	isDeleted     *bool
	isFull        *bool
}

// colsSelect builds the select list for a column set: the cast-aliased
// columns followed by the requested augmentation columns.
func (r *Runner) colsSelect(cols []table.ColumnInfo, opts selectOpts) []sqlgen.Expr {
	out := make([]sqlgen.Expr, 0, len(cols)+3)
	for _, c := range cols {
		name := r.config.targetName(c)
		if opts.fromSource {
			name = c.Name
		}
		var expr sqlgen.Expr = sqlgen.Column{Table: opts.tableAlias, Name: name}
		if opts.fromSource {
			if mapped, ok := r.config.DataTypeMap[c.DataType]; ok {
				expr = sqlgen.Cast{Expr: expr, Type: mapped}
			}
		}
		out = append(out, sqlgen.Alias{Expr: expr, As: r.config.targetName(c)})
	}
	if opts.withValidFrom {
		out = append(out, sqlgen.Alias{Expr: sqlgen.UTCNow{}, As: ValidFromCol})
	}
	if opts.isDeleted != nil {
		out = append(out, sqlgen.Alias{Expr: bitLit(*opts.isDeleted), As: IsDeletedCol})
	}
	if opts.isFull != nil {
		out = append(out, sqlgen.Alias{Expr: bitLit(*opts.isFull), As: IsFullLoadCol})
	}
	return out
}

// bitLit renders a bool as CAST(0|1 AS bit) so the source emits a real
// bit column rather than an integer.
func bitLit(v bool) sqlgen.Expr {
	n := 0
	if v {
		n = 1
	}
	return sqlgen.Cast{Expr: sqlgen.Lit{Val: n}, Type: "bit"}
}

// pkEqual builds the pairwise equality of two relations on the target
// names of the given key columns.
func (r *Runner) pkEqual(leftAlias, rightAlias string, pks []table.ColumnInfo) sqlgen.Expr {
	terms := make([]sqlgen.Expr, 0, len(pks))
	for _, c := range pks {
		name := r.config.targetName(c)
		terms = append(terms, sqlgen.Eq(sqlgen.TCol(leftAlias, name), sqlgen.TCol(rightAlias, name)))
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return sqlgen.And{Terms: terms}
}

// pkDeltaCols returns the primary key columns followed by the delta column.
func (r *Runner) pkDeltaCols() []table.ColumnInfo {
	cols := make([]table.ColumnInfo, 0, len(r.pkCols)+1)
	cols = append(cols, r.pkCols...)
	if r.deltaCol != nil {
		cols = append(cols, *r.deltaCol)
	}
	return cols
}

func boolPtr(v bool) *bool {
	return &v
}
