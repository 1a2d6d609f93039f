package sqlgen

import (
	"fmt"
	"strings"
)

type sqlWriter struct {
	strings.Builder
}

// Render turns an expression tree into a SQL string for the given dialect.
func Render(d Dialect, e Expr) string {
	w := &sqlWriter{}
	e.render(d, w)
	return w.String()
}

func (c Column) render(d Dialect, w *sqlWriter) {
	if c.Table != "" {
		w.WriteString(QuoteName(c.Table))
		w.WriteString(".")
	}
	w.WriteString(QuoteName(c.Name))
	if c.Collation != "" {
		w.WriteString(" COLLATE ")
		w.WriteString(c.Collation)
	}
}

func (l Lit) render(d Dialect, w *sqlWriter) {
	w.WriteString(QuoteValue(d, l.Val))
}

func (Null) render(d Dialect, w *sqlWriter) {
	w.WriteString("NULL")
}

func (s Star) render(d Dialect, w *sqlWriter) {
	if s.Table != "" {
		w.WriteString(QuoteName(s.Table))
		w.WriteString(".")
	}
	w.WriteString("*")
}

func (c Cast) render(d Dialect, w *sqlWriter) {
	w.WriteString("CAST(")
	c.Expr.render(d, w)
	w.WriteString(" AS ")
	w.WriteString(c.Type)
	w.WriteString(")")
}

func (f Func) render(d Dialect, w *sqlWriter) {
	w.WriteString(f.Name)
	w.WriteString("(")
	for i, a := range f.Args {
		if i > 0 {
			w.WriteString(", ")
		}
		a.render(d, w)
	}
	w.WriteString(")")
}

func (UTCNow) render(d Dialect, w *sqlWriter) {
	if d == DialectTSQL {
		w.WriteString("CAST(GETUTCDATE() AS datetime2(6))")
		return
	}
	w.WriteString("CURRENT_TIMESTAMP AT TIME ZONE 'UTC'")
}

func (r Raw) render(d Dialect, w *sqlWriter) {
	w.WriteString(r.SQL)
}

func (a Alias) render(d Dialect, w *sqlWriter) {
	a.Expr.render(d, w)
	w.WriteString(" AS ")
	w.WriteString(QuoteName(a.As))
}

func (c Cmp) render(d Dialect, w *sqlWriter) {
	c.Left.render(d, w)
	w.WriteString(" ")
	w.WriteString(c.Op)
	w.WriteString(" ")
	c.Right.render(d, w)
}

func (a And) render(d Dialect, w *sqlWriter) {
	for i, t := range a.Terms {
		if i > 0 {
			w.WriteString(" AND ")
		}
		t.render(d, w)
	}
}

func (n IsNull) render(d Dialect, w *sqlWriter) {
	n.Expr.render(d, w)
	w.WriteString(" IS NULL")
}

func (t Table) render(d Dialect, w *sqlWriter) {
	if t.Database != "" {
		w.WriteString(QuoteName(t.Database))
		w.WriteString(".")
	}
	if t.Schema != "" {
		w.WriteString(QuoteName(t.Schema))
		w.WriteString(".")
	}
	w.WriteString(QuoteName(t.Name))
	if t.Alias != "" {
		w.WriteString(" AS ")
		w.WriteString(QuoteName(t.Alias))
	}
}

func (s Subquery) render(d Dialect, w *sqlWriter) {
	w.WriteString("(")
	s.Query.render(d, w)
	w.WriteString(")")
}

func (s Select) render(d Dialect, w *sqlWriter) {
	if len(s.With) > 0 {
		w.WriteString("WITH ")
		for i, cte := range s.With {
			if i > 0 {
				w.WriteString(", ")
			}
			w.WriteString(QuoteName(cte.Name))
			w.WriteString(" AS (")
			cte.Query.render(d, w)
			w.WriteString(")")
		}
		w.WriteString(" ")
	}
	w.WriteString("SELECT ")
	for i, c := range s.Cols {
		if i > 0 {
			w.WriteString(", ")
		}
		c.render(d, w)
	}
	if s.From != nil {
		w.WriteString(" FROM ")
		s.From.render(d, w)
	}
	where := append([]Expr{}, s.Where...)
	for _, j := range s.Joins {
		where = j.renderInto(d, w, where)
	}
	if len(where) > 0 {
		w.WriteString(" WHERE ")
		And{Terms: where}.render(d, w)
	}
}

// renderInto writes the join clause and returns the WHERE terms, extended
// with the IS NULL probe when an anti join had to be lowered for T-SQL.
func (j Join) renderInto(d Dialect, w *sqlWriter, where []Expr) []Expr {
	kind := j.Kind
	if kind == JoinAnti && d != DialectDuckDB {
		kind = JoinLeft
		if probe, ok := j.antiProbe(); ok {
			where = append(where, IsNull{Expr: probe})
		}
	}
	switch kind {
	case JoinInner:
		w.WriteString(" INNER JOIN ")
	case JoinLeft:
		w.WriteString(" LEFT JOIN ")
	case JoinAnti:
		w.WriteString(" ANTI JOIN ")
	}
	j.Right.render(d, w)
	if j.Alias != "" {
		w.WriteString(" AS ")
		w.WriteString(QuoteName(j.Alias))
	}
	if j.On != nil {
		w.WriteString(" ON ")
		j.On.render(d, w)
	}
	return where
}

// antiProbe finds the first right-hand key column of the ON condition,
// which the lowered LEFT JOIN form checks for NULL.
func (j Join) antiProbe() (Expr, bool) {
	probeFromCmp := func(c Cmp) (Expr, bool) {
		if col, ok := c.Right.(Column); ok && (j.Alias == "" || col.Table == j.Alias) {
			return col, true
		}
		return nil, false
	}
	switch on := j.On.(type) {
	case Cmp:
		return probeFromCmp(on)
	case And:
		for _, t := range on.Terms {
			if c, ok := t.(Cmp); ok {
				if probe, found := probeFromCmp(c); found {
					return probe, true
				}
			}
		}
	}
	return nil, false
}

func (u Union) render(d Dialect, w *sqlWriter) {
	sep := " UNION "
	if u.All {
		sep = " UNION ALL "
	}
	for i, q := range u.Queries {
		if i > 0 {
			w.WriteString(sep)
		}
		q.render(d, w)
	}
}

func (e Except) render(d Dialect, w *sqlWriter) {
	e.Left.render(d, w)
	w.WriteString(" EXCEPT ")
	e.Right.render(d, w)
}

// CountOne renders a cheap non-empty probe against a view or table:
// the count is 0 or 1 regardless of relation size.
func CountOne(d Dialect, name string) string {
	if d == DialectTSQL {
		return fmt.Sprintf("SELECT COUNT(*) AS %s FROM (SELECT TOP 1 1 AS %s FROM %s) AS %s",
			QuoteName("cnt"), QuoteName("one"), QuoteName(name), QuoteName("lim"))
	}
	return fmt.Sprintf("SELECT COUNT(*) AS %s FROM (SELECT 1 AS %s FROM %s LIMIT 1) AS %s",
		QuoteName("cnt"), QuoteName("one"), QuoteName(name), QuoteName("lim"))
}
