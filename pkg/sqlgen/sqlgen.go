// Package sqlgen builds parameter-free SQL statements from a small
// expression tree and renders them with dialect-aware quoting.
// The source side renders as T-SQL, the local lake engine as DuckDB SQL.
package sqlgen

// Dialect selects the rendering rules for a statement.
type Dialect string

const (
	DialectTSQL   Dialect = "tsql"
	DialectDuckDB Dialect = "duckdb"
)

// Expr is a node in the expression tree. Render walks the tree exactly once.
type Expr interface {
	render(d Dialect, w *sqlWriter)
}

// Column is a quoted column reference, optionally table-qualified.
type Column struct {
	Table string
	Name  string
	// Collation, when set, is emitted after the column reference.
	// Used on character join predicates against OPENJSON rowsets.
	Collation string
}

// Lit is a literal value rendered through QuoteValue.
type Lit struct {
	Val any
}

// Null renders as NULL.
type Null struct{}

// Star renders as * or alias.*.
type Star struct {
	Table string
}

// Cast wraps an expression in CAST(x AS Type).
type Cast struct {
	Expr Expr
	Type string
}

// Func is a function call by name.
type Func struct {
	Name string
	Args []Expr
}

// UTCNow is the current UTC timestamp in the executing engine:
// CAST(GETUTCDATE() AS datetime2(6)) on the source,
// CURRENT_TIMESTAMP AT TIME ZONE 'UTC' on the lake engine.
type UTCNow struct{}

// Raw splices a pre-rendered SQL fragment into the tree.
type Raw struct {
	SQL string
}

// Alias names an expression in a select list. The alias is always quoted.
type Alias struct {
	Expr Expr
	As   string
}

// Cmp is a binary comparison.
type Cmp struct {
	Left  Expr
	Op    string // =, >, <, >=, <=, <>
	Right Expr
}

// And joins its terms with AND.
type And struct {
	Terms []Expr
}

// IsNull renders as x IS NULL.
type IsNull struct {
	Expr Expr
}

type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeft
	// JoinAnti keeps left rows with no match on the right. DuckDB renders the
	// ANTI JOIN keyword; T-SQL lowers it to LEFT JOIN plus an IS NULL filter
	// on the first right-hand key of the ON condition.
	JoinAnti
)

// Join attaches a joined relation to a Select.
type Join struct {
	Kind  JoinKind
	Right Expr // Table, Raw or subselect
	Alias string
	On    Expr
}

// Table is a (db.)(schema.)name reference with an optional alias.
type Table struct {
	Database string
	Schema   string
	Name     string
	Alias    string
}

// Subquery is a parenthesized SELECT usable as a join relation or FROM source.
type Subquery struct {
	Query Expr
}

// CTE is one WITH entry of a Select.
type CTE struct {
	Name  string
	Query Expr
}

// Select is a full SELECT statement.
type Select struct {
	With  []CTE
	Cols  []Expr
	From  Expr
	Joins []Join
	Where []Expr // ANDed together
}

// Union combines selects with UNION (distinct) or UNION ALL.
type Union struct {
	Queries []Expr
	All     bool
}

// Except is left EXCEPT right, with SQL's distinct set semantics.
type Except struct {
	Left  Expr
	Right Expr
}

// Col is shorthand for an unqualified column reference.
func Col(name string) Column {
	return Column{Name: name}
}

// TCol is shorthand for a table-qualified column reference.
func TCol(table, name string) Column {
	return Column{Table: table, Name: name}
}

// Eq builds left = right.
func Eq(left, right Expr) Cmp {
	return Cmp{Left: left, Op: "=", Right: right}
}

// Gt builds left > right.
func Gt(left, right Expr) Cmp {
	return Cmp{Left: left, Op: ">", Right: right}
}
