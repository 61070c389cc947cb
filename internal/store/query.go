package store

import "strings"

// maxInClauseElements is SQLite's practical limit on bound parameters; spec.md
// §4.7 calls for "a 999-element soft warning, chunked by callers at 900".
const maxInClauseElements = 900

// Predicate is one WHERE-clause term: "col op ?" with op in
// {=, >, >=, <, <=} (spec.md §4.7). IN predicates are modeled separately
// since they expand to a variable number of placeholders.
type Predicate struct {
	Column string
	Op     string // "=", ">", ">=", "<", "<="
	Value  any
}

// InPredicate models an IN (?...) clause; callers must chunk Values at
// maxInClauseElements themselves (Chunks does this).
type InPredicate struct {
	Column string
	Values []any
}

// Chunks splits an InPredicate into groups of at most maxInClauseElements,
// matching spec.md §4.7's "chunked by callers at 900".
func (p InPredicate) Chunks() [][]any {
	if len(p.Values) == 0 {
		return nil
	}
	var out [][]any
	for i := 0; i < len(p.Values); i += maxInClauseElements {
		end := i + maxInClauseElements
		if end > len(p.Values) {
			end = len(p.Values)
		}
		out = append(out, p.Values[i:end])
	}
	return out
}

// QueryBuilder incrementally assembles a WHERE clause and its bound args.
// Grounded on the ad-hoc filter-building style of the teacher's message
// store, generalized into a single reusable builder per spec.md §4.7.
type QueryBuilder struct {
	table string
	preds []Predicate
	ins   []InPredicate
	order string
	limit int
}

// NewQueryBuilder starts a builder over the given table.
func NewQueryBuilder(table string) *QueryBuilder {
	return &QueryBuilder{table: table}
}

// Where adds a simple comparison predicate.
func (qb *QueryBuilder) Where(column, op string, value any) *QueryBuilder {
	qb.preds = append(qb.preds, Predicate{Column: column, Op: op, Value: value})
	return qb
}

// WhereIn adds an IN predicate; values beyond 900 are automatically issued
// as additional OR'd IN groups rather than a single oversized IN list.
func (qb *QueryBuilder) WhereIn(column string, values []any) *QueryBuilder {
	qb.ins = append(qb.ins, InPredicate{Column: column, Values: values})
	return qb
}

// OrderBy sets the ORDER BY clause verbatim (caller-controlled, not user
// input, so no injection risk from this internal API).
func (qb *QueryBuilder) OrderBy(clause string) *QueryBuilder {
	qb.order = clause
	return qb
}

// Limit sets a row limit; 0 means unlimited.
func (qb *QueryBuilder) Limit(n int) *QueryBuilder {
	qb.limit = n
	return qb
}

// Build renders "SELECT <cols> FROM <table> WHERE ... [ORDER BY ...] [LIMIT ...]"
// and its bound args. Each IN predicate with >900 values renders as
// "(col IN (?...) OR col IN (?...) OR ...)" to respect the chunking rule
// while still being a single query.
func (qb *QueryBuilder) Build(columns string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(columns)
	sb.WriteString(" FROM ")
	sb.WriteString(qb.table)

	var args []any
	var clauses []string

	for _, p := range qb.preds {
		clauses = append(clauses, p.Column+" "+p.Op+" ?")
		args = append(args, p.Value)
	}
	for _, in := range qb.ins {
		chunks := in.Chunks()
		if len(chunks) == 0 {
			continue
		}
		var orParts []string
		for _, chunk := range chunks {
			placeholders := make([]string, len(chunk))
			for i := range chunk {
				placeholders[i] = "?"
				args = append(args, chunk[i])
			}
			orParts = append(orParts, in.Column+" IN ("+strings.Join(placeholders, ",")+")")
		}
		clause := strings.Join(orParts, " OR ")
		if len(orParts) > 1 {
			clause = "(" + clause + ")"
		}
		clauses = append(clauses, clause)
	}

	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	if qb.order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(qb.order)
	}
	if qb.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, qb.limit)
	}
	return sb.String(), args
}
