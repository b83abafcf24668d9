package store

import (
	"fmt"
	"strings"
)

// selectQuery builds parameterized SELECT statements for the list
// endpoints. Values are always bound, never interpolated, and every
// query carries an ORDER BY ending in a unique column.
type selectQuery struct {
	table   string
	columns []string
	conds   []string
	args    []any
	order   []string
	limit   int
}

func newSelect(table string, columns ...string) *selectQuery {
	return &selectQuery{table: table, columns: columns}
}

// Where adds an AND-ed condition with its bound values.
func (q *selectQuery) Where(cond string, args ...any) *selectQuery {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
	return q
}

// WhereIn adds "column IN (...)". An empty list adds nothing.
func (q *selectQuery) WhereIn(column string, values []string) *selectQuery {
	if len(values) == 0 {
		return q
	}
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		q.args = append(q.args, v)
	}
	q.conds = append(q.conds, fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")))
	return q
}

// OrderBy appends ordering terms.
func (q *selectQuery) OrderBy(terms ...string) *selectQuery {
	q.order = append(q.order, terms...)
	return q
}

// Limit caps the row count; zero or less means unlimited.
func (q *selectQuery) Limit(n int) *selectQuery {
	q.limit = n
	return q
}

// Build returns the SQL text and its arguments. The id tiebreaker is
// always last so results are stable across replays.
func (q *selectQuery) Build() (string, []any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(q.columns, ", "), q.table)
	if len(q.conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.conds, " AND "))
	}
	order := append([]string{}, q.order...)
	if !hasIDTiebreaker(order) {
		order = append(order, "id ASC")
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(order, ", "))
	args := append([]any{}, q.args...)
	if q.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.limit)
	}
	return sb.String(), args
}

func hasIDTiebreaker(order []string) bool {
	if len(order) == 0 {
		return false
	}
	last := strings.Fields(order[len(order)-1])
	return len(last) > 0 && last[0] == "id"
}
