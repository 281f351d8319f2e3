package database

import (
	"fmt"
	"strings"
)

// setList accumulates "col = $n" assignments for a partial UPDATE. The
// row id is always $1, so assignments start at $2.
type setList struct {
	cols []string
	args []any
}

func (s *setList) add(col string, v any) {
	s.args = append(s.args, v)
	s.cols = append(s.cols, fmt.Sprintf("%s = $%d", col, len(s.args)+1))
}

// addExpr adds an assignment whose right side is expr with %s replaced
// by the placeholder of v.
func (s *setList) addExpr(col, expr string, v any) {
	s.args = append(s.args, v)
	s.cols = append(s.cols, col+" = "+fmt.Sprintf(expr, fmt.Sprintf("$%d", len(s.args)+1)))
}

func (s *setList) empty() bool { return len(s.cols) == 0 }

// build renders UPDATE table SET ... WHERE id = $1 [AND where] with
// updated_at bumped.
func (s *setList) build(table, id, where string) (string, []any) {
	q := fmt.Sprintf("UPDATE %s SET %s, updated_at = now() WHERE id = $1",
		table, strings.Join(s.cols, ", "))
	if where != "" {
		q += " AND " + where
	}
	return q, append([]any{id}, s.args...)
}

func pqString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
