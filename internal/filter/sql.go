// ABOUTME: Compiles validated filter trees to SQLite WHERE clauses
// ABOUTME: Core fields map to columns, everything else goes through json_extract

package filter

import (
	"fmt"
	"strings"

	"github.com/2389/coven-mesh/internal/fault"
)

// ColumnMap tells the compiler how fields reach SQL. Fields present in
// Columns compile against that expression directly; ArrayColumns marks which
// of those hold a JSON array. Any other field compiles against the JSON
// metadata column, or fails when JSONColumn is empty.
type ColumnMap struct {
	Columns      map[string]string
	ArrayColumns map[string]bool
	JSONColumn   string
}

// SQL compiles the filter into a parenthesized WHERE fragment plus its
// positional arguments. An empty filter compiles to a tautology.
func (f *Filter) SQL(cm ColumnMap) (string, []any, error) {
	if f.IsEmpty() {
		return "1=1", nil, nil
	}
	return compileNode(f.root, cm)
}

func compileNode(n node, cm ColumnMap) (string, []any, error) {
	switch t := n.(type) {
	case group:
		return compileGroup(t, cm)
	case condition:
		return compileCondition(t, cm)
	default:
		return "", nil, fault.Internalf("unknown filter node %T", n)
	}
}

func compileGroup(g group, cm ColumnMap) (string, []any, error) {
	if g.op == opNot {
		clause, args, err := compileNode(g.kids[0], cm)
		if err != nil {
			return "", nil, err
		}
		// COALESCE collapses SQL three-valued logic so that a NULL child
		// (missing field) negates to true, matching in-memory evaluation.
		return fmt.Sprintf("NOT COALESCE(%s, 0)", clause), args, nil
	}

	joiner := " AND "
	if g.op == opOr {
		joiner = " OR "
	}
	clauses := make([]string, 0, len(g.kids))
	var args []any
	for _, kid := range g.kids {
		clause, kidArgs, err := compileNode(kid, cm)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, kidArgs...)
	}
	return "(" + strings.Join(clauses, joiner) + ")", args, nil
}

func compileCondition(c condition, cm ColumnMap) (string, []any, error) {
	expr, err := fieldExpr(c.path, cm)
	if err != nil {
		return "", nil, err
	}

	switch c.op {
	case opEq:
		if c.arg == nil {
			return fmt.Sprintf("(%s IS NULL)", expr), nil, nil
		}
		return fmt.Sprintf("(%s = ?)", expr), []any{bindArg(c.arg)}, nil

	case opNe:
		if c.arg == nil {
			return fmt.Sprintf("(%s IS NOT NULL)", expr), nil, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", expr, expr), []any{bindArg(c.arg)}, nil

	case opGt, opGte, opLt, opLte:
		sym := map[string]string{opGt: ">", opGte: ">=", opLt: "<", opLte: "<="}[c.op]
		return fmt.Sprintf("(%s %s ?)", expr, sym), []any{bindArg(c.arg)}, nil

	case opIn:
		list := c.arg.([]any)
		if len(list) == 0 {
			return "(1=0)", nil, nil
		}
		return fmt.Sprintf("(%s IN (%s))", expr, placeholders(len(list))), bindAll(list), nil

	case opNin:
		list := c.arg.([]any)
		if len(list) == 0 {
			return "(1=1)", nil, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, placeholders(len(list))), bindAll(list), nil

	case opExists:
		if c.arg.(bool) {
			return fmt.Sprintf("(%s IS NOT NULL)", expr), nil, nil
		}
		return fmt.Sprintf("(%s IS NULL)", expr), nil, nil

	case opNull:
		if c.arg.(bool) {
			return fmt.Sprintf("(%s IS NULL)", expr), nil, nil
		}
		return fmt.Sprintf("(%s IS NOT NULL)", expr), nil, nil

	case opContains:
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)",
			arrayGuard(expr),
		), []any{bindArg(c.arg)}, nil

	case opAll:
		list := c.arg.([]any)
		clauses := make([]string, 0, len(list))
		var args []any
		for _, elem := range list {
			clauses = append(clauses, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)",
				arrayGuard(expr),
			))
			args = append(args, bindArg(elem))
		}
		return "(" + strings.Join(clauses, " AND ") + ")", args, nil

	case opSize:
		return fmt.Sprintf(
			"(CASE WHEN json_valid(%s) THEN (CASE WHEN json_type(%s) = 'array' THEN json_array_length(%s) ELSE -1 END) ELSE -1 END = ?)",
			expr, expr, expr,
		), []any{c.arg.(int)}, nil

	default:
		return "", nil, fault.Internalf("unknown filter operator %s", c.op)
	}
}

// arrayGuard yields the expression itself when it holds a JSON array and an
// empty array otherwise, so json_each never sees malformed input.
func arrayGuard(expr string) string {
	return fmt.Sprintf(
		"CASE WHEN json_valid(%s) THEN (CASE WHEN json_type(%s) = 'array' THEN %s ELSE '[]' END) ELSE '[]' END",
		expr, expr, expr,
	)
}

func fieldExpr(path string, cm ColumnMap) (string, error) {
	if col, ok := cm.Columns[path]; ok {
		return col, nil
	}
	if cm.JSONColumn == "" {
		return "", fault.BadRequestf("field %q is not filterable here", path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", cm.JSONColumn, path), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func bindAll(list []any) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = bindArg(v)
	}
	return out
}

// bindArg normalizes filter arguments for the driver. Booleans become the
// 0/1 integers json_extract yields for JSON booleans.
func bindArg(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
