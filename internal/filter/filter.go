// ABOUTME: Mongo-style operator tree parsing and validation for message filters
// ABOUTME: One pre-flight pass rejects malformed input before any store sees it

package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/2389/coven-mesh/internal/fault"
)

// Supported operators.
const (
	opEq       = "$eq"
	opNe       = "$ne"
	opGt       = "$gt"
	opGte      = "$gte"
	opLt       = "$lt"
	opLte      = "$lte"
	opIn       = "$in"
	opNin      = "$nin"
	opContains = "$contains"
	opAll      = "$all"
	opSize     = "$size"
	opAnd      = "$and"
	opOr       = "$or"
	opNot      = "$not"
	opExists   = "$exists"
	opNull     = "$null"
)

var comparisonOps = map[string]bool{
	opEq: true, opNe: true, opGt: true, opGte: true, opLt: true, opLte: true,
	opIn: true, opNin: true, opContains: true, opAll: true, opSize: true,
	opExists: true, opNull: true,
}

var rangeOps = map[string]bool{opGt: true, opGte: true, opLt: true, opLte: true}

// segmentRE constrains each dot-separated segment of a field path. Keeping
// paths to this alphabet lets the SQL backend interpolate JSON paths safely.
var segmentRE = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// Filter is a validated operator tree. The zero value (and nil) matches
// every record.
type Filter struct {
	root node
}

type node interface {
	isNode()
}

// condition is a single (field, operator, argument) leaf.
type condition struct {
	path string
	op   string
	arg  any
}

// group combines child nodes with $and, $or, or $not.
type group struct {
	op   string
	kids []node
}

func (condition) isNode() {}
func (group) isNode()     {}

// IsEmpty reports whether the filter matches everything.
func (f *Filter) IsEmpty() bool {
	return f == nil || f.root == nil
}

// Parse validates a JSON-shaped operator tree and returns the compiled
// filter. Every malformed construct fails with a BadRequest fault naming the
// offending path; stores never see an unvalidated tree.
func Parse(input map[string]any) (*Filter, error) {
	if len(input) == 0 {
		return &Filter{}, nil
	}
	root, err := parseClauseMap("", input)
	if err != nil {
		return nil, err
	}
	return &Filter{root: root}, nil
}

// parseClauseMap parses one clause level: logical operators or field
// conditions. Multiple fields combine as an implicit conjunction.
func parseClauseMap(path string, m map[string]any) (node, error) {
	if len(m) == 0 {
		return nil, fault.BadRequestf("filter clause at %q is empty", displayPath(path))
	}

	keys := make([]string, 0, len(m))
	hasLogical, hasField := false, false
	for k := range m {
		keys = append(keys, k)
		if k == opAnd || k == opOr || k == opNot {
			hasLogical = true
		} else if !strings.HasPrefix(k, "$") {
			hasField = true
		}
	}
	if hasLogical && hasField {
		return nil, fault.BadRequestf("filter mixes field conditions and logical operators at %q", displayPath(path))
	}
	sort.Strings(keys)

	var kids []node
	for _, k := range keys {
		child, err := parseClauseEntry(path, k, m[k])
		if err != nil {
			return nil, err
		}
		kids = append(kids, child)
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	return group{op: opAnd, kids: kids}, nil
}

func parseClauseEntry(path, key string, value any) (node, error) {
	childPath := joinPath(path, key)
	switch {
	case key == opAnd || key == opOr:
		clauses, ok := value.([]any)
		if !ok {
			return nil, fault.BadRequestf("argument to %s at %q must be an array of clauses", key, displayPath(childPath))
		}
		if len(clauses) == 0 {
			return nil, fault.BadRequestf("%s at %q must not be empty", key, displayPath(childPath))
		}
		g := group{op: key}
		for i, c := range clauses {
			cm, ok := c.(map[string]any)
			if !ok {
				return nil, fault.BadRequestf("clause %d of %s at %q must be an object", i, key, displayPath(childPath))
			}
			child, err := parseClauseMap(fmt.Sprintf("%s[%d]", childPath, i), cm)
			if err != nil {
				return nil, err
			}
			g.kids = append(g.kids, child)
		}
		return g, nil

	case key == opNot:
		cm, ok := value.(map[string]any)
		if !ok || len(cm) == 0 {
			return nil, fault.BadRequestf("argument to $not at %q must be a single clause object", displayPath(childPath))
		}
		child, err := parseClauseMap(childPath, cm)
		if err != nil {
			return nil, err
		}
		return group{op: opNot, kids: []node{child}}, nil

	case strings.HasPrefix(key, "$"):
		return nil, fault.BadRequestf("unknown operator %s at %q", key, displayPath(childPath))

	default:
		if err := validatePath(key); err != nil {
			return nil, err
		}
		return parseFieldValue(key, childPath, value)
	}
}

// parseFieldValue parses the right-hand side of a field entry: either an
// operator map or a bare value (sugar for $eq).
func parseFieldValue(field, path string, value any) (node, error) {
	opMap, ok := value.(map[string]any)
	if !ok {
		if err := validateScalarArg(opEq, path, value); err != nil {
			return nil, err
		}
		return condition{path: field, op: opEq, arg: value}, nil
	}

	dollar, plain := 0, 0
	for k := range opMap {
		if strings.HasPrefix(k, "$") {
			dollar++
		} else {
			plain++
		}
	}
	if dollar == 0 {
		return nil, fault.BadRequestf("nested object at %q must use dot notation or operators", displayPath(path))
	}
	if plain > 0 {
		return nil, fault.BadRequestf("operator map at %q mixes operators and plain keys", displayPath(path))
	}

	ops := make([]string, 0, len(opMap))
	for k := range opMap {
		ops = append(ops, k)
	}
	sort.Strings(ops)

	var kids []node
	for _, op := range ops {
		child, err := parseFieldOperator(field, joinPath(path, op), op, opMap[op])
		if err != nil {
			return nil, err
		}
		kids = append(kids, child)
	}
	if len(kids) == 1 {
		return kids[0], nil
	}
	return group{op: opAnd, kids: kids}, nil
}

func parseFieldOperator(field, path, op string, arg any) (node, error) {
	if op == opNot {
		cm, ok := arg.(map[string]any)
		if !ok || len(cm) == 0 {
			return nil, fault.BadRequestf("argument to $not at %q must be an operator object", displayPath(path))
		}
		child, err := parseFieldValue(field, path, cm)
		if err != nil {
			return nil, err
		}
		return group{op: opNot, kids: []node{child}}, nil
	}
	if !comparisonOps[op] {
		return nil, fault.BadRequestf("unknown operator %s at %q", op, displayPath(path))
	}

	switch op {
	case opIn, opNin, opAll:
		list, ok := arg.([]any)
		if !ok {
			return nil, fault.BadRequestf("argument to %s at %q must be an array", op, displayPath(path))
		}
		if op == opAll && len(list) == 0 {
			return nil, fault.BadRequestf("argument to $all at %q must not be empty", displayPath(path))
		}
		for i, elem := range list {
			if err := validateScalarArg(op, fmt.Sprintf("%s[%d]", path, i), elem); err != nil {
				return nil, err
			}
		}
		return condition{path: field, op: op, arg: list}, nil

	case opSize:
		n, ok := intArg(arg)
		if !ok || n < 0 {
			return nil, fault.BadRequestf("argument to $size at %q must be a non-negative integer", displayPath(path))
		}
		return condition{path: field, op: op, arg: n}, nil

	case opExists, opNull:
		b, ok := arg.(bool)
		if !ok {
			return nil, fault.BadRequestf("argument to %s at %q must be a boolean", op, displayPath(path))
		}
		return condition{path: field, op: op, arg: b}, nil

	default:
		if rangeOps[op] {
			if !isNumber(arg) && !isString(arg) {
				return nil, fault.BadRequestf("argument to %s at %q must be a number or string", op, displayPath(path))
			}
		} else if err := validateScalarArg(op, path, arg); err != nil {
			return nil, err
		}
		return condition{path: field, op: op, arg: arg}, nil
	}
}

// validateScalarArg rejects arrays and objects as arguments to scalar
// operators. Null is allowed for $eq/$ne.
func validateScalarArg(op, path string, arg any) error {
	switch arg.(type) {
	case nil:
		if op == opEq || op == opNe {
			return nil
		}
		return fault.BadRequestf("argument to %s at %q must not be null", op, displayPath(path))
	case map[string]any:
		return fault.BadRequestf("argument to %s at %q must be a scalar", op, displayPath(path))
	case []any:
		return fault.BadRequestf("argument to %s at %q must be a scalar", op, displayPath(path))
	default:
		return nil
	}
}

func validatePath(field string) error {
	for _, seg := range strings.Split(field, ".") {
		if !segmentRE.MatchString(seg) {
			return fault.BadRequestf("field path %q is invalid", field)
		}
	}
	return nil
}

func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
