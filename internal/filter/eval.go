// ABOUTME: In-memory filter evaluation against canonical message records
// ABOUTME: Mirrors the SQL compilation so both backends accept the same rows

package filter

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Doc is the evaluation view of one record: core fields by name plus the raw
// metadata JSON. Core field names shadow metadata keys.
type Doc struct {
	Fields   map[string]any
	Metadata string
}

// Match reports whether the document satisfies the filter. Missing fields
// never satisfy comparisons; type mismatches never match.
func (f *Filter) Match(doc Doc) bool {
	if f.IsEmpty() {
		return true
	}
	return evalNode(f.root, doc)
}

func evalNode(n node, doc Doc) bool {
	switch t := n.(type) {
	case group:
		switch t.op {
		case opAnd:
			for _, kid := range t.kids {
				if !evalNode(kid, doc) {
					return false
				}
			}
			return true
		case opOr:
			for _, kid := range t.kids {
				if evalNode(kid, doc) {
					return true
				}
			}
			return false
		default: // $not
			return !evalNode(t.kids[0], doc)
		}
	case condition:
		return evalCondition(t, doc)
	default:
		return false
	}
}

func evalCondition(c condition, doc Doc) bool {
	value, present := resolveField(c.path, doc)

	switch c.op {
	case opEq:
		if c.arg == nil {
			return !present
		}
		return present && scalarEqual(value, c.arg)

	case opNe:
		if c.arg == nil {
			return present
		}
		return !present || !scalarEqual(value, c.arg)

	case opGt, opGte, opLt, opLte:
		return present && compareOrdered(c.op, value, c.arg)

	case opIn:
		if !present {
			return false
		}
		for _, elem := range c.arg.([]any) {
			if scalarEqual(value, elem) {
				return true
			}
		}
		return false

	case opNin:
		if !present {
			return true
		}
		for _, elem := range c.arg.([]any) {
			if scalarEqual(value, elem) {
				return false
			}
		}
		return true

	case opExists:
		return present == c.arg.(bool)

	case opNull:
		return present != c.arg.(bool)

	case opContains:
		elems, ok := arrayElems(value)
		if !present || !ok {
			return false
		}
		for _, elem := range elems {
			if scalarEqual(elem, c.arg) {
				return true
			}
		}
		return false

	case opAll:
		elems, ok := arrayElems(value)
		if !present || !ok {
			return false
		}
		for _, want := range c.arg.([]any) {
			found := false
			for _, elem := range elems {
				if scalarEqual(elem, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true

	case opSize:
		elems, ok := arrayElems(value)
		if !present || !ok {
			return false
		}
		return len(elems) == c.arg.(int)

	default:
		return false
	}
}

// resolveField looks a path up in the core fields first, then in the
// metadata JSON. A JSON null counts as absent, matching the SQL backend
// where json_extract returns SQL NULL for both.
func resolveField(path string, doc Doc) (any, bool) {
	if v, ok := doc.Fields[path]; ok {
		if v == nil {
			return nil, false
		}
		return v, true
	}
	if doc.Metadata == "" {
		return nil, false
	}
	res := gjson.Get(doc.Metadata, path)
	if !res.Exists() || res.Type == gjson.Null {
		return nil, false
	}
	return res.Value(), true
}

func arrayElems(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// ordered is a field value normalized the way json_extract surfaces it in
// SQLite: numbers (JSON booleans are the integers 0/1), or text (arrays and
// objects as their compact JSON serialization).
type ordered struct {
	num     float64
	text    string
	numeric bool
}

func orderedValue(v any) ordered {
	if f, ok := toFloat(v); ok {
		return ordered{num: f, numeric: true}
	}
	if s, ok := v.(string); ok {
		return ordered{text: s}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ordered{}
	}
	return ordered{text: string(b)}
}

// scalarEqual compares a field value with a filter argument under SQLite
// equality: numerics compare numerically, text compares exactly, and the two
// classes never equal each other.
func scalarEqual(value, arg any) bool {
	ov, oa := orderedValue(value), orderedValue(arg)
	if ov.numeric != oa.numeric {
		return false
	}
	if ov.numeric {
		return ov.num == oa.num
	}
	return ov.text == oa.text
}

// compareOrdered mirrors SQLite's type ordering: numerics sort before text.
func compareOrdered(op string, value, arg any) bool {
	ov, oa := orderedValue(value), orderedValue(arg)
	var cmp int
	switch {
	case ov.numeric && oa.numeric:
		cmp = compareFloats(ov.num, oa.num)
	case ov.numeric:
		cmp = -1
	case oa.numeric:
		cmp = 1
	default:
		cmp = strings.Compare(ov.text, oa.text)
	}
	return applyOrder(op, cmp)
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case opGt:
		return cmp > 0
	case opGte:
		return cmp >= 0
	case opLt:
		return cmp < 0
	default: // $lte
		return cmp <= 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
