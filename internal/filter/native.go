// ABOUTME: Splits a filter into vector-store-native terms and a residual tree
// ABOUTME: Native covers equality/range/in on indexed fields; the rest is post-filtered

package filter

// NativeCaps describes what a vector backend can filter natively: the set of
// indexed fields, over equality, range, and $in.
type NativeCaps struct {
	Fields map[string]bool
}

var nativeOps = map[string]bool{
	opEq: true, opGt: true, opGte: true, opLt: true, opLte: true, opIn: true,
}

// SplitNative partitions the filter into a native part the vector store can
// apply during candidate selection and a residual part the hybrid store
// evaluates against canonical records afterward. Only top-level conjuncts
// are promoted; disjunctions, negations, and unsupported operators stay
// residual. Either result may be nil when empty.
func (f *Filter) SplitNative(caps NativeCaps) (native, residual *Filter) {
	if f.IsEmpty() {
		return nil, nil
	}

	conjuncts := []node{f.root}
	if g, ok := f.root.(group); ok && g.op == opAnd {
		conjuncts = g.kids
	}

	var nat, res []node
	for _, n := range conjuncts {
		if c, ok := n.(condition); ok && caps.Fields[c.path] && nativeOps[c.op] {
			nat = append(nat, n)
			continue
		}
		res = append(res, n)
	}

	return fromConjuncts(nat), fromConjuncts(res)
}

func fromConjuncts(kids []node) *Filter {
	switch len(kids) {
	case 0:
		return nil
	case 1:
		return &Filter{root: kids[0]}
	default:
		return &Filter{root: group{op: opAnd, kids: kids}}
	}
}
