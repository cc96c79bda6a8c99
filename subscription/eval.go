package subscription

import (
	"cmp"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/maxpert/ripple/changelog"
)

func (n *node) eval(rec *changelog.ChangeRecord) bool {
	switch n.kind {
	case KindAnd:
		for _, arg := range n.args {
			if !arg.eval(rec) {
				return false
			}
		}
		return true
	case KindOr:
		for _, arg := range n.args {
			if arg.eval(rec) {
				return true
			}
		}
		return false
	case KindNot:
		return !n.args[0].eval(rec)
	case KindHasField:
		_, ok := n.left.resolve(rec)
		return ok
	case KindChanged:
		before, hadBefore := rec.Before.Lookup(n.left.path)
		after, hasAfter := rec.After.Lookup(n.left.path)
		if hadBefore != hasAfter {
			return true
		}
		return hasAfter && !equal(before, after)
	case KindCompare:
		return n.compare(rec)
	}
	return false
}

func (n *node) compare(rec *changelog.ChangeRecord) bool {
	left, ok := n.left.resolve(rec)
	if n.op == OpIsNull {
		return !ok || left == nil
	}
	if !ok {
		return false
	}
	right, ok := n.right.resolve(rec)
	if !ok {
		return false
	}

	switch n.op {
	case OpEq:
		return equal(left, right)
	case OpNe:
		return !equal(left, right)
	case OpGt:
		c, ok := order(left, right)
		return ok && c > 0
	case OpGte:
		c, ok := order(left, right)
		return ok && c >= 0
	case OpLt:
		c, ok := order(left, right)
		return ok && c < 0
	case OpLte:
		c, ok := order(left, right)
		return ok && c <= 0
	case OpIn:
		list, ok := toList(right)
		if !ok {
			return false
		}
		for _, el := range list {
			if equal(left, el) {
				return true
			}
		}
		return false
	case OpContains:
		if s, ok := left.(string); ok {
			sub, ok := right.(string)
			return ok && strings.Contains(s, sub)
		}
		list, ok := toList(left)
		if !ok {
			return false
		}
		for _, el := range list {
			if equal(el, right) {
				return true
			}
		}
		return false
	case OpMatches:
		s, ok := left.(string)
		return ok && n.glob.Match(s)
	}
	return false
}

func (o operand) resolve(rec *changelog.ChangeRecord) (any, bool) {
	switch o.source {
	case SourceConst:
		return o.value, true
	case SourceAfter:
		return rec.After.Lookup(o.path)
	case SourceBefore:
		return rec.Before.Lookup(o.path)
	case SourceCurrent:
		return rec.Current().Lookup(o.path)
	}
	return nil, false
}

// equal compares numbers by value regardless of their Go type
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		if !ok {
			return false
		}
		c, ok := compareNumbers(na, nb)
		return ok && c == 0
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	if la, ok := toList(a); ok {
		lb, ok := toList(b)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// order compares two numbers or two strings
func order(a, b any) (int, bool) {
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		return compareNumbers(na, nb)
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

type numKind uint8

const (
	numInt numKind = iota
	numUint
	numFloat
)

// number keeps integers exact; only genuine floats use f
type number struct {
	kind numKind
	i    int64
	u    uint64
	f    float64
}

func toNumber(v any) (number, bool) {
	switch n := v.(type) {
	case int:
		return number{kind: numInt, i: int64(n)}, true
	case int8:
		return number{kind: numInt, i: int64(n)}, true
	case int16:
		return number{kind: numInt, i: int64(n)}, true
	case int32:
		return number{kind: numInt, i: int64(n)}, true
	case int64:
		return number{kind: numInt, i: n}, true
	case uint:
		return number{kind: numUint, u: uint64(n)}, true
	case uint8:
		return number{kind: numUint, u: uint64(n)}, true
	case uint16:
		return number{kind: numUint, u: uint64(n)}, true
	case uint32:
		return number{kind: numUint, u: uint64(n)}, true
	case uint64:
		return number{kind: numUint, u: n}, true
	case float32:
		return number{kind: numFloat, f: float64(n)}, true
	case float64:
		return number{kind: numFloat, f: n}, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return number{kind: numInt, i: i}, true
		}
		if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
			return number{kind: numUint, u: u}, true
		}
		f, err := n.Float64()
		return number{kind: numFloat, f: f}, err == nil
	}
	return number{}, false
}

// integer folds a float with no fractional part into the integer kinds so
// it compares exactly against large integers
func (n number) integer() (number, bool) {
	switch n.kind {
	case numInt, numUint:
		return n, true
	}
	if math.IsNaN(n.f) || math.IsInf(n.f, 0) || n.f != math.Trunc(n.f) {
		return n, false
	}
	switch {
	case n.f >= -(1<<63) && n.f < (1<<63):
		return number{kind: numInt, i: int64(n.f)}, true
	case n.f >= (1<<63) && n.f < (1<<64):
		return number{kind: numUint, u: uint64(n.f)}, true
	}
	return n, false
}

func (n number) float() float64 {
	switch n.kind {
	case numInt:
		return float64(n.i)
	case numUint:
		return float64(n.u)
	}
	return n.f
}

// compareNumbers orders two numbers. NaN is unordered.
func compareNumbers(a, b number) (int, bool) {
	ia, aok := a.integer()
	ib, bok := b.integer()
	if aok && bok {
		return compareIntegers(ia, ib), true
	}

	fa, fb := a.float(), b.float()
	if math.IsNaN(fa) || math.IsNaN(fb) {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

func compareIntegers(a, b number) int {
	if a.kind == numInt && b.kind == numInt {
		return cmp.Compare(a.i, b.i)
	}
	if a.kind == numUint && b.kind == numUint {
		return cmp.Compare(a.u, b.u)
	}
	// mixed sign: a negative int64 sorts below every uint64
	if a.kind == numInt {
		if a.i < 0 {
			return -1
		}
		return cmp.Compare(uint64(a.i), b.u)
	}
	if b.i < 0 {
		return 1
	}
	return cmp.Compare(a.u, uint64(b.i))
}

func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
