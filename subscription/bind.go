package subscription

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/ripple/changelog"
)

const defaultBindingCacheSize = 4096

// node is a bound predicate: var and auth operands are resolved to constants
// and glob patterns are compiled
type node struct {
	kind  ExprKind
	args  []*node
	op    CompareOp
	left  operand
	right operand
	glob  glob.Glob
}

type operand struct {
	source Source
	path   string
	value  any
}

// Binding is a definition bound to one auth context and variable set.
// Immutable and shared between subscriptions with identical inputs.
type Binding struct {
	Definition *Definition
	filter     *node
	rowFilter  *node
}

// Evaluate reports whether the record passes the filter and row filter.
// Operation and entity type are checked by the caller.
func (b *Binding) Evaluate(rec *changelog.ChangeRecord) bool {
	if b.filter != nil && !b.filter.eval(rec) {
		return false
	}
	if b.rowFilter != nil && !b.rowFilter.eval(rec) {
		return false
	}
	return true
}

// Binder binds definitions and caches the result
type Binder struct {
	cache *lru.Cache[uint64, *Binding]
}

func NewBinder(cacheSize int) (*Binder, error) {
	if cacheSize <= 0 {
		cacheSize = defaultBindingCacheSize
	}
	cache, err := lru.New[uint64, *Binding](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Binder{cache: cache}, nil
}

// Bind resolves a definition against an auth context and variables
func (b *Binder) Bind(def *Definition, auth AuthContext, vars map[string]any) (*Binding, error) {
	key, err := bindingKey(def, auth, vars)
	if err != nil {
		return nil, Errorf(CodeInvalidVariables, "variables are not serializable: %v", err)
	}
	if cached, ok := b.cache.Get(key); ok && cached.Definition == def {
		return cached, nil
	}

	binding, err := Bind(def, auth, vars)
	if err != nil {
		return nil, err
	}
	b.cache.Add(key, binding)
	return binding, nil
}

func (b *Binder) Len() int {
	return b.cache.Len()
}

func bindingKey(def *Definition, auth AuthContext, vars map[string]any) (uint64, error) {
	roles := append([]string(nil), auth.Roles...)
	sort.Strings(roles)

	// json.Marshal sorts map keys, which makes the key stable
	data, err := json.Marshal(struct {
		Name   string         `json:"n"`
		Filter *Expr          `json:"f"`
		Row    *Expr          `json:"r"`
		Sub    string         `json:"s"`
		Roles  []string       `json:"ro"`
		Claims map[string]any `json:"c"`
		Vars   map[string]any `json:"v"`
	}{def.Name, def.Filter, def.Auth.RowFilter, auth.Subject, roles, auth.Claims, vars})
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

// Bind resolves a definition without caching
func Bind(def *Definition, auth AuthContext, vars map[string]any) (*Binding, error) {
	binding := &Binding{Definition: def}

	var err error
	if def.Filter != nil {
		if binding.filter, err = bindExpr(def.Filter, auth, vars); err != nil {
			return nil, err
		}
	}
	if def.Auth.RowFilter != nil {
		if binding.rowFilter, err = bindExpr(def.Auth.RowFilter, auth, vars); err != nil {
			return nil, err
		}
	}
	return binding, nil
}

func bindExpr(e *Expr, auth AuthContext, vars map[string]any) (*node, error) {
	if err := e.Validate(); err != nil {
		return nil, Errorf(CodeInvalidFilter, "%v", err)
	}
	return bindNode(e, auth, vars)
}

func bindNode(e *Expr, auth AuthContext, vars map[string]any) (*node, error) {
	n := &node{kind: e.Kind, op: e.Op}

	for _, arg := range e.Args {
		child, err := bindNode(arg, auth, vars)
		if err != nil {
			return nil, err
		}
		n.args = append(n.args, child)
	}

	var err error
	if e.Left != nil {
		if n.left, err = bindOperand(e.Left, auth, vars); err != nil {
			return nil, err
		}
	}
	if e.Right != nil && e.Op != OpIsNull {
		if n.right, err = bindOperand(e.Right, auth, vars); err != nil {
			return nil, err
		}
	}

	if e.Kind == KindCompare && e.Op == OpMatches {
		pattern, ok := n.right.value.(string)
		if !ok {
			return nil, invalidOperand(e.Right, "matches pattern must be a string")
		}
		if n.glob, err = glob.Compile(pattern); err != nil {
			return nil, invalidOperand(e.Right, fmt.Sprintf("invalid pattern %q: %v", pattern, err))
		}
	}
	return n, nil
}

func invalidOperand(o *Operand, msg string) error {
	if o.Source == SourceVar {
		return Errorf(CodeInvalidVariables, "variable %s: %s", o.Path, msg)
	}
	return Errorf(CodeInvalidFilter, "%s", msg)
}

func bindOperand(o *Operand, auth AuthContext, vars map[string]any) (operand, error) {
	switch o.Source {
	case SourceVar:
		v, ok := vars[o.Path]
		if !ok {
			return operand{}, Errorf(CodeInvalidVariables, "missing variable %s", o.Path)
		}
		if !isValue(v) {
			return operand{}, Errorf(CodeInvalidVariables, "variable %s has unsupported type %T", o.Path, v)
		}
		return operand{source: SourceConst, value: v}, nil
	case SourceAuth:
		// missing claims bind to null, which fails every comparison but is_null
		v, _ := auth.claim(o.Path)
		return operand{source: SourceConst, value: v}, nil
	case SourceConst:
		if !isValue(o.Value) {
			return operand{}, Errorf(CodeInvalidFilter, "constant has unsupported type %T", o.Value)
		}
		return operand{source: SourceConst, value: o.Value}, nil
	}
	return operand{source: o.Source, path: o.Path}, nil
}

// isValue accepts the scalar, list and map shapes produced by JSON, TOML
// and msgpack decoders
func isValue(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := toNumber(v); ok {
		return true
	}
	switch v.(type) {
	case string, bool, map[string]any:
		return true
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
