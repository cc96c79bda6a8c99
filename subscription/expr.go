package subscription

import "fmt"

// maxExprDepth bounds predicate nesting; compiled filters are shallow
const maxExprDepth = 64

// ExprKind is the node type of a predicate tree
type ExprKind string

const (
	KindAnd      ExprKind = "and"
	KindOr       ExprKind = "or"
	KindNot      ExprKind = "not"
	KindCompare  ExprKind = "compare"
	KindHasField ExprKind = "has_field"
	KindChanged  ExprKind = "changed"
)

// CompareOp is a comparison operator
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpNe       CompareOp = "ne"
	OpGt       CompareOp = "gt"
	OpGte      CompareOp = "gte"
	OpLt       CompareOp = "lt"
	OpLte      CompareOp = "lte"
	OpIn       CompareOp = "in"
	OpContains CompareOp = "contains"
	OpMatches  CompareOp = "matches"
	OpIsNull   CompareOp = "is_null"
)

var compareOps = map[CompareOp]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpContains: true, OpMatches: true, OpIsNull: true,
}

// Source says where an operand's value comes from
type Source string

const (
	SourceAfter   Source = "after"
	SourceBefore  Source = "before"
	SourceCurrent Source = "current" // after, or before for deletes
	SourceConst   Source = "const"
	SourceVar     Source = "var"  // runtime variable bound at subscribe time
	SourceAuth    Source = "auth" // claim of the subscriber's auth context
)

func (s Source) fromRecord() bool {
	return s == SourceAfter || s == SourceBefore || s == SourceCurrent
}

// Operand is a leaf of a comparison
type Operand struct {
	Source Source `json:"source"`
	Path   string `json:"path,omitempty"`
	Value  any    `json:"value"`
}

// Expr is a node of a compiled filter predicate. Kind selects which fields
// are meaningful: Args for and/or/not, Op with Left/Right for compare, Left
// for has_field and changed.
type Expr struct {
	Kind  ExprKind  `json:"kind"`
	Args  []*Expr   `json:"args,omitempty"`
	Op    CompareOp `json:"op,omitempty"`
	Left  *Operand  `json:"left,omitempty"`
	Right *Operand  `json:"right,omitempty"`
}

func And(args ...*Expr) *Expr { return &Expr{Kind: KindAnd, Args: args} }
func Or(args ...*Expr) *Expr  { return &Expr{Kind: KindOr, Args: args} }
func Not(arg *Expr) *Expr     { return &Expr{Kind: KindNot, Args: []*Expr{arg}} }

func Compare(op CompareOp, left, right *Operand) *Expr {
	return &Expr{Kind: KindCompare, Op: op, Left: left, Right: right}
}

func IsNull(field *Operand) *Expr {
	return &Expr{Kind: KindCompare, Op: OpIsNull, Left: field}
}

func HasField(field *Operand) *Expr {
	return &Expr{Kind: KindHasField, Left: field}
}

// Changed is true when the field differs between before and after
func Changed(path string) *Expr {
	return &Expr{Kind: KindChanged, Left: &Operand{Source: SourceCurrent, Path: path}}
}

func After(path string) *Operand   { return &Operand{Source: SourceAfter, Path: path} }
func Before(path string) *Operand  { return &Operand{Source: SourceBefore, Path: path} }
func Current(path string) *Operand { return &Operand{Source: SourceCurrent, Path: path} }
func Const(v any) *Operand         { return &Operand{Source: SourceConst, Value: v} }
func Var(name string) *Operand     { return &Operand{Source: SourceVar, Path: name} }
func Auth(claim string) *Operand   { return &Operand{Source: SourceAuth, Path: claim} }

// Validate checks the tree is well formed. It does not resolve variables.
func (e *Expr) Validate() error {
	return e.validate(0)
}

func (e *Expr) validate(depth int) error {
	if e == nil {
		return fmt.Errorf("nil expression")
	}
	if depth > maxExprDepth {
		return fmt.Errorf("expression nested deeper than %d", maxExprDepth)
	}

	switch e.Kind {
	case KindAnd, KindOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("%s requires at least one argument", e.Kind)
		}
	case KindNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("not requires exactly one argument")
		}
	case KindCompare:
		if !compareOps[e.Op] {
			return fmt.Errorf("unknown comparison %q", e.Op)
		}
		if err := e.Left.validate(); err != nil {
			return fmt.Errorf("%s left: %w", e.Op, err)
		}
		if e.Op == OpIsNull {
			return nil
		}
		if err := e.Right.validate(); err != nil {
			return fmt.Errorf("%s right: %w", e.Op, err)
		}
		if e.Op == OpMatches && e.Right.Source.fromRecord() {
			return fmt.Errorf("matches requires a constant pattern")
		}
		return nil
	case KindHasField, KindChanged:
		if err := e.Left.validate(); err != nil {
			return fmt.Errorf("%s: %w", e.Kind, err)
		}
		if !e.Left.Source.fromRecord() {
			return fmt.Errorf("%s requires a record field", e.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown expression kind %q", e.Kind)
	}

	for _, arg := range e.Args {
		if err := arg.validate(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operand) validate() error {
	if o == nil {
		return fmt.Errorf("missing operand")
	}
	switch o.Source {
	case SourceAfter, SourceBefore, SourceCurrent, SourceVar, SourceAuth:
		if o.Path == "" {
			return fmt.Errorf("%s operand requires a path", o.Source)
		}
	case SourceConst:
	default:
		return fmt.Errorf("unknown operand source %q", o.Source)
	}
	return nil
}
