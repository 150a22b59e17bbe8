// Package query plans and executes polyglot reads: each subquery runs
// against one backend in that backend's native form, and the planner joins
// the id sets.
package query

import (
	"fmt"
	"strings"
)

// Expr is a backend-neutral filter tree. Translators lower it to the native
// query form of each backend; an expression a backend cannot express is a
// validation error, never a silent drop.
type Expr interface {
	exprNode()
	String() string
}

// Cmp is a single field comparison.
type Cmp struct {
	Field string
	Op    CmpOp
	Value any
}

type CmpOp string

const (
	OpEq         CmpOp = "eq"
	OpNe         CmpOp = "ne"
	OpGt         CmpOp = "gt"
	OpGte        CmpOp = "gte"
	OpLt         CmpOp = "lt"
	OpLte        CmpOp = "lte"
	OpContains   CmpOp = "contains"
	OpStartsWith CmpOp = "starts_with"
	OpMatches    CmpOp = "matches_regex"
)

func (*Cmp) exprNode() {}

func (c *Cmp) String() string { return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value) }

// In matches when the field equals any listed value.
type In struct {
	Field  string
	Values []any
}

func (*In) exprNode() {}

func (i *In) String() string { return fmt.Sprintf("%s in %v", i.Field, i.Values) }

// Between matches when Lo <= field <= Hi.
type Between struct {
	Field  string
	Lo, Hi any
}

func (*Between) exprNode() {}

func (b *Between) String() string { return fmt.Sprintf("%s between %v and %v", b.Field, b.Lo, b.Hi) }

// And matches when every child matches.
type And struct {
	Children []Expr
}

func (*And) exprNode() {}

func (a *And) String() string { return joinChildren("and", a.Children) }

// Or matches when any child matches.
type Or struct {
	Children []Expr
}

func (*Or) exprNode() {}

func (o *Or) String() string { return joinChildren("or", o.Children) }

// Not inverts its child.
type Not struct {
	Child Expr
}

func (*Not) exprNode() {}

func (n *Not) String() string { return "not (" + n.Child.String() + ")" }

// IsNull matches when the field is absent or null.
type IsNull struct {
	Field string
}

func (*IsNull) exprNode() {}

func (n *IsNull) String() string { return n.Field + " is null" }

func joinChildren(op string, children []Expr) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = "(" + c.String() + ")"
	}
	return strings.Join(parts, " "+op+" ")
}

// Convenience constructors keep planner call sites terse.

func Eq(field string, value any) Expr  { return &Cmp{Field: field, Op: OpEq, Value: value} }
func Ne(field string, value any) Expr  { return &Cmp{Field: field, Op: OpNe, Value: value} }
func Gt(field string, value any) Expr  { return &Cmp{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Expr { return &Cmp{Field: field, Op: OpGte, Value: value} }
func Lt(field string, value any) Expr  { return &Cmp{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value any) Expr { return &Cmp{Field: field, Op: OpLte, Value: value} }

func Contains(field, substr string) Expr {
	return &Cmp{Field: field, Op: OpContains, Value: substr}
}

func StartsWith(field, prefix string) Expr {
	return &Cmp{Field: field, Op: OpStartsWith, Value: prefix}
}

func Matches(field, pattern string) Expr {
	return &Cmp{Field: field, Op: OpMatches, Value: pattern}
}

func AnyOf(field string, values ...any) Expr { return &In{Field: field, Values: values} }

func Range(field string, lo, hi any) Expr { return &Between{Field: field, Lo: lo, Hi: hi} }

func AllOf(children ...Expr) Expr { return &And{Children: children} }

func OneOf(children ...Expr) Expr { return &Or{Children: children} }

func Negate(child Expr) Expr { return &Not{Child: child} }

func Null(field string) Expr { return &IsNull{Field: field} }
