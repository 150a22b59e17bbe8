package query

import (
	"fmt"
	"strings"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/backend/relational"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/security"
)

// ToRelational lowers expr to a parameterized SQL predicate. Soft-deleted and
// archived rows are always excluded (archived documents are reachable only
// through the archive surface), and a restricted scope pins owner_id.
func ToRelational(expr Expr, scope security.Scope) (backend.RelationalQuery, error) {
	var b sqlBuilder
	b.write("deleted_at IS NULL AND archived_at IS NULL")

	if !scope.All {
		b.write(" AND owner_id = ?")
		b.args = append(b.args, scope.OwnerID)
	}
	if expr != nil {
		b.write(" AND (")
		if err := b.expr(expr); err != nil {
			return backend.RelationalQuery{}, err
		}
		b.write(")")
	}
	return backend.RelationalQuery{Where: b.sb.String(), Args: b.args}, nil
}

type sqlBuilder struct {
	sb   strings.Builder
	args []any
}

func (b *sqlBuilder) write(s string) { b.sb.WriteString(s) }

func (b *sqlBuilder) expr(e Expr) error {
	switch n := e.(type) {
	case *Cmp:
		col := relational.ColumnFor(n.Field)
		switch n.Op {
		case OpEq:
			b.write(col + " = ?")
			b.args = append(b.args, n.Value)
		case OpNe:
			b.write(col + " != ?")
			b.args = append(b.args, n.Value)
		case OpGt:
			b.write(col + " > ?")
			b.args = append(b.args, n.Value)
		case OpGte:
			b.write(col + " >= ?")
			b.args = append(b.args, n.Value)
		case OpLt:
			b.write(col + " < ?")
			b.args = append(b.args, n.Value)
		case OpLte:
			b.write(col + " <= ?")
			b.args = append(b.args, n.Value)
		case OpContains:
			b.write(col + " LIKE ?")
			b.args = append(b.args, "%"+fmt.Sprintf("%v", n.Value)+"%")
		case OpStartsWith:
			b.write(col + " LIKE ?")
			b.args = append(b.args, fmt.Sprintf("%v", n.Value)+"%")
		case OpMatches:
			// The SQLite driver registers no REGEXP function; route regexp
			// filters to the graph backend instead.
			return domain.ValidationFailed("regexp match on %s is not supported by the relational backend", n.Field)
		default:
			return domain.ValidationFailed("unsupported comparison %q", n.Op)
		}
	case *In:
		if len(n.Values) == 0 {
			b.write("1 = 0")
			return nil
		}
		b.write(relational.ColumnFor(n.Field) + " IN (")
		for i, v := range n.Values {
			if i > 0 {
				b.write(", ")
			}
			b.write("?")
			b.args = append(b.args, v)
		}
		b.write(")")
	case *Between:
		col := relational.ColumnFor(n.Field)
		b.write(col + " BETWEEN ? AND ?")
		b.args = append(b.args, n.Lo, n.Hi)
	case *IsNull:
		b.write(relational.ColumnFor(n.Field) + " IS NULL")
	case *And:
		return b.logical(" AND ", n.Children)
	case *Or:
		return b.logical(" OR ", n.Children)
	case *Not:
		b.write("NOT (")
		if err := b.expr(n.Child); err != nil {
			return err
		}
		b.write(")")
	default:
		return domain.ValidationFailed("unsupported filter node %T", e)
	}
	return nil
}

func (b *sqlBuilder) logical(op string, children []Expr) error {
	if len(children) == 0 {
		b.write("1 = 1")
		return nil
	}
	for i, c := range children {
		if i > 0 {
			b.write(op)
		}
		b.write("(")
		if err := b.expr(c); err != nil {
			return err
		}
		b.write(")")
	}
	return nil
}

// ToVector lowers a similarity spec plus an optional payload filter. The
// vector store only supports equality constraints joined with AND; anything
// richer is a validation error.
func ToVector(spec *VectorSpec, filter Expr, scope security.Scope) (backend.VectorQuery, error) {
	if spec == nil {
		return backend.VectorQuery{}, domain.ValidationFailed("vector subquery requires a similarity spec")
	}
	q := backend.VectorQuery{
		Vector:         spec.Vector,
		K:              spec.K,
		ScoreThreshold: spec.Threshold,
		Must:           map[string]any{},
	}
	if !scope.All {
		q.Must["owner_id"] = scope.OwnerID
	}
	if filter != nil {
		if err := flattenEq(filter, q.Must); err != nil {
			return backend.VectorQuery{}, err
		}
	}
	if len(q.Must) == 0 {
		q.Must = nil
	}
	return q, nil
}

func flattenEq(e Expr, into map[string]any) error {
	switch n := e.(type) {
	case *Cmp:
		if n.Op != OpEq {
			return domain.ValidationFailed("vector filters support equality only, got %q on %s", n.Op, n.Field)
		}
		into[n.Field] = n.Value
	case *And:
		for _, c := range n.Children {
			if err := flattenEq(c, into); err != nil {
				return err
			}
		}
	default:
		return domain.ValidationFailed("vector filters support equality only, got %T", e)
	}
	return nil
}

// ToGraph lowers expr to a Cypher predicate over Document node properties.
// Literals travel as query parameters, never in the statement text.
func ToGraph(expr Expr, scope security.Scope, limit int) (backend.GraphQuery, error) {
	var b cypherBuilder
	b.params = map[string]any{}
	b.write("MATCH (d:Document)")

	var conds []string
	if !scope.All {
		conds = append(conds, "d.owner_id = $"+b.bind(scope.OwnerID))
	}
	if expr != nil {
		cond, err := b.expr(expr)
		if err != nil {
			return backend.GraphQuery{}, err
		}
		conds = append(conds, cond)
	}
	if len(conds) > 0 {
		b.write(" WHERE " + strings.Join(conds, " AND "))
	}
	b.write(" RETURN d.document_id AS document_id")
	if limit > 0 {
		b.write(fmt.Sprintf(" LIMIT %d", limit))
	}
	return backend.GraphQuery{Cypher: b.sb.String(), Params: b.params}, nil
}

type cypherBuilder struct {
	sb     strings.Builder
	params map[string]any
	n      int
}

func (b *cypherBuilder) write(s string) { b.sb.WriteString(s) }

func (b *cypherBuilder) bind(v any) string {
	name := fmt.Sprintf("p%d", b.n)
	b.n++
	b.params[name] = v
	return name
}

func (b *cypherBuilder) expr(e Expr) (string, error) {
	switch n := e.(type) {
	case *Cmp:
		prop := "d." + n.Field
		switch n.Op {
		case OpEq:
			return prop + " = $" + b.bind(n.Value), nil
		case OpNe:
			return prop + " <> $" + b.bind(n.Value), nil
		case OpGt:
			return prop + " > $" + b.bind(n.Value), nil
		case OpGte:
			return prop + " >= $" + b.bind(n.Value), nil
		case OpLt:
			return prop + " < $" + b.bind(n.Value), nil
		case OpLte:
			return prop + " <= $" + b.bind(n.Value), nil
		case OpContains:
			return prop + " CONTAINS $" + b.bind(fmt.Sprintf("%v", n.Value)), nil
		case OpStartsWith:
			return prop + " STARTS WITH $" + b.bind(fmt.Sprintf("%v", n.Value)), nil
		case OpMatches:
			return prop + " =~ $" + b.bind(fmt.Sprintf("%v", n.Value)), nil
		default:
			return "", domain.ValidationFailed("unsupported comparison %q", n.Op)
		}
	case *In:
		return "d." + n.Field + " IN $" + b.bind(n.Values), nil
	case *Between:
		lo := b.bind(n.Lo)
		hi := b.bind(n.Hi)
		return fmt.Sprintf("d.%s >= $%s AND d.%s <= $%s", n.Field, lo, n.Field, hi), nil
	case *IsNull:
		return "d." + n.Field + " IS NULL", nil
	case *And:
		return b.logical(" AND ", n.Children)
	case *Or:
		return b.logical(" OR ", n.Children)
	case *Not:
		inner, err := b.expr(n.Child)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	default:
		return "", domain.ValidationFailed("unsupported filter node %T", e)
	}
}

func (b *cypherBuilder) logical(op string, children []Expr) (string, error) {
	if len(children) == 0 {
		return "true", nil
	}
	parts := make([]string, 0, len(children))
	for _, c := range children {
		inner, err := b.expr(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+inner+")")
	}
	return strings.Join(parts, op), nil
}
