package expr

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// Walk visits e and its operands depth-first. Returning false from fn stops
// descent into the current node.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case Not:
		Walk(n.Expr, fn)
	case IsNull:
		Walk(n.Expr, fn)
	case In:
		Walk(n.Expr, fn)
		for _, l := range n.List {
			Walk(l, fn)
		}
	case Like:
		Walk(n.Expr, fn)
	case Alias:
		Walk(n.Expr, fn)
	}
}

// Columns returns the distinct columns referenced by the expressions, in
// first-seen order.
func Columns(exprs ...Expr) []Column {
	seen := make(map[Column]bool)
	var out []Column
	for _, e := range exprs {
		Walk(e, func(n Expr) bool {
			if c, ok := n.(Column); ok && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
			return true
		})
	}
	return out
}

// Literals returns every literal in e.
func Literals(e Expr) []Literal {
	var out []Literal
	Walk(e, func(n Expr) bool {
		if l, ok := n.(Literal); ok {
			out = append(out, l)
		}
		return true
	})
	return out
}

// Conjuncts splits e on top-level ANDs.
func Conjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(Binary); ok && b.Op == OpAnd {
		return append(Conjuncts(b.Left), Conjuncts(b.Right)...)
	}
	return []Expr{e}
}

// IsColumn reports whether e is a bare column reference, possibly aliased to
// its own name.
func IsColumn(e Expr) (Column, bool) {
	switch n := e.(type) {
	case Column:
		return n, true
	case Alias:
		if c, ok := n.Expr.(Column); ok && c.Name == n.Name {
			return c, true
		}
	}
	return Column{}, false
}

// OutputName is the column name an expression produces in a projection.
func OutputName(e Expr) string {
	switch n := e.(type) {
	case Alias:
		return n.Name
	case Column:
		return n.Name
	default:
		return e.String()
	}
}

// Resolve finds the index of c in schema. A qualified column matches a field
// named "relation.name" or, failing that, a field named "name". An
// unqualified column matches a field named "name" or a single field with
// suffix ".name".
func Resolve(schema *arrow.Schema, c Column) (int, error) {
	if c.Relation != "" {
		if idx := schema.FieldIndices(c.Relation + "." + c.Name); len(idx) == 1 {
			return idx[0], nil
		}
	}
	switch idx := schema.FieldIndices(c.Name); len(idx) {
	case 1:
		return idx[0], nil
	case 0:
	default:
		return -1, errors.Newf(errors.ErrorTypeQuery, "column %s is ambiguous", c)
	}
	if c.Relation == "" {
		found := -1
		for i, f := range schema.Fields() {
			if strings.HasSuffix(f.Name, "."+c.Name) {
				if found >= 0 {
					return -1, errors.Newf(errors.ErrorTypeQuery, "column %s is ambiguous", c)
				}
				found = i
			}
		}
		if found >= 0 {
			return found, nil
		}
	}
	return -1, errors.Newf(errors.ErrorTypeQuery, "column %s not found", c)
}

// TypeOf infers the Arrow type of e over schema.
func TypeOf(e Expr, schema *arrow.Schema) (arrow.DataType, error) {
	switch n := e.(type) {
	case Column:
		idx, err := Resolve(schema, n)
		if err != nil {
			return nil, err
		}
		return schema.Field(idx).Type, nil
	case Literal:
		if n.Type == nil {
			return arrow.Null, nil
		}
		return n.Type, nil
	case Alias:
		return TypeOf(n.Expr, schema)
	case Binary:
		lt, err := TypeOf(n.Left, schema)
		if err != nil {
			return nil, err
		}
		rt, err := TypeOf(n.Right, schema)
		if err != nil {
			return nil, err
		}
		if !n.Op.IsArithmetic() {
			return arrow.FixedWidthTypes.Boolean, nil
		}
		return arithmeticType(lt, rt)
	case Not, IsNull, In, Like:
		for _, c := range Columns(e) {
			if _, err := Resolve(schema, c); err != nil {
				return nil, err
			}
		}
		return arrow.FixedWidthTypes.Boolean, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeQuery, "cannot type expression %s", e)
	}
}

func arithmeticType(l, r arrow.DataType) (arrow.DataType, error) {
	switch {
	case !isNumeric(l) || !isNumeric(r):
		return nil, errors.Newf(errors.ErrorTypeQuery, "arithmetic on %s and %s", l, r)
	case isInteger(l) && isInteger(r):
		return arrow.PrimitiveTypes.Int64, nil
	default:
		return arrow.PrimitiveTypes.Float64, nil
	}
}

// AggregateType infers the output type of an aggregate over schema.
func AggregateType(a Aggregate, schema *arrow.Schema) (arrow.DataType, error) {
	if a.Func == AggCount {
		if a.Arg != nil {
			if _, err := TypeOf(a.Arg, schema); err != nil {
				return nil, err
			}
		}
		return arrow.PrimitiveTypes.Int64, nil
	}
	if a.Arg == nil {
		return nil, errors.Newf(errors.ErrorTypeQuery, "%s requires an argument", a.Func)
	}
	t, err := TypeOf(a.Arg, schema)
	if err != nil {
		return nil, err
	}
	switch a.Func {
	case AggMin, AggMax:
		return t, nil
	case AggAvg:
		if !isNumeric(t) {
			return nil, errors.Newf(errors.ErrorTypeQuery, "avg of %s", t)
		}
		return arrow.PrimitiveTypes.Float64, nil
	case AggSum:
		switch {
		case isInteger(t):
			return arrow.PrimitiveTypes.Int64, nil
		case t.ID() == arrow.DECIMAL128:
			return &arrow.Decimal128Type{Precision: 38, Scale: t.(*arrow.Decimal128Type).Scale}, nil
		case isNumeric(t):
			return arrow.PrimitiveTypes.Float64, nil
		}
		return nil, errors.Newf(errors.ErrorTypeQuery, "sum of %s", t)
	}
	return nil, errors.Newf(errors.ErrorTypeQuery, "unknown aggregate %q", a.Func)
}

func isInteger(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	}
	return false
}

func isNumeric(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64, arrow.DECIMAL128:
		return true
	}
	return isInteger(t)
}

// Unqualify strips relation qualifiers from every column in e.
func Unqualify(e Expr) Expr {
	return Transform(e, func(n Expr) Expr {
		if c, ok := n.(Column); ok {
			return Column{Name: c.Name}
		}
		return n
	})
}

// Transform rebuilds e bottom-up, replacing each node with fn(node).
func Transform(e Expr, fn func(Expr) Expr) Expr {
	switch n := e.(type) {
	case Binary:
		n.Left = Transform(n.Left, fn)
		n.Right = Transform(n.Right, fn)
		return fn(n)
	case Not:
		n.Expr = Transform(n.Expr, fn)
		return fn(n)
	case IsNull:
		n.Expr = Transform(n.Expr, fn)
		return fn(n)
	case In:
		n.Expr = Transform(n.Expr, fn)
		return fn(n)
	case Like:
		n.Expr = Transform(n.Expr, fn)
		return fn(n)
	case Alias:
		n.Expr = Transform(n.Expr, fn)
		return fn(n)
	case nil:
		return nil
	default:
		return fn(e)
	}
}
