// Package expr defines the scalar and aggregate expressions used by logical
// plans, together with their local evaluation over Arrow records.
package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/columnar"
)

// Expr is a scalar expression.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Column references a column by name, optionally qualified by relation.
type Column struct {
	Relation string
	Name     string
}

// Literal is a typed constant. A nil Value is SQL NULL.
type Literal struct {
	Value interface{}
	Type  arrow.DataType
}

// Op is a binary operator.
type Op string

// Binary operators.
const (
	OpEq    Op = "="
	OpNotEq Op = "<>"
	OpLt    Op = "<"
	OpLtEq  Op = "<="
	OpGt    Op = ">"
	OpGtEq  Op = ">="
	OpAnd   Op = "AND"
	OpOr    Op = "OR"
	OpAdd   Op = "+"
	OpSub   Op = "-"
	OpMul   Op = "*"
	OpDiv   Op = "/"
)

// IsComparison reports whether op compares two values.
func (op Op) IsComparison() bool {
	switch op {
	case OpEq, OpNotEq, OpLt, OpLtEq, OpGt, OpGtEq:
		return true
	}
	return false
}

// IsArithmetic reports whether op computes a number.
func (op Op) IsArithmetic() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv:
		return true
	}
	return false
}

// Binary applies Op to two operands.
type Binary struct {
	Op          Op
	Left, Right Expr
}

// Not negates a boolean expression.
type Not struct {
	Expr Expr
}

// IsNull tests for NULL, or for NOT NULL when Negated.
type IsNull struct {
	Expr    Expr
	Negated bool
}

// In tests membership in a literal list.
type In struct {
	Expr    Expr
	List    []Literal
	Negated bool
}

// Like matches a string against a SQL pattern with % and _ wildcards.
type Like struct {
	Expr    Expr
	Pattern string
	Negated bool
}

// Alias names the output of an expression in a projection.
type Alias struct {
	Expr Expr
	Name string
}

func (Column) isExpr()  {}
func (Literal) isExpr() {}
func (Binary) isExpr()  {}
func (Not) isExpr()     {}
func (IsNull) isExpr()  {}
func (In) isExpr()      {}
func (Like) isExpr()    {}
func (Alias) isExpr()   {}

func (c Column) String() string {
	if c.Relation != "" {
		return c.Relation + "." + c.Name
	}
	return c.Name
}

// QualifiedName is the name a column carries in a joined schema.
func (c Column) QualifiedName() string { return c.String() }

func (l Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return "'" + v.Format(time.RFC3339Nano) + "'"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (b Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

func (n Not) String() string { return fmt.Sprintf("NOT %s", n.Expr) }

func (n IsNull) String() string {
	if n.Negated {
		return fmt.Sprintf("%s IS NOT NULL", n.Expr)
	}
	return fmt.Sprintf("%s IS NULL", n.Expr)
}

func (in In) String() string {
	items := make([]string, len(in.List))
	for i, l := range in.List {
		items[i] = l.String()
	}
	kw := "IN"
	if in.Negated {
		kw = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", in.Expr, kw, strings.Join(items, ", "))
}

func (l Like) String() string {
	kw := "LIKE"
	if l.Negated {
		kw = "NOT LIKE"
	}
	return fmt.Sprintf("%s %s %s", l.Expr, kw, Literal{Value: l.Pattern}.String())
}

func (a Alias) String() string { return fmt.Sprintf("%s AS %s", a.Expr, a.Name) }

// Col returns an unqualified column reference. "t.a" is split into
// relation t and name a.
func Col(name string) Column {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return Column{Relation: name[:i], Name: name[i+1:]}
	}
	return Column{Name: name}
}

// Lit returns a literal with its Arrow type inferred from the Go value.
// Go ints become int64; time.Time becomes a UTC-tagged microsecond timestamp.
func Lit(v interface{}) Literal {
	switch x := v.(type) {
	case nil:
		return Literal{Type: arrow.Null}
	case int:
		return Literal{Value: int64(x), Type: arrow.PrimitiveTypes.Int64}
	case int8:
		return Literal{Value: x, Type: arrow.PrimitiveTypes.Int8}
	case int16:
		return Literal{Value: x, Type: arrow.PrimitiveTypes.Int16}
	case int32:
		return Literal{Value: x, Type: arrow.PrimitiveTypes.Int32}
	case int64:
		return Literal{Value: x, Type: arrow.PrimitiveTypes.Int64}
	case uint64:
		return Literal{Value: x, Type: arrow.PrimitiveTypes.Uint64}
	case float32:
		return Literal{Value: x, Type: arrow.PrimitiveTypes.Float32}
	case float64:
		return Literal{Value: x, Type: arrow.PrimitiveTypes.Float64}
	case string:
		return Literal{Value: x, Type: arrow.BinaryTypes.String}
	case bool:
		return Literal{Value: x, Type: arrow.FixedWidthTypes.Boolean}
	case []byte:
		return Literal{Value: x, Type: arrow.BinaryTypes.Binary}
	case time.Time:
		return Literal{Value: x, Type: columnar.TimestampUTC}
	case columnar.Decimal:
		return Literal{Value: x, Type: &arrow.Decimal128Type{Precision: x.Precision, Scale: x.Scale}}
	default:
		return Literal{Value: v, Type: arrow.BinaryTypes.String}
	}
}

// TypedLit returns a literal with an explicit type.
func TypedLit(v interface{}, typ arrow.DataType) Literal {
	return Literal{Value: v, Type: typ}
}

// Comparison helpers.

func Eq(l, r Expr) Binary    { return Binary{Op: OpEq, Left: l, Right: r} }
func NotEq(l, r Expr) Binary { return Binary{Op: OpNotEq, Left: l, Right: r} }
func Lt(l, r Expr) Binary    { return Binary{Op: OpLt, Left: l, Right: r} }
func LtEq(l, r Expr) Binary  { return Binary{Op: OpLtEq, Left: l, Right: r} }
func Gt(l, r Expr) Binary    { return Binary{Op: OpGt, Left: l, Right: r} }
func GtEq(l, r Expr) Binary  { return Binary{Op: OpGtEq, Left: l, Right: r} }

// And combines expressions with AND; nil entries are skipped. It returns nil
// for an empty list.
func And(exprs ...Expr) Expr {
	var out Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if out == nil {
			out = e
			continue
		}
		out = Binary{Op: OpAnd, Left: out, Right: e}
	}
	return out
}

// Or combines two expressions with OR.
func Or(l, r Expr) Binary { return Binary{Op: OpOr, Left: l, Right: r} }

// AggFunc is an aggregate function.
type AggFunc string

// Aggregate functions.
const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggAvg   AggFunc = "avg"
)

// Aggregate is an aggregate call. A nil Arg with AggCount is COUNT(*).
type Aggregate struct {
	Func  AggFunc
	Arg   Expr
	Alias string
}

// Name is the output column name of the aggregate.
func (a Aggregate) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Arg == nil {
		return string(a.Func)
	}
	return fmt.Sprintf("%s_%s", a.Func, strings.ReplaceAll(a.Arg.String(), ".", "_"))
}

func (a Aggregate) String() string {
	arg := "*"
	if a.Arg != nil {
		arg = a.Arg.String()
	}
	return fmt.Sprintf("%s(%s)", strings.ToUpper(string(a.Func)), arg)
}

// SortKey orders by an expression. Nulls sort last ascending and first
// descending.
type SortKey struct {
	Expr Expr
	Desc bool
}

func (k SortKey) String() string {
	if k.Desc {
		return k.Expr.String() + " DESC"
	}
	return k.Expr.String()
}
