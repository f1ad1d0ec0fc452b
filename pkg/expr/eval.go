package expr

import (
	"bytes"
	"math"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// Evaluator computes an expression over one row of values laid out as
// columnar.Value returns them. A nil result is SQL NULL.
type Evaluator func(row []interface{}) (interface{}, error)

// Bind resolves the columns of e against schema and returns its evaluator.
func Bind(e Expr, schema *arrow.Schema) (Evaluator, error) {
	switch n := e.(type) {
	case Column:
		idx, err := Resolve(schema, n)
		if err != nil {
			return nil, err
		}
		return func(row []interface{}) (interface{}, error) { return row[idx], nil }, nil

	case Literal:
		v := n.Value
		return func([]interface{}) (interface{}, error) { return v, nil }, nil

	case Alias:
		return Bind(n.Expr, schema)

	case Binary:
		left, err := Bind(n.Left, schema)
		if err != nil {
			return nil, err
		}
		right, err := Bind(n.Right, schema)
		if err != nil {
			return nil, err
		}
		return bindBinary(n.Op, left, right)

	case Not:
		inner, err := Bind(n.Expr, schema)
		if err != nil {
			return nil, err
		}
		return func(row []interface{}) (interface{}, error) {
			v, err := inner(row)
			if err != nil || v == nil {
				return nil, err
			}
			b, ok := v.(bool)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeQuery, "NOT applied to %T", v)
			}
			return !b, nil
		}, nil

	case IsNull:
		inner, err := Bind(n.Expr, schema)
		if err != nil {
			return nil, err
		}
		negated := n.Negated
		return func(row []interface{}) (interface{}, error) {
			v, err := inner(row)
			if err != nil {
				return nil, err
			}
			return (v == nil) != negated, nil
		}, nil

	case In:
		inner, err := Bind(n.Expr, schema)
		if err != nil {
			return nil, err
		}
		list, negated := n.List, n.Negated
		return func(row []interface{}) (interface{}, error) {
			v, err := inner(row)
			if err != nil || v == nil {
				return nil, err
			}
			sawNull := false
			for _, l := range list {
				if l.Value == nil {
					sawNull = true
					continue
				}
				c, err := Compare(v, l.Value)
				if err != nil {
					return nil, err
				}
				if c == 0 {
					return !negated, nil
				}
			}
			if sawNull {
				return nil, nil
			}
			return negated, nil
		}, nil

	case Like:
		inner, err := Bind(n.Expr, schema)
		if err != nil {
			return nil, err
		}
		re, err := likePattern(n.Pattern)
		if err != nil {
			return nil, err
		}
		negated := n.Negated
		return func(row []interface{}) (interface{}, error) {
			v, err := inner(row)
			if err != nil || v == nil {
				return nil, err
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeQuery, "LIKE applied to %T", v)
			}
			return re.MatchString(s) != negated, nil
		}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeQuery, "cannot evaluate %s", e)
}

// Truthy reports whether a predicate result keeps its row: NULL and false
// both reject.
func Truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func bindBinary(op Op, left, right Evaluator) (Evaluator, error) {
	switch op {
	case OpAnd:
		return func(row []interface{}) (interface{}, error) {
			l, err := left(row)
			if err != nil {
				return nil, err
			}
			if l == false {
				return false, nil
			}
			r, err := right(row)
			if err != nil {
				return nil, err
			}
			if r == false {
				return false, nil
			}
			if l == nil || r == nil {
				return nil, nil
			}
			return true, nil
		}, nil
	case OpOr:
		return func(row []interface{}) (interface{}, error) {
			l, err := left(row)
			if err != nil {
				return nil, err
			}
			if l == true {
				return true, nil
			}
			r, err := right(row)
			if err != nil {
				return nil, err
			}
			if r == true {
				return true, nil
			}
			if l == nil || r == nil {
				return nil, nil
			}
			return false, nil
		}, nil
	}

	if op.IsComparison() {
		return func(row []interface{}) (interface{}, error) {
			l, r, err := operands(row, left, right)
			if err != nil || l == nil || r == nil {
				return nil, err
			}
			c, err := Compare(l, r)
			if err != nil {
				return nil, err
			}
			switch op {
			case OpEq:
				return c == 0, nil
			case OpNotEq:
				return c != 0, nil
			case OpLt:
				return c < 0, nil
			case OpLtEq:
				return c <= 0, nil
			case OpGt:
				return c > 0, nil
			default:
				return c >= 0, nil
			}
		}, nil
	}

	if op.IsArithmetic() {
		return func(row []interface{}) (interface{}, error) {
			l, r, err := operands(row, left, right)
			if err != nil || l == nil || r == nil {
				return nil, err
			}
			return arithmetic(op, l, r)
		}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeQuery, "unknown operator %q", op)
}

func operands(row []interface{}, left, right Evaluator) (interface{}, interface{}, error) {
	l, err := left(row)
	if err != nil {
		return nil, nil, err
	}
	r, err := right(row)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func arithmetic(op Op, l, r interface{}) (interface{}, error) {
	li, lok := asInt(l)
	ri, rok := asInt(r)
	if lok && rok {
		switch op {
		case OpAdd:
			return li + ri, nil
		case OpSub:
			return li - ri, nil
		case OpMul:
			return li * ri, nil
		default:
			if ri == 0 {
				return nil, errors.New(errors.ErrorTypeQuery, "division by zero")
			}
			return li / ri, nil
		}
	}
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, errors.Newf(errors.ErrorTypeQuery, "arithmetic on %T and %T", l, r)
	}
	switch op {
	case OpAdd:
		return lf + rf, nil
	case OpSub:
		return lf - rf, nil
	case OpMul:
		return lf * rf, nil
	default:
		if rf == 0 {
			return nil, errors.New(errors.ErrorTypeQuery, "division by zero")
		}
		return lf / rf, nil
	}
}

// Compare orders two non-null values. Numbers of any width compare by value,
// decimals exactly.
func Compare(a, b interface{}) (int, error) {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	case time.Duration:
		if y, ok := b.(time.Duration); ok {
			return compareOrdered(x, y), nil
		}
	}

	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return compareOrdered(ai, bi), nil
		}
	}
	_, aDec := a.(columnar.Decimal)
	_, bDec := b.(columnar.Decimal)
	if !aDec && !bDec {
		if af, ok := asFloat(a); ok {
			if bf, ok := asFloat(b); ok {
				return compareOrdered(af, bf), nil
			}
		}
	}
	ar, aok := asRat(a)
	br, bok := asRat(b)
	if aok && bok {
		return ar.Cmp(br), nil
	}
	return 0, errors.Newf(errors.ErrorTypeQuery, "cannot compare %T with %T", a, b)
}

func compareOrdered[T int64 | float64 | time.Duration](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case uint64:
		return float64(x), true
	case columnar.Decimal:
		f, _ := x.Rat().Float64()
		return f, true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func asRat(v interface{}) (*big.Rat, bool) {
	switch x := v.(type) {
	case columnar.Decimal:
		return x.Rat(), true
	case uint64:
		return new(big.Rat).SetInt(new(big.Int).SetUint64(x)), true
	case float32:
		return ratFromFloat(float64(x))
	case float64:
		return ratFromFloat(x)
	}
	if i, ok := asInt(v); ok {
		return new(big.Rat).SetInt64(i), true
	}
	return nil, false
}

func ratFromFloat(f float64) (*big.Rat, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return new(big.Rat).SetFloat64(f), true
}

func likePattern(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^(?s:")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(")$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "invalid LIKE pattern")
	}
	return re, nil
}

// Int64Of converts any Go integer that fits into an int64.
func Int64Of(v interface{}) (int64, bool) { return asInt(v) }

// Float64Of converts any Go number, including decimals, into a float64.
func Float64Of(v interface{}) (float64, bool) { return asFloat(v) }

// RatOf converts any finite Go number, including decimals, into an exact
// rational.
func RatOf(v interface{}) (*big.Rat, bool) { return asRat(v) }
