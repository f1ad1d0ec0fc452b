package expr

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// node is the JSON form of an expression used in Flight command descriptors.
// Literal values travel as strings so integers and decimals stay exact.
type node struct {
	Kind     string  `json:"kind"`
	Relation string  `json:"relation,omitempty"`
	Name     string  `json:"name,omitempty"`
	Value    *string `json:"value,omitempty"`
	Type     string  `json:"type,omitempty"`
	Op       string  `json:"op,omitempty"`
	Left     *node   `json:"left,omitempty"`
	Right    *node   `json:"right,omitempty"`
	Expr     *node   `json:"expr,omitempty"`
	List     []*node `json:"list,omitempty"`
	Pattern  string  `json:"pattern,omitempty"`
	Negated  bool    `json:"negated,omitempty"`
}

// Filter wraps an expression so it can be embedded in JSON documents.
type Filter struct {
	Expr
}

// MarshalJSON implements json.Marshaler.
func (f Filter) MarshalJSON() ([]byte, error) {
	n, err := toNode(f.Expr)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var n node
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid expression JSON")
	}
	e, err := fromNode(&n)
	if err != nil {
		return err
	}
	f.Expr = e
	return nil
}

func toNode(e Expr) (*node, error) {
	switch x := e.(type) {
	case Column:
		return &node{Kind: "column", Relation: x.Relation, Name: x.Name}, nil
	case Literal:
		return literalNode(x)
	case Binary:
		l, err := toNode(x.Left)
		if err != nil {
			return nil, err
		}
		r, err := toNode(x.Right)
		if err != nil {
			return nil, err
		}
		return &node{Kind: "binary", Op: string(x.Op), Left: l, Right: r}, nil
	case Not:
		inner, err := toNode(x.Expr)
		if err != nil {
			return nil, err
		}
		return &node{Kind: "not", Expr: inner}, nil
	case IsNull:
		inner, err := toNode(x.Expr)
		if err != nil {
			return nil, err
		}
		return &node{Kind: "is_null", Expr: inner, Negated: x.Negated}, nil
	case In:
		inner, err := toNode(x.Expr)
		if err != nil {
			return nil, err
		}
		n := &node{Kind: "in", Expr: inner, Negated: x.Negated}
		for _, l := range x.List {
			ln, err := literalNode(l)
			if err != nil {
				return nil, err
			}
			n.List = append(n.List, ln)
		}
		return n, nil
	case Like:
		inner, err := toNode(x.Expr)
		if err != nil {
			return nil, err
		}
		return &node{Kind: "like", Expr: inner, Pattern: x.Pattern, Negated: x.Negated}, nil
	case Alias:
		inner, err := toNode(x.Expr)
		if err != nil {
			return nil, err
		}
		return &node{Kind: "alias", Expr: inner, Name: x.Name}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "cannot encode expression %T", e)
}

func fromNode(n *node) (Expr, error) {
	if n == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "missing expression")
	}
	switch n.Kind {
	case "column":
		if n.Name == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "column without name")
		}
		return Column{Relation: n.Relation, Name: n.Name}, nil
	case "literal":
		return literalFromNode(n)
	case "binary":
		l, err := fromNode(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := fromNode(n.Right)
		if err != nil {
			return nil, err
		}
		op := Op(n.Op)
		if !op.IsComparison() && !op.IsArithmetic() && op != OpAnd && op != OpOr {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown operator %q", n.Op)
		}
		return Binary{Op: op, Left: l, Right: r}, nil
	case "not":
		inner, err := fromNode(n.Expr)
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	case "is_null":
		inner, err := fromNode(n.Expr)
		if err != nil {
			return nil, err
		}
		return IsNull{Expr: inner, Negated: n.Negated}, nil
	case "in":
		inner, err := fromNode(n.Expr)
		if err != nil {
			return nil, err
		}
		in := In{Expr: inner, Negated: n.Negated}
		for _, ln := range n.List {
			l, err := literalFromNode(ln)
			if err != nil {
				return nil, err
			}
			in.List = append(in.List, l)
		}
		return in, nil
	case "like":
		inner, err := fromNode(n.Expr)
		if err != nil {
			return nil, err
		}
		return Like{Expr: inner, Pattern: n.Pattern, Negated: n.Negated}, nil
	case "alias":
		inner, err := fromNode(n.Expr)
		if err != nil {
			return nil, err
		}
		return Alias{Expr: inner, Name: n.Name}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "unknown expression kind %q", n.Kind)
}

func literalNode(l Literal) (*node, error) {
	typ := l.Type
	if typ == nil {
		typ = Lit(l.Value).Type
	}
	name, err := TypeName(typ)
	if err != nil {
		return nil, err
	}
	n := &node{Kind: "literal", Type: name}
	if l.Value == nil {
		return n, nil
	}

	var s string
	switch v := l.Value.(type) {
	case string:
		s = v
	case []byte:
		s = base64.StdEncoding.EncodeToString(v)
	case time.Time:
		if typ.ID() == arrow.DATE32 {
			s = v.Format("2006-01-02")
		} else {
			s = v.Format(time.RFC3339Nano)
		}
	case time.Duration:
		s = strconv.FormatInt(v.Microseconds(), 10)
	case float32:
		s = strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		s = strconv.FormatFloat(v, 'g', -1, 64)
	default:
		s = fmt.Sprint(v)
	}
	n.Value = &s
	return n, nil
}

func literalFromNode(n *node) (Literal, error) {
	if n == nil || n.Kind != "literal" {
		return Literal{}, errors.New(errors.ErrorTypeValidation, "expected literal")
	}
	typ, err := ParseTypeName(n.Type)
	if err != nil {
		return Literal{}, err
	}
	if n.Value == nil {
		return Literal{Type: typ}, nil
	}
	v, err := parseLiteral(*n.Value, typ)
	if err != nil {
		return Literal{}, errors.Wrap(err, errors.ErrorTypeValidation,
			fmt.Sprintf("invalid %s literal %q", n.Type, *n.Value))
	}
	return Literal{Value: v, Type: typ}, nil
}

func parseLiteral(s string, typ arrow.DataType) (interface{}, error) {
	switch typ.ID() {
	case arrow.BOOL:
		return strconv.ParseBool(s)
	case arrow.INT8:
		v, err := strconv.ParseInt(s, 10, 8)
		return int8(v), err
	case arrow.INT16:
		v, err := strconv.ParseInt(s, 10, 16)
		return int16(v), err
	case arrow.INT32:
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	case arrow.INT64:
		return strconv.ParseInt(s, 10, 64)
	case arrow.UINT64:
		return strconv.ParseUint(s, 10, 64)
	case arrow.FLOAT32:
		v, err := strconv.ParseFloat(s, 32)
		return float32(v), err
	case arrow.FLOAT64:
		return strconv.ParseFloat(s, 64)
	case arrow.STRING:
		return s, nil
	case arrow.BINARY:
		return base64.StdEncoding.DecodeString(s)
	case arrow.DATE32:
		return time.ParseInLocation("2006-01-02", s, time.UTC)
	case arrow.TIMESTAMP:
		return time.Parse(time.RFC3339Nano, s)
	case arrow.TIME64:
		us, err := strconv.ParseInt(s, 10, 64)
		return time.Duration(us) * time.Microsecond, err
	case arrow.DECIMAL128:
		dt := typ.(*arrow.Decimal128Type)
		return columnar.ParseDecimal(s, dt.Precision, dt.Scale)
	}
	return nil, fmt.Errorf("unsupported literal type %s", typ)
}

// TypeName returns the wire name of a literal type.
func TypeName(t arrow.DataType) (string, error) {
	switch t.ID() {
	case arrow.NULL:
		return "null", nil
	case arrow.BOOL:
		return "bool", nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64, arrow.UINT64,
		arrow.FLOAT32, arrow.FLOAT64, arrow.DATE32, arrow.BINARY:
		return t.Name(), nil
	case arrow.STRING:
		return "utf8", nil
	case arrow.TIME64:
		return "time64_us", nil
	case arrow.TIMESTAMP:
		if t.(*arrow.TimestampType).TimeZone != "" {
			return "timestamp_us_utc", nil
		}
		return "timestamp_us", nil
	case arrow.DECIMAL128:
		dt := t.(*arrow.Decimal128Type)
		return fmt.Sprintf("decimal(%d,%d)", dt.Precision, dt.Scale), nil
	}
	return "", errors.Newf(errors.ErrorTypeUnsupportedType, "literal type %s has no wire form", t)
}

// ParseTypeName is the inverse of TypeName.
func ParseTypeName(name string) (arrow.DataType, error) {
	switch name {
	case "null":
		return arrow.Null, nil
	case "bool":
		return arrow.FixedWidthTypes.Boolean, nil
	case "int8":
		return arrow.PrimitiveTypes.Int8, nil
	case "int16":
		return arrow.PrimitiveTypes.Int16, nil
	case "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "uint64":
		return arrow.PrimitiveTypes.Uint64, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nil
	case "float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "utf8":
		return arrow.BinaryTypes.String, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nil
	case "date32":
		return columnar.Date, nil
	case "time64_us":
		return columnar.TimeOfDay, nil
	case "timestamp_us":
		return columnar.TimestampLocal, nil
	case "timestamp_us_utc":
		return columnar.TimestampUTC, nil
	}
	var p, s int32
	if _, err := fmt.Sscanf(name, "decimal(%d,%d)", &p, &s); err == nil {
		return &arrow.Decimal128Type{Precision: p, Scale: s}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "unknown literal type %q", name)
}
