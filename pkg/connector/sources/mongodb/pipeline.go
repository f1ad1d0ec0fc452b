package mongodb

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// translator renders scan requests as aggregation pipelines. native holds
// the sampled BSON type of each column; it is nil for declared schemas.
type translator struct {
	native map[string]bsontype.Type
}

// opaque types surface as strings but do not compare like strings on the
// server.
var opaque = map[bsontype.Type]bool{
	bson.TypeDecimal128:       true,
	bson.TypeEmbeddedDocument: true,
	bson.TypeArray:            true,
	bson.TypeJavaScript:       true,
	bson.TypeSymbol:           true,
}

func notExpressible(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrorTypePushdownRejected, format, args...)
}

// pipeline builds $match, $sort, $limit and $project stages in that order.
func (t translator) pipeline(req *core.ScanRequest) (mongo.Pipeline, error) {
	stages := mongo.Pipeline{}
	if req == nil {
		return stages, nil
	}
	if len(req.Filters) > 0 {
		docs := make([]interface{}, 0, len(req.Filters))
		for _, f := range req.Filters {
			d, err := t.match(f)
			if err != nil {
				return nil, err
			}
			docs = append(docs, d)
		}
		var m interface{} = docs[0]
		if len(docs) > 1 {
			m = bson.D{{Key: "$and", Value: docs}}
		}
		stages = append(stages, bson.D{{Key: "$match", Value: m}})
	}
	if len(req.Sort) > 0 {
		// Nulls sort first ascending on the server; a leading null flag per
		// key puts them last ascending and first descending.
		flags := bson.D{}
		order := bson.D{}
		for i, k := range req.Sort {
			if err := checkField(k.Column); err != nil {
				return nil, err
			}
			flag := fmt.Sprintf("__null_%d", i)
			dir := 1
			if k.Desc {
				dir = -1
			}
			flags = append(flags, bson.E{Key: flag, Value: bson.D{{Key: "$in", Value: bson.A{
				bson.D{{Key: "$type", Value: "$" + k.Column}}, bson.A{"missing", "null"},
			}}}})
			order = append(order, bson.E{Key: flag, Value: dir}, bson.E{Key: k.Column, Value: dir})
		}
		stages = append(stages,
			bson.D{{Key: "$addFields", Value: flags}},
			bson.D{{Key: "$sort", Value: order}})
	}
	if req.Limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: req.Limit}})
	}
	if req.Columns != nil {
		proj := bson.D{}
		withID := false
		for _, c := range req.Columns {
			if err := checkField(c); err != nil {
				return nil, err
			}
			if c == "_id" {
				withID = true
			}
			proj = append(proj, bson.E{Key: c, Value: 1})
		}
		if !withID {
			proj = append(proj, bson.E{Key: "_id", Value: 0})
		}
		stages = append(stages, bson.D{{Key: "$project", Value: proj}})
	}
	return stages, nil
}

// checkField rejects names the server would read as paths or operators.
func checkField(name string) error {
	if name == "" || strings.Contains(name, ".") || strings.HasPrefix(name, "$") {
		return notExpressible("field name %q cannot be addressed", name)
	}
	return nil
}

// match translates a boolean expression into a query document. NULL
// comparisons never match, as in SQL, so negative operators also exclude
// null and missing fields.
func (t translator) match(e expr.Expr) (bson.D, error) {
	switch n := e.(type) {
	case expr.Binary:
		switch {
		case n.Op == expr.OpAnd || n.Op == expr.OpOr:
			l, err := t.match(n.Left)
			if err != nil {
				return nil, err
			}
			r, err := t.match(n.Right)
			if err != nil {
				return nil, err
			}
			op := "$and"
			if n.Op == expr.OpOr {
				op = "$or"
			}
			return bson.D{{Key: op, Value: bson.A{l, r}}}, nil
		case n.Op.IsComparison():
			return t.comparison(n)
		}
	case expr.IsNull:
		c, err := t.field(n.Expr)
		if err != nil {
			return nil, err
		}
		if n.Negated {
			return bson.D{{Key: c, Value: bson.D{{Key: "$ne", Value: nil}}}}, nil
		}
		return bson.D{{Key: c, Value: nil}}, nil
	case expr.In:
		c, err := t.column(n.Expr)
		if err != nil {
			return nil, err
		}
		list := make(bson.A, 0, len(n.List)+1)
		for _, l := range n.List {
			if l.Value == nil {
				return nil, notExpressible("IN list with NULL")
			}
			v, err := t.value(c, l)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		if n.Negated {
			return bson.D{{Key: c, Value: bson.D{{Key: "$nin", Value: append(list, nil)}}}}, nil
		}
		return bson.D{{Key: c, Value: bson.D{{Key: "$in", Value: list}}}}, nil
	case expr.Like:
		c, err := t.column(n.Expr)
		if err != nil {
			return nil, err
		}
		if nt, ok := t.native[c]; ok && nt != bson.TypeString {
			return nil, notExpressible("LIKE on %s column %s", nt, c)
		}
		re := primitive.Regex{Pattern: likePattern(n.Pattern), Options: "s"}
		if n.Negated {
			return bson.D{{Key: c, Value: bson.D{{Key: "$not", Value: re}, {Key: "$ne", Value: nil}}}}, nil
		}
		return bson.D{{Key: c, Value: re}}, nil
	case expr.Column:
		c, err := t.column(n)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: c, Value: true}}, nil
	case expr.Literal:
		b, ok := n.Value.(bool)
		if n.Value != nil && !ok {
			return nil, notExpressible("non-boolean literal %s as a predicate", n)
		}
		return bson.D{{Key: "$expr", Value: b}}, nil
	}
	return nil, notExpressible("%s has no query operator", e)
}

var flipped = map[expr.Op]expr.Op{
	expr.OpEq: expr.OpEq, expr.OpNotEq: expr.OpNotEq,
	expr.OpLt: expr.OpGt, expr.OpLtEq: expr.OpGtEq,
	expr.OpGt: expr.OpLt, expr.OpGtEq: expr.OpLtEq,
}

var operators = map[expr.Op]string{
	expr.OpEq: "$eq", expr.OpLt: "$lt", expr.OpLtEq: "$lte",
	expr.OpGt: "$gt", expr.OpGtEq: "$gte",
}

func (t translator) comparison(b expr.Binary) (bson.D, error) {
	op, left, right := b.Op, b.Left, b.Right
	if _, ok := left.(expr.Literal); ok {
		op, left, right = flipped[op], right, left
	}
	c, err := t.column(left)
	if err != nil {
		return nil, err
	}
	lit, ok := right.(expr.Literal)
	if !ok {
		return nil, notExpressible("%s compares two columns", b)
	}
	if lit.Value == nil {
		return nil, notExpressible("%s compares with NULL", b)
	}
	v, err := t.value(c, lit)
	if err != nil {
		return nil, err
	}
	if op == expr.OpNotEq {
		return bson.D{{Key: c, Value: bson.D{{Key: "$nin", Value: bson.A{v, nil}}}}}, nil
	}
	return bson.D{{Key: c, Value: bson.D{{Key: operators[op], Value: v}}}}, nil
}

func (t translator) field(e expr.Expr) (string, error) {
	c, ok := e.(expr.Column)
	if !ok {
		return "", notExpressible("%s is not a column", e)
	}
	return c.Name, checkField(c.Name)
}

// column is field restricted to columns whose values compare on the server
// the way their string rendering compares locally.
func (t translator) column(e expr.Expr) (string, error) {
	c, err := t.field(e)
	if err != nil {
		return "", err
	}
	if nt, ok := t.native[c]; ok && opaque[nt] {
		return "", notExpressible("column %s holds %s values", c, nt)
	}
	return c, nil
}

// value converts a literal compared with column c into its BSON form.
func (t translator) value(c string, l expr.Literal) (interface{}, error) {
	if t.native[c] == bson.TypeObjectID {
		s, ok := l.Value.(string)
		if !ok || s != strings.ToLower(s) {
			return nil, notExpressible("literal %s does not name an object id", l)
		}
		id, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return nil, notExpressible("literal %s does not name an object id", l)
		}
		return id, nil
	}
	switch v := l.Value.(type) {
	case bool, string, int8, int16, int32, int64, float32, float64:
		return v, nil
	case uint8, uint16, uint32:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, notExpressible("literal %d overflows int64", v)
		}
		return int64(v), nil
	case []byte:
		return primitive.Binary{Data: v}, nil
	case columnar.Decimal:
		d, err := primitive.ParseDecimal128(v.String())
		if err != nil {
			return nil, notExpressible("decimal literal %s: %v", v, err)
		}
		return d, nil
	case time.Time:
		// Dates are stored with millisecond precision.
		if v.Nanosecond()%int(time.Millisecond) != 0 {
			return nil, notExpressible("timestamp %s is finer than milliseconds", l)
		}
		if dt, ok := l.Type.(*arrow.TimestampType); ok && dt.TimeZone == "" {
			v = time.Date(v.Year(), v.Month(), v.Day(), v.Hour(), v.Minute(), v.Second(), v.Nanosecond(), time.UTC)
		}
		return primitive.NewDateTimeFromTime(v), nil
	}
	return nil, notExpressible("literal %s of type %s", l, l.Type)
}

// likePattern turns a SQL LIKE pattern into an anchored regular expression.
func likePattern(p string) string {
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteByte('.')
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return sb.String()
}

// render prints a pipeline as relaxed extended JSON.
func render(p mongo.Pipeline) (string, error) {
	out, err := bson.MarshalExtJSON(bson.D{{Key: "pipeline", Value: p}}, false, false)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to render pipeline")
	}
	s := strings.TrimPrefix(string(out), `{"pipeline":`)
	return strings.TrimSuffix(s, "}"), nil
}
