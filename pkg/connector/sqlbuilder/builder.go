package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Query is a rendered statement with its bind arguments.
type Query struct {
	SQL  string
	Args []interface{}
}

// Source names what a query reads from: a table (optionally schema
// qualified with dots) or a native query wrapped as a subquery.
type Source struct {
	Table string
	Query string
}

// From returns the source of a descriptor.
func From(desc *core.Descriptor) Source {
	return Source{Table: desc.Table, Query: desc.Query}
}

type builder struct {
	d      Dialect
	inline bool
	bind   Binder
	sb     strings.Builder
	args   []interface{}
}

// Binder converts a literal into a bind argument.
type Binder func(l expr.Literal) interface{}

// Build renders req over src with bind arguments converted by BindValue.
func Build(d Dialect, src Source, req *core.ScanRequest, out *arrow.Schema) (Query, error) {
	return BuildWith(d, src, req, out, func(l expr.Literal) interface{} { return BindValue(l.Value) })
}

// BuildWith renders req over src, converting literals with bind.
func BuildWith(d Dialect, src Source, req *core.ScanRequest, out *arrow.Schema, bind Binder) (Query, error) {
	b := &builder{d: d, bind: bind}
	if err := b.scan(src, req, out); err != nil {
		return Query{}, err
	}
	return Query{SQL: b.sb.String(), Args: b.args}, nil
}

// Render renders req over src with literals inlined, for display.
func Render(d Dialect, src Source, req *core.ScanRequest, out *arrow.Schema) (string, error) {
	b := &builder{d: d, inline: true}
	if err := b.scan(src, req, out); err != nil {
		return "", err
	}
	return b.sb.String(), nil
}

// QuoteName quotes a dotted name part by part.
func QuoteName(d Dialect, name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// SelectAll renders a query returning every column of src with no rows,
// used for schema discovery.
func SelectAll(d Dialect, src Source, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", from(d, src), limit)
}

func from(d Dialect, src Source) string {
	if src.Query != "" {
		return "(" + strings.TrimRight(strings.TrimSpace(src.Query), ";") + ") AS " + d.QuoteIdent("src")
	}
	return QuoteName(d, src.Table)
}

func (b *builder) scan(src Source, req *core.ScanRequest, out *arrow.Schema) error {
	if req == nil {
		req = &core.ScanRequest{}
	}
	b.sb.WriteString("SELECT ")
	if err := b.selectList(req, out); err != nil {
		return err
	}
	b.sb.WriteString(" FROM ")
	b.sb.WriteString(from(b.d, src))

	if len(req.Filters) > 0 {
		b.sb.WriteString(" WHERE ")
		for i, f := range req.Filters {
			if i > 0 {
				b.sb.WriteString(" AND ")
			}
			if err := b.expr(f); err != nil {
				return err
			}
		}
	}
	if len(req.GroupBy) > 0 {
		b.sb.WriteString(" GROUP BY ")
		for i, g := range req.GroupBy {
			if i > 0 {
				b.sb.WriteString(", ")
			}
			b.sb.WriteString(b.d.QuoteIdent(g))
		}
	}
	if len(req.Sort) > 0 {
		b.sb.WriteString(" ORDER BY ")
		for i, k := range req.Sort {
			if i > 0 {
				b.sb.WriteString(", ")
			}
			b.sb.WriteString(b.d.OrderKey(b.d.QuoteIdent(k.Column), k.Desc))
		}
	}
	if req.Limit > 0 {
		b.sb.WriteString(" LIMIT ")
		b.sb.WriteString(strconv.FormatInt(req.Limit, 10))
	}
	return nil
}

func (b *builder) selectList(req *core.ScanRequest, out *arrow.Schema) error {
	var items []string
	if req.Aggregated() {
		for _, g := range req.GroupBy {
			items = append(items, b.d.QuoteIdent(g))
		}
		for i, a := range req.Aggregates {
			item, err := b.aggregate(a, out, len(req.GroupBy)+i)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
	} else if req.Columns != nil {
		for _, c := range req.Columns {
			items = append(items, b.d.QuoteIdent(c))
		}
	} else if out != nil {
		for _, f := range out.Fields() {
			items = append(items, b.d.QuoteIdent(f.Name))
		}
	} else {
		items = []string{"*"}
	}
	if len(items) == 0 {
		return errors.New(errors.ErrorTypeQuery, "empty select list")
	}
	b.sb.WriteString(strings.Join(items, ", "))
	return nil
}

func (b *builder) aggregate(a expr.Aggregate, out *arrow.Schema, idx int) (string, error) {
	arg := "*"
	if a.Arg != nil {
		c, ok := expr.IsColumn(a.Arg)
		if !ok {
			return "", errors.Newf(errors.ErrorTypeQuery, "aggregate argument %s is not a column", a.Arg)
		}
		arg = b.d.QuoteIdent(c.Name)
	} else if a.Func != expr.AggCount {
		return "", errors.Newf(errors.ErrorTypeQuery, "%s requires an argument", a.Func)
	}

	call := fmt.Sprintf("%s(%s)", strings.ToUpper(string(a.Func)), arg)
	if out != nil && idx < out.NumFields() && (a.Func == expr.AggSum || a.Func == expr.AggAvg) {
		switch out.Field(idx).Type.ID() {
		case arrow.INT64:
			call = fmt.Sprintf("CAST(%s AS %s)", call, b.d.IntegerType())
		case arrow.FLOAT64:
			call = fmt.Sprintf("CAST(%s AS %s)", call, b.d.FloatType())
		}
	}
	return call + " AS " + b.d.QuoteIdent(a.Name()), nil
}

func (b *builder) expr(e expr.Expr) error {
	switch n := e.(type) {
	case expr.Column:
		b.sb.WriteString(b.d.QuoteIdent(n.Name))
	case expr.Literal:
		b.literal(n)
	case expr.Alias:
		return b.expr(n.Expr)
	case expr.Binary:
		b.sb.WriteByte('(')
		if err := b.expr(n.Left); err != nil {
			return err
		}
		b.sb.WriteString(" " + string(n.Op) + " ")
		if err := b.expr(n.Right); err != nil {
			return err
		}
		b.sb.WriteByte(')')
	case expr.Not:
		b.sb.WriteString("NOT (")
		if err := b.expr(n.Expr); err != nil {
			return err
		}
		b.sb.WriteByte(')')
	case expr.IsNull:
		if err := b.expr(n.Expr); err != nil {
			return err
		}
		if n.Negated {
			b.sb.WriteString(" IS NOT NULL")
		} else {
			b.sb.WriteString(" IS NULL")
		}
	case expr.In:
		if len(n.List) == 0 {
			return errors.New(errors.ErrorTypeQuery, "empty IN list")
		}
		if err := b.expr(n.Expr); err != nil {
			return err
		}
		if n.Negated {
			b.sb.WriteString(" NOT")
		}
		b.sb.WriteString(" IN (")
		for i, l := range n.List {
			if i > 0 {
				b.sb.WriteString(", ")
			}
			b.literal(l)
		}
		b.sb.WriteByte(')')
	case expr.Like:
		if err := b.expr(n.Expr); err != nil {
			return err
		}
		if n.Negated {
			b.sb.WriteString(" NOT")
		}
		op, pattern := b.d.Like(n.Pattern)
		b.sb.WriteString(" " + op + " ")
		b.literal(expr.Lit(pattern))
	default:
		return errors.Newf(errors.ErrorTypeQuery, "cannot render %s", e)
	}
	return nil
}

func (b *builder) literal(l expr.Literal) {
	if l.Value == nil {
		b.sb.WriteString("NULL")
		return
	}
	if b.inline {
		b.sb.WriteString(inlineValue(l.Value))
		return
	}
	b.args = append(b.args, b.bind(l))
	b.sb.WriteString(b.d.Placeholder(len(b.args)))
}

// BindValue converts an expression value into one database drivers accept.
func BindValue(v interface{}) interface{} {
	switch x := v.(type) {
	case columnar.Decimal:
		return x.String()
	case time.Duration:
		return columnar.FormatClock(x)
	}
	return v
}

func inlineValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return "'" + x.Format("2006-01-02 15:04:05.999999-07:00") + "'"
	case []byte:
		return fmt.Sprintf("X'%X'", x)
	case columnar.Decimal:
		return x.String()
	case time.Duration:
		return "'" + columnar.FormatClock(x) + "'"
	}
	return fmt.Sprint(v)
}
