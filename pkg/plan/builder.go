package plan

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Catalog resolves dataset schemas while building plans.
type Catalog interface {
	TableSchema(name string) (*arrow.Schema, error)
}

// Builder assembles a logical plan bottom-up. The first error is kept and
// returned by Build; later calls are no-ops.
type Builder struct {
	node  Node
	alias string
	err   error
}

// Table starts a plan with a scan of dataset.
func Table(cat Catalog, dataset string) *Builder {
	return TableAs(cat, dataset, "")
}

// TableAs starts a plan with an aliased scan of dataset.
func TableAs(cat Catalog, dataset, alias string) *Builder {
	schema, err := cat.TableSchema(dataset)
	if err != nil {
		return &Builder{err: err}
	}
	s := NewScan(dataset, alias, schema)
	return &Builder{node: s, alias: s.Alias}
}

// From continues building on an existing node.
func From(n Node) *Builder { return &Builder{node: n} }

// Filter adds a predicate.
func (b *Builder) Filter(pred expr.Expr) *Builder {
	if b.err != nil {
		return b
	}
	t, err := expr.TypeOf(pred, b.node.Schema())
	if err != nil {
		return b.fail(err)
	}
	if t.ID() != arrow.BOOL {
		return b.fail(errors.Newf(errors.ErrorTypeQuery, "filter %s is %s, not boolean", pred, t))
	}
	b.node = &Filter{Input: b.node, Predicate: pred}
	return b
}

// Project replaces the output columns.
func (b *Builder) Project(exprs ...expr.Expr) *Builder {
	if b.err != nil {
		return b
	}
	in := b.node.Schema()
	fields := make([]arrow.Field, 0, len(exprs))
	for _, e := range exprs {
		t, err := expr.TypeOf(e, in)
		if err != nil {
			return b.fail(err)
		}
		f := arrow.Field{Name: expr.OutputName(e), Type: t, Nullable: true}
		if c, ok := expr.IsColumn(e); ok {
			idx, _ := expr.Resolve(in, c)
			f.Nullable = in.Field(idx).Nullable
			if _, aliased := e.(expr.Alias); !aliased {
				f.Name = in.Field(idx).Name
			}
		}
		fields = append(fields, f)
	}
	b.node = &Projection{Input: b.node, Exprs: exprs, schema: arrow.NewSchema(fields, nil)}
	return b
}

// Aggregate groups by groupBy and computes aggs.
func (b *Builder) Aggregate(groupBy []expr.Expr, aggs ...expr.Aggregate) *Builder {
	if b.err != nil {
		return b
	}
	in := b.node.Schema()
	fields := make([]arrow.Field, 0, len(groupBy)+len(aggs))
	for _, g := range groupBy {
		t, err := expr.TypeOf(g, in)
		if err != nil {
			return b.fail(err)
		}
		fields = append(fields, arrow.Field{Name: expr.OutputName(g), Type: t, Nullable: true})
	}
	for _, a := range aggs {
		t, err := expr.AggregateType(a, in)
		if err != nil {
			return b.fail(err)
		}
		fields = append(fields, arrow.Field{Name: a.Name(), Type: t, Nullable: a.Func != expr.AggCount})
	}
	b.node = &Aggregate{Input: b.node, GroupBy: groupBy, Aggs: aggs, schema: arrow.NewSchema(fields, nil)}
	return b
}

// Sort orders the rows.
func (b *Builder) Sort(keys ...expr.SortKey) *Builder {
	if b.err != nil {
		return b
	}
	for _, k := range keys {
		if _, err := expr.TypeOf(k.Expr, b.node.Schema()); err != nil {
			return b.fail(err)
		}
	}
	b.node = &Sort{Input: b.node, Keys: keys}
	return b
}

// Limit caps the number of rows.
func (b *Builder) Limit(n int64) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 {
		return b.fail(errors.Newf(errors.ErrorTypeQuery, "negative limit %d", n))
	}
	b.node = &Limit{Input: b.node, N: n}
	return b
}

// Join joins right onto the current plan. Fields of both sides are
// qualified with their scan alias.
func (b *Builder) Join(right *Builder, typ JoinType, on expr.Expr) *Builder {
	if b.err != nil {
		return b
	}
	if right.err != nil {
		return b.fail(right.err)
	}
	if typ != InnerJoin && typ != LeftJoin {
		return b.fail(errors.Newf(errors.ErrorTypeQuery, "unsupported join type %q", typ))
	}
	fields := qualify(b.node.Schema(), b.alias, false)
	fields = append(fields, qualify(right.node.Schema(), right.alias, typ == LeftJoin)...)
	schema := arrow.NewSchema(fields, nil)

	t, err := expr.TypeOf(on, schema)
	if err != nil {
		return b.fail(err)
	}
	if t.ID() != arrow.BOOL {
		return b.fail(errors.Newf(errors.ErrorTypeQuery, "join condition %s is not boolean", on))
	}
	b.node = &Join{Left: b.node, Right: right.node, Type: typ, On: on, schema: schema}
	b.alias = ""
	return b
}

// Build returns the plan or the first error encountered.
func (b *Builder) Build() (Node, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.node, nil
}

func (b *Builder) fail(err error) *Builder {
	b.err = err
	return b
}

func qualify(schema *arrow.Schema, alias string, nullable bool) []arrow.Field {
	fields := make([]arrow.Field, schema.NumFields())
	for i, f := range schema.Fields() {
		if alias != "" && !strings.Contains(f.Name, ".") {
			f.Name = alias + "." + f.Name
		}
		f.Nullable = f.Nullable || nullable
		fields[i] = f
	}
	return fields
}
