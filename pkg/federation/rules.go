package federation

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/plan"
)

// filter merges the pushable conjuncts of f. Any conjunct left behind closes
// the sub-plan under a local filter holding the remainder.
func (p *Planner) filter(f *plan.Filter, sub *SubPlan) result {
	next := sub.clone()
	var local []expr.Expr
	for _, c := range expr.Conjuncts(f.Predicate) {
		pushed, err := next.predicate(c)
		if err != nil {
			p.decide("filter", err)
			local = append(local, c)
			continue
		}
		p.decide("filter", nil)
		next.Request.Filters = append(next.Request.Filters, pushed)
	}
	if len(local) == 0 {
		next.Top = f
		return result{sub: next}
	}
	// Pushed conjuncts don't change the schema, so the remote side still
	// produces the child's output.
	remote := p.close(result{sub: next})
	return result{node: &plan.Filter{Input: remote, Predicate: expr.And(local...)}}
}

// predicate returns c rewritten for the connector, or why it cannot be
// pushed.
func (s *SubPlan) predicate(c expr.Expr) (expr.Expr, error) {
	if !s.Handle.Capabilities().Has(core.CapPredicate) {
		return nil, rejected("predicate push-down not declared")
	}
	if err := sealed(s.Request); err != nil {
		return nil, err
	}
	if err := s.portable(c); err != nil {
		return nil, err
	}
	out, err := s.rewrite(c)
	if err != nil {
		return nil, err
	}
	if pc, ok := s.Handle.Connector.(core.PredicateChecker); ok && !pc.SupportsPredicate(out) {
		return nil, rejected("%s cannot express %s", s.Handle.Descriptor.Kind, c)
	}
	return out, nil
}

// portable checks that e only compares connector columns with literals of
// exactly the column's type, so the backend cannot coerce differently than
// local evaluation would.
func (s *SubPlan) portable(e expr.Expr) error {
	switch n := e.(type) {
	case expr.Column:
		_, t, err := s.column(n)
		if err != nil {
			return err
		}
		if t.ID() != arrow.BOOL {
			return rejected("column %s is not boolean", n)
		}
		return nil

	case expr.Literal:
		if n.Type == nil || n.Type.ID() != arrow.BOOL {
			return rejected("bare literal %s", n)
		}
		return nil

	case expr.Binary:
		switch {
		case n.Op == expr.OpAnd || n.Op == expr.OpOr:
			if err := s.portable(n.Left); err != nil {
				return err
			}
			return s.portable(n.Right)
		case n.Op.IsComparison():
			return s.comparison(n.Op, n.Left, n.Right)
		}
		return rejected("operator %s is evaluated locally", n.Op)

	case expr.Not:
		return s.portable(n.Expr)

	case expr.IsNull:
		c, ok := n.Expr.(expr.Column)
		if !ok {
			return rejected("IS NULL over %s", n.Expr)
		}
		_, _, err := s.column(c)
		return err

	case expr.In:
		c, ok := n.Expr.(expr.Column)
		if !ok {
			return rejected("IN over %s", n.Expr)
		}
		_, t, err := s.column(c)
		if err != nil {
			return err
		}
		for _, l := range n.List {
			if err := literalMatches(c, t, l); err != nil {
				return err
			}
		}
		return s.collates(expr.OpEq, c, t)

	case expr.Like:
		c, ok := n.Expr.(expr.Column)
		if !ok {
			return rejected("LIKE over %s", n.Expr)
		}
		_, t, err := s.column(c)
		if err != nil {
			return err
		}
		if t.ID() != arrow.STRING {
			return rejected("LIKE over %s column %s", t, c)
		}
		// Backends disagree on the default LIKE escape character.
		if strings.ContainsRune(n.Pattern, '\\') {
			return rejected("LIKE pattern %q holds a backslash", n.Pattern)
		}
		return s.collates(expr.OpEq, c, t)
	}
	return rejected("expression %s is evaluated locally", e)
}

func (s *SubPlan) comparison(op expr.Op, l, r expr.Expr) error {
	lc, lIsCol := l.(expr.Column)
	rc, rIsCol := r.(expr.Column)
	ll, lIsLit := l.(expr.Literal)
	rl, rIsLit := r.(expr.Literal)

	switch {
	case lIsCol && rIsCol:
		_, lt, err := s.column(lc)
		if err != nil {
			return err
		}
		_, rt, err := s.column(rc)
		if err != nil {
			return err
		}
		if !arrow.TypeEqual(lt, rt) {
			return rejected("comparison of %s with %s", lt, rt)
		}
		return s.collates(op, lc, lt)
	case lIsCol && rIsLit:
		_, t, err := s.column(lc)
		if err != nil {
			return err
		}
		if err := literalMatches(lc, t, rl); err != nil {
			return err
		}
		return s.collates(op, lc, t)
	case lIsLit && rIsCol:
		_, t, err := s.column(rc)
		if err != nil {
			return err
		}
		if err := literalMatches(rc, t, ll); err != nil {
			return err
		}
		return s.collates(op, rc, t)
	}
	return rejected("comparison of %s with %s is evaluated locally", l, r)
}

// collates rejects applying op to string column c when the backend's
// collation would decide it differently than a bytewise comparison.
func (s *SubPlan) collates(op expr.Op, c expr.Column, t arrow.DataType) error {
	if t.ID() != arrow.STRING && t.ID() != arrow.LARGE_STRING {
		return nil
	}
	cr, ok := s.Handle.Connector.(core.CollationReporter)
	if !ok {
		return nil
	}
	switch coll := cr.StringCollation(); {
	case coll == core.CollationFolded:
		return rejected("%s compares strings case-insensitively (column %s)", s.Handle.Descriptor.Kind, c)
	case coll == core.CollationLocale && op != expr.OpEq && op != expr.OpNotEq:
		return rejected("%s orders strings by locale (column %s)", s.Handle.Descriptor.Kind, c)
	}
	return nil
}

func literalMatches(c expr.Column, t arrow.DataType, l expr.Literal) error {
	if l.Value == nil {
		return rejected("null literal compared with %s", c)
	}
	if l.Type == nil || !arrow.TypeEqual(l.Type, t) {
		return rejected("literal %s of type %v compared with %s column %s", l, l.Type, t, c)
	}
	return nil
}

// project merges a projection of plain columns. A computed projection only
// prunes the columns the connector returns and stays local.
func (p *Planner) project(n *plan.Projection, sub *SubPlan) result {
	next := sub.clone()
	err := next.projection(n)
	if err == nil {
		p.decide("projection", nil)
		next.Top = n
		return result{sub: next}
	}
	p.decide("projection", err)

	if pruned, schema, ok := sub.prune(n.Exprs); ok {
		p.decide("projection", nil)
		remote := p.remote(pruned, schema)
		return result{node: plan.WithChildren(n, []plan.Node{remote})}
	}
	return result{node: plan.WithChildren(n, []plan.Node{p.close(result{sub: sub})})}
}

func (s *SubPlan) projection(n *plan.Projection) error {
	if !s.Handle.Capabilities().Has(core.CapProjection) {
		return rejected("projection push-down not declared")
	}
	if s.Request.Aggregated() {
		return rejected("projection over an aggregate")
	}
	cols := make([]string, len(n.Exprs))
	for i, e := range n.Exprs {
		c, ok := expr.IsColumn(e)
		if !ok {
			return rejected("projection of computed expression %s", e)
		}
		name, _, err := s.column(c)
		if err != nil {
			return err
		}
		cols[i] = name
	}
	s.Request.Columns = cols
	s.columns = cols
	return nil
}

// prune narrows the sub-plan to the columns exprs reference. It returns the
// narrowed sub-plan and its output schema.
func (s *SubPlan) prune(exprs []expr.Expr) (*SubPlan, *arrow.Schema, bool) {
	if !s.Handle.Capabilities().Has(core.CapProjection) || s.Request.Aggregated() {
		return nil, nil, false
	}
	schema := s.Schema()
	var (
		fields []arrow.Field
		cols   []string
		seen   = make(map[int]bool)
	)
	for _, c := range expr.Columns(exprs...) {
		idx, err := expr.Resolve(schema, c)
		if err != nil || s.columns[idx] == "" {
			return nil, nil, false
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		fields = append(fields, schema.Field(idx))
		cols = append(cols, s.columns[idx])
	}
	if len(cols) == 0 || len(cols) == schema.NumFields() {
		return nil, nil, false
	}
	next := s.clone()
	next.Request.Columns = cols
	next.columns = cols
	return next, arrow.NewSchema(fields, nil), true
}

func (p *Planner) aggregate(n plan.Node, s *SubPlan) error {
	a := n.(*plan.Aggregate)
	if !s.Handle.Capabilities().Has(core.CapAggregate) {
		return rejected("aggregate push-down not declared")
	}
	if err := sealed(s.Request); err != nil {
		return err
	}

	out := a.Schema()
	groupBy := make([]string, len(a.GroupBy))
	for i, g := range a.GroupBy {
		c, ok := expr.IsColumn(g)
		if !ok {
			return rejected("grouping by computed expression %s", g)
		}
		name, t, err := s.column(c)
		if err != nil {
			return err
		}
		if err := s.collates(expr.OpEq, c, t); err != nil {
			return err
		}
		groupBy[i] = name
	}
	aggs := make([]expr.Aggregate, len(a.Aggs))
	for i, agg := range a.Aggs {
		pushed := expr.Aggregate{Func: agg.Func, Alias: out.Field(len(groupBy) + i).Name}
		if agg.Arg != nil {
			c, ok := expr.IsColumn(agg.Arg)
			if !ok {
				return rejected("aggregate over computed expression %s", agg.Arg)
			}
			name, t, err := s.column(c)
			if err != nil {
				return err
			}
			if agg.Func == expr.AggMin || agg.Func == expr.AggMax {
				if err := s.collates(expr.OpLt, c, t); err != nil {
					return err
				}
			}
			pushed.Arg = expr.Column{Name: name}
		}
		aggs[i] = pushed
	}

	s.Request.Columns = nil
	s.Request.GroupBy = groupBy
	s.Request.Aggregates = aggs
	// Sorts above the aggregate address its output by name.
	s.columns = make([]string, out.NumFields())
	for i, f := range out.Fields() {
		s.columns[i] = f.Name
	}
	return nil
}

func (p *Planner) sort(n plan.Node, s *SubPlan) error {
	srt := n.(*plan.Sort)
	if !s.Handle.Capabilities().Has(core.CapSort) {
		return rejected("sort push-down not declared")
	}
	if s.Request.Limit > 0 {
		return rejected("sort above a limit")
	}
	keys := make([]core.SortField, 0, len(srt.Keys)+len(s.Request.Sort))
	for _, k := range srt.Keys {
		c, ok := expr.IsColumn(k.Expr)
		if !ok {
			return rejected("sort by computed expression %s", k.Expr)
		}
		name, t, err := s.column(c)
		if err != nil {
			return err
		}
		if err := s.collates(expr.OpLt, c, t); err != nil {
			return err
		}
		keys = append(keys, core.SortField{Column: name, Desc: k.Desc})
	}
	// A stable re-sort keeps the earlier order among ties.
	s.Request.Sort = append(keys, s.Request.Sort...)
	return nil
}

func (p *Planner) limit(n plan.Node, s *SubPlan) error {
	l := n.(*plan.Limit)
	if !s.Handle.Capabilities().Has(core.CapLimit) {
		return rejected("limit push-down not declared")
	}
	if l.N <= 0 {
		return errors.New(errors.ErrorTypePushdownRejected, "limit 0 is applied locally")
	}
	if s.Request.Limit == 0 || l.N < s.Request.Limit {
		s.Request.Limit = l.N
	}
	return nil
}
