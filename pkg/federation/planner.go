// Package federation rewrites logical plans so that the largest possible
// sub-tree over each backend is delegated to that backend's connector.
//
// The planner walks the plan bottom-up. Every Scan opens a sub-plan; each
// operator above it is merged into the sub-plan when the connector declares
// the matching capability and the merge preserves the operator's meaning.
// The first operator that cannot merge closes the sub-plan: it is replaced by
// a plan.RemoteScan and everything above it runs locally. Joins are never
// pushed; both sides are planned independently.
package federation

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/logger"
	"github.com/ajitpratap0/meridian/pkg/metrics"
	"github.com/ajitpratap0/meridian/pkg/plan"
)

// Catalog resolves dataset names to table handles.
type Catalog interface {
	Handle(name string) (*core.TableHandle, error)
}

// Planner performs push-down planning.
type Planner struct {
	catalog Catalog
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPlanner creates a planner over catalog.
func NewPlanner(catalog Catalog) *Planner {
	return &Planner{
		catalog: catalog,
		logger:  logger.With(zap.String("component", "federation_planner")),
		tracer:  otel.Tracer("github.com/ajitpratap0/meridian/pkg/federation"),
	}
}

// SubPlan is an open delegation to one connector: the request accumulated so
// far and the original plan sub-tree it replaces.
type SubPlan struct {
	Handle  *core.TableHandle
	Request *core.ScanRequest
	// Top is the highest absorbed operator; its schema is the output schema
	Top plan.Node
	// columns maps each output field of Top to the name the connector knows
	// it by, or "" when it has none
	columns []string
}

// Schema returns the output schema of the sub-plan.
func (s *SubPlan) Schema() *arrow.Schema { return s.Top.Schema() }

func (s *SubPlan) clone() *SubPlan {
	c := *s
	c.Request = s.Request.Clone()
	c.columns = append([]string(nil), s.columns...)
	return &c
}

// Plan rewrites n. Push-down rejections never fail planning; only unknown
// datasets do.
func (p *Planner) Plan(ctx context.Context, n plan.Node) (plan.Node, error) {
	_, span := p.tracer.Start(ctx, "federation.plan")
	defer span.End()

	res, err := p.plan(n)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := p.close(res)
	span.SetAttributes(attribute.StringSlice("datasets", plan.Datasets(out)))
	return out, nil
}

// Explain plans n and renders the rewritten tree with native queries.
func (p *Planner) Explain(ctx context.Context, n plan.Node) (string, error) {
	out, err := p.Plan(ctx, n)
	if err != nil {
		return "", err
	}
	return plan.Format(out), nil
}

// result is either an open sub-plan or a finished local node.
type result struct {
	sub  *SubPlan
	node plan.Node
}

func (p *Planner) plan(n plan.Node) (result, error) {
	switch x := n.(type) {
	case *plan.Scan:
		h, err := p.catalog.Handle(x.Dataset)
		if err != nil {
			return result{}, err
		}
		cols := make([]string, x.Schema().NumFields())
		for i, f := range x.Schema().Fields() {
			cols[i] = f.Name
		}
		return result{sub: &SubPlan{Handle: h, Request: &core.ScanRequest{}, Top: x, columns: cols}}, nil

	case *plan.RemoteScan:
		return result{node: x}, nil

	case *plan.Join:
		left, err := p.plan(x.Left)
		if err != nil {
			return result{}, err
		}
		right, err := p.plan(x.Right)
		if err != nil {
			return result{}, err
		}
		p.decide("join", errors.New(errors.ErrorTypePushdownRejected, "joins are never pushed"))
		return result{node: plan.WithChildren(x, []plan.Node{p.close(left), p.close(right)})}, nil
	}

	children := n.Children()
	if len(children) != 1 {
		return result{}, errors.Newf(errors.ErrorTypeQuery, "cannot plan node %T", n)
	}
	child, err := p.plan(children[0])
	if err != nil {
		return result{}, err
	}
	if child.sub == nil {
		return result{node: plan.WithChildren(n, []plan.Node{child.node})}, nil
	}

	switch x := n.(type) {
	case *plan.Filter:
		return p.filter(x, child.sub), nil
	case *plan.Projection:
		return p.project(x, child.sub), nil
	case *plan.Aggregate:
		return p.merge("aggregate", x, child.sub, p.aggregate), nil
	case *plan.Sort:
		return p.merge("sort", x, child.sub, p.sort), nil
	case *plan.Limit:
		return p.merge("limit", x, child.sub, p.limit), nil
	}
	return result{node: plan.WithChildren(n, []plan.Node{p.close(result{sub: child.sub})})}, nil
}

// merge applies an all-or-nothing merge rule.
func (p *Planner) merge(op string, n plan.Node, sub *SubPlan, rule func(plan.Node, *SubPlan) error) result {
	next := sub.clone()
	if err := rule(n, next); err != nil {
		p.decide(op, err)
		return result{node: plan.WithChildren(n, []plan.Node{p.close(result{sub: sub})})}
	}
	p.decide(op, nil)
	next.Top = n
	return result{sub: next}
}

func (p *Planner) decide(op string, err error) {
	if err == nil {
		metrics.PushdownDecisions.WithLabelValues(op, "pushed").Inc()
		return
	}
	metrics.PushdownDecisions.WithLabelValues(op, "rejected").Inc()
	p.logger.Debug("push-down rejected", zap.String("operator", op), zap.Error(err))
}

// close turns an open sub-plan into a RemoteScan producing its schema.
func (p *Planner) close(r result) plan.Node {
	if r.sub == nil {
		return r.node
	}
	return p.remote(r.sub, r.sub.Schema())
}

func (p *Planner) remote(sub *SubPlan, schema *arrow.Schema) plan.Node {
	req := sub.Request.Clone()
	req.OutputSchema = schema
	rs := &plan.RemoteScan{
		Dataset: sub.Handle.Name(),
		Kind:    sub.Handle.Descriptor.Kind,
		Request: req,
	}
	if r, ok := sub.Handle.Connector.(core.QueryRenderer); ok {
		q, err := r.RenderQuery(req)
		if err != nil {
			p.logger.Debug("cannot render native query", zap.String("dataset", rs.Dataset), zap.Error(err))
		} else {
			rs.Query = q
		}
	}
	return rs
}

func rejected(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrorTypePushdownRejected, format, args...)
}

// sealed reports why nothing more can merge below a row-level operator.
func sealed(req *core.ScanRequest) error {
	switch {
	case req.Aggregated():
		return rejected("sub-plan is already aggregated")
	case len(req.Sort) > 0:
		return rejected("sub-plan is already sorted")
	case req.Limit > 0:
		return rejected("sub-plan is already limited")
	}
	return nil
}

// column maps a column reference over the sub-plan output to the
// connector's name for it.
func (s *SubPlan) column(c expr.Column) (string, arrow.DataType, error) {
	schema := s.Schema()
	idx, err := expr.Resolve(schema, c)
	if err != nil {
		return "", nil, err
	}
	if s.columns[idx] == "" {
		return "", nil, rejected("column %s is computed", c)
	}
	return s.columns[idx], schema.Field(idx).Type, nil
}

// rewrite replaces every column of e with the connector's name for it.
func (s *SubPlan) rewrite(e expr.Expr) (expr.Expr, error) {
	var err error
	out := expr.Transform(e, func(n expr.Expr) expr.Expr {
		c, ok := n.(expr.Column)
		if !ok || err != nil {
			return n
		}
		name, _, cerr := s.column(c)
		if cerr != nil {
			err = cerr
			return n
		}
		return expr.Column{Name: name}
	})
	return out, err
}
