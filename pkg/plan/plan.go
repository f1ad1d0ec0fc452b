// Package plan defines the logical plan algebra the federation planner
// rewrites and the executor runs.
package plan

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Node is a logical plan operator.
type Node interface {
	Schema() *arrow.Schema
	Children() []Node
	String() string
}

// Scan reads a registered dataset.
type Scan struct {
	Dataset string
	Alias   string
	schema  *arrow.Schema
}

// NewScan returns a scan of dataset with the given schema. An empty alias
// defaults to the dataset name.
func NewScan(dataset, alias string, schema *arrow.Schema) *Scan {
	if alias == "" {
		alias = dataset
	}
	return &Scan{Dataset: dataset, Alias: alias, schema: schema}
}

func (s *Scan) Schema() *arrow.Schema { return s.schema }
func (s *Scan) Children() []Node      { return nil }
func (s *Scan) String() string {
	if s.Alias != s.Dataset {
		return fmt.Sprintf("Scan: %s AS %s", s.Dataset, s.Alias)
	}
	return "Scan: " + s.Dataset
}

// Filter keeps rows for which Predicate is true.
type Filter struct {
	Input     Node
	Predicate expr.Expr
}

func (f *Filter) Schema() *arrow.Schema { return f.Input.Schema() }
func (f *Filter) Children() []Node      { return []Node{f.Input} }
func (f *Filter) String() string        { return "Filter: " + f.Predicate.String() }

// Projection computes one output column per expression.
type Projection struct {
	Input  Node
	Exprs  []expr.Expr
	schema *arrow.Schema
}

func (p *Projection) Schema() *arrow.Schema { return p.schema }
func (p *Projection) Children() []Node      { return []Node{p.Input} }
func (p *Projection) String() string        { return "Projection: " + joinExprs(p.Exprs) }

// Aggregate groups rows and computes aggregates. Output columns are the
// group expressions followed by the aggregates.
type Aggregate struct {
	Input   Node
	GroupBy []expr.Expr
	Aggs    []expr.Aggregate
	schema  *arrow.Schema
}

func (a *Aggregate) Schema() *arrow.Schema { return a.schema }
func (a *Aggregate) Children() []Node      { return []Node{a.Input} }
func (a *Aggregate) String() string {
	aggs := make([]string, len(a.Aggs))
	for i, g := range a.Aggs {
		aggs[i] = g.String()
	}
	return fmt.Sprintf("Aggregate: group=[%s] aggs=[%s]", joinExprs(a.GroupBy), strings.Join(aggs, ", "))
}

// Sort orders rows by Keys.
type Sort struct {
	Input Node
	Keys  []expr.SortKey
}

func (s *Sort) Schema() *arrow.Schema { return s.Input.Schema() }
func (s *Sort) Children() []Node      { return []Node{s.Input} }
func (s *Sort) String() string {
	keys := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		keys[i] = k.String()
	}
	return "Sort: " + strings.Join(keys, ", ")
}

// Limit returns at most N rows.
type Limit struct {
	Input Node
	N     int64
}

func (l *Limit) Schema() *arrow.Schema { return l.Input.Schema() }
func (l *Limit) Children() []Node      { return []Node{l.Input} }
func (l *Limit) String() string        { return fmt.Sprintf("Limit: %d", l.N) }

// JoinType selects join semantics.
type JoinType string

const (
	InnerJoin JoinType = "inner"
	LeftJoin  JoinType = "left"
)

// Join combines two inputs. Output fields are qualified with the side's
// alias ("alias.column").
type Join struct {
	Left, Right Node
	Type        JoinType
	On          expr.Expr
	schema      *arrow.Schema
}

func (j *Join) Schema() *arrow.Schema { return j.schema }
func (j *Join) Children() []Node      { return []Node{j.Left, j.Right} }
func (j *Join) String() string {
	return fmt.Sprintf("Join: %s on %s", j.Type, j.On)
}

// RemoteScan is a sub-plan delegated in full to one connector.
type RemoteScan struct {
	Dataset string
	Kind    string
	Request *core.ScanRequest
	// Query is the rendered native query, when the connector renders one
	Query string
}

func (r *RemoteScan) Schema() *arrow.Schema { return r.Request.OutputSchema }
func (r *RemoteScan) Children() []Node      { return nil }
func (r *RemoteScan) String() string {
	s := fmt.Sprintf("RemoteScan: %s [%s] %s", r.Dataset, r.Kind, r.Request)
	if r.Query != "" {
		s += "\n  query: " + r.Query
	}
	return s
}

// WithChildren returns a copy of n with its inputs replaced.
func WithChildren(n Node, children []Node) Node {
	switch x := n.(type) {
	case *Filter:
		c := *x
		c.Input = children[0]
		return &c
	case *Projection:
		c := *x
		c.Input = children[0]
		return &c
	case *Aggregate:
		c := *x
		c.Input = children[0]
		return &c
	case *Sort:
		c := *x
		c.Input = children[0]
		return &c
	case *Limit:
		c := *x
		c.Input = children[0]
		return &c
	case *Join:
		c := *x
		c.Left, c.Right = children[0], children[1]
		return &c
	}
	return n
}

// Format renders the plan tree, one operator per line.
func Format(n Node) string {
	var sb strings.Builder
	format(&sb, n, 0)
	return strings.TrimRight(sb.String(), "\n")
}

func format(sb *strings.Builder, n Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, line := range strings.Split(n.String(), "\n") {
		sb.WriteString(indent)
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	for _, c := range n.Children() {
		format(sb, c, depth+1)
	}
}

// Datasets returns the datasets read by the plan.
func Datasets(n Node) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Node)
	walk = func(n Node) {
		switch x := n.(type) {
		case *Scan:
			if !seen[x.Dataset] {
				seen[x.Dataset] = true
				out = append(out, x.Dataset)
			}
		case *RemoteScan:
			if !seen[x.Dataset] {
				seen[x.Dataset] = true
				out = append(out, x.Dataset)
			}
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(n)
	return out
}

func joinExprs(exprs []expr.Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
