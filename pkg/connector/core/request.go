package core

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// SortField orders a scan by one column
type SortField struct {
	Column string
	Desc   bool
}

// ScanRequest carries the operators pushed into a scan. Every column
// reference is unqualified and names a column of the connector schema.
type ScanRequest struct {
	// Columns is the projection; nil means every column
	Columns []string
	// Filters are conjuncts that must all hold
	Filters []expr.Expr
	// GroupBy and Aggregates describe a pushed aggregation. When set, output
	// rows are the group columns followed by the aggregates.
	GroupBy    []string
	Aggregates []expr.Aggregate
	// Sort is applied after aggregation
	Sort []SortField
	// Limit caps the rows produced; zero means unlimited
	Limit int64
	// OutputSchema is the schema of produced batches, filled in by the
	// planner. Nil means OutputSchemaFor the connector schema.
	OutputSchema *arrow.Schema
}

// Aggregated reports whether the request pushes an aggregation.
func (r *ScanRequest) Aggregated() bool {
	return len(r.Aggregates) > 0 || len(r.GroupBy) > 0
}

// Clone returns a copy that can be modified independently.
func (r *ScanRequest) Clone() *ScanRequest {
	if r == nil {
		return &ScanRequest{}
	}
	out := *r
	if r.Columns != nil {
		out.Columns = append([]string{}, r.Columns...)
	}
	out.Filters = append([]expr.Expr(nil), r.Filters...)
	out.GroupBy = append([]string(nil), r.GroupBy...)
	out.Aggregates = append([]expr.Aggregate(nil), r.Aggregates...)
	out.Sort = append([]SortField(nil), r.Sort...)
	return &out
}

// Required returns the capabilities the request uses.
func (r *ScanRequest) Required() CapabilitySet {
	var s CapabilitySet
	if r == nil {
		return s
	}
	if len(r.Filters) > 0 {
		s |= CapabilitySet(CapPredicate)
	}
	if r.Columns != nil {
		s |= CapabilitySet(CapProjection)
	}
	if r.Limit > 0 {
		s |= CapabilitySet(CapLimit)
	}
	if r.Aggregated() {
		s |= CapabilitySet(CapAggregate)
	}
	if len(r.Sort) > 0 {
		s |= CapabilitySet(CapSort)
	}
	return s
}

func (r *ScanRequest) String() string {
	if r == nil {
		return "full scan"
	}
	var parts []string
	if r.Columns != nil {
		parts = append(parts, "columns=["+strings.Join(r.Columns, ",")+"]")
	}
	if len(r.Filters) > 0 {
		parts = append(parts, "filter="+expr.And(r.Filters...).String())
	}
	if r.Aggregated() {
		aggs := make([]string, len(r.Aggregates))
		for i, a := range r.Aggregates {
			aggs[i] = a.String()
		}
		parts = append(parts, fmt.Sprintf("group=[%s] aggs=[%s]",
			strings.Join(r.GroupBy, ","), strings.Join(aggs, ",")))
	}
	if len(r.Sort) > 0 {
		keys := make([]string, len(r.Sort))
		for i, k := range r.Sort {
			keys[i] = k.Column
			if k.Desc {
				keys[i] += " DESC"
			}
		}
		parts = append(parts, "sort=["+strings.Join(keys, ",")+"]")
	}
	if r.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", r.Limit))
	}
	if len(parts) == 0 {
		return "full scan"
	}
	return strings.Join(parts, " ")
}

// CheckRequest rejects requests that use capabilities outside caps.
func CheckRequest(caps CapabilitySet, req *ScanRequest) error {
	missing := req.Required() &^ caps
	if missing == 0 {
		return nil
	}
	return errors.Newf(errors.ErrorTypeCapability,
		"scan uses undeclared capabilities: %s", missing)
}

// OutputSchemaFor computes the schema a request produces over schema.
func OutputSchemaFor(schema *arrow.Schema, req *ScanRequest) (*arrow.Schema, error) {
	if req == nil {
		return schema, nil
	}
	if req.OutputSchema != nil {
		return req.OutputSchema, nil
	}

	var fields []arrow.Field
	if req.Aggregated() {
		for _, g := range req.GroupBy {
			idx, err := expr.Resolve(schema, expr.Column{Name: g})
			if err != nil {
				return nil, err
			}
			fields = append(fields, schema.Field(idx))
		}
		for _, a := range req.Aggregates {
			t, err := expr.AggregateType(a, schema)
			if err != nil {
				return nil, err
			}
			fields = append(fields, arrow.Field{Name: a.Name(), Type: t, Nullable: a.Func != expr.AggCount})
		}
		return arrow.NewSchema(fields, nil), nil
	}

	if req.Columns == nil {
		return schema, nil
	}
	for _, c := range req.Columns {
		idx, err := expr.Resolve(schema, expr.Column{Name: c})
		if err != nil {
			return nil, err
		}
		fields = append(fields, schema.Field(idx))
	}
	return arrow.NewSchema(fields, nil), nil
}

// ValidateRequest checks that every column the request references exists in
// schema.
func ValidateRequest(schema *arrow.Schema, req *ScanRequest) error {
	if req == nil {
		return nil
	}
	for _, c := range expr.Columns(req.Filters...) {
		if _, err := expr.Resolve(schema, c); err != nil {
			return err
		}
	}
	out, err := OutputSchemaFor(schema, req)
	if err != nil {
		return err
	}
	sortSchema := schema
	if req.Aggregated() {
		sortSchema = out
	}
	for _, k := range req.Sort {
		if _, err := expr.Resolve(sortSchema, expr.Column{Name: k.Column}); err != nil {
			return err
		}
	}
	return nil
}
