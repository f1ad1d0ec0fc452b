package main

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/flight"
)

// queryFlags are the scan options shared by get and datasets explain.
type queryFlags struct {
	columns []string
	filter  string
	sort    []string
	limit   int64
}

func (q *queryFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceVar(&q.columns, "columns", nil, "Columns to return, in order")
	f.StringVar(&q.filter, "filter", "", "Filter as a JSON expression")
	f.StringSliceVar(&q.sort, "sort", nil, "Sort columns; prefix with - for descending")
	f.Int64Var(&q.limit, "limit", 0, "Maximum number of rows")
}

// command builds the Flight command for dataset.
func (q *queryFlags) command(dataset string) (flight.Command, error) {
	c := flight.Command{Dataset: dataset, Columns: q.columns, Limit: q.limit}
	if q.limit < 0 {
		return c, errors.New(errors.ErrorTypeValidation, "--limit must not be negative")
	}
	if q.filter != "" {
		var f expr.Filter
		if err := json.Unmarshal([]byte(q.filter), &f); err != nil {
			return c, err
		}
		c.Filter = &f
	}
	for _, s := range q.sort {
		name, desc := strings.CutPrefix(strings.TrimSpace(s), "-")
		if name == "" {
			return c, errors.Newf(errors.ErrorTypeValidation, "invalid sort key %q", s)
		}
		c.Sort = append(c.Sort, flight.SortKey{Column: name, Desc: desc})
	}
	return c, nil
}
