package engine_test

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/engine"
	"github.com/ajitpratap0/meridian/pkg/expr"

	// Register the memory connector
	_ "github.com/ajitpratap0/meridian/pkg/connector/sources/memory"
)

// Example registers an in-memory dataset, appends rows to it and reads
// back a filtered, sorted projection.
func Example() {
	ctx := context.Background()
	e := engine.New()
	defer e.Close(ctx)

	err := e.Register(ctx, &core.Descriptor{
		Name:    "cities",
		Kind:    "memory",
		Options: map[string]string{"schema": "name utf8 not null; population int64"},
	})
	if err != nil {
		log.Fatal(err)
	}

	schema, _ := e.TableSchema("cities")
	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, []columnar.Row{
		{"Lisbon", int64(545000)},
		{"Porto", int64(232000)},
		{"Braga", int64(193000)},
	})
	if err != nil {
		log.Fatal(err)
	}
	if _, err := e.Write(ctx, "cities", base.NewSliceStream(schema, []arrow.Record{rec})); err != nil {
		log.Fatal(err)
	}

	n, err := e.Table("cities").
		Filter(expr.Gt(expr.Col("population"), expr.Lit(int64(200000)))).
		Sort(expr.SortKey{Expr: expr.Col("population")}).
		Project(expr.Col("name")).
		Build()
	if err != nil {
		log.Fatal(err)
	}
	stream, err := e.Execute(ctx, n)
	if err != nil {
		log.Fatal(err)
	}
	defer stream.Close()

	for {
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal(err)
		}
		for _, row := range columnar.RecordToRows(rec) {
			fmt.Println(row[0])
		}
		rec.Release()
	}
	// Output:
	// Porto
	// Lisbon
}
