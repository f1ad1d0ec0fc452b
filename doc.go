// Package meridian is a federated query engine. It registers tables that
// live in different backends as named datasets, plans simple queries over
// them and streams the results as Arrow record batches, locally or over
// Arrow Flight.
//
// # Architecture
//
// A query is a logical plan (pkg/plan) over one dataset: a scan followed by
// filter, sort, projection, aggregation and limit operators. The planner
// (pkg/federation) walks the plan bottom-up and pushes every operator the
// dataset's connector can evaluate into its scan request, stopping at the
// first one it cannot. The executor (pkg/exec) evaluates what remains on
// Arrow batches.
//
// Connectors (pkg/connector) adapt one backend each:
//
//   - sqldb and postgres: relational databases through database/sql and pgx
//   - bigquery: Google BigQuery through its SQL dialect
//   - mongodb: MongoDB collections through aggregation pipelines
//   - objectstore: CSV, JSON lines, Parquet, Arrow and Avro objects on a
//     local directory, S3 or GCS
//   - memory: in-process tables, mostly for tests and staging
//
// Connections to a backend are shared through bounded pools (pkg/pool)
// keyed by backend identity, so datasets on the same server reuse them.
//
// # Quick Start
//
//	e := engine.New()
//	defer e.Close(ctx)
//
//	err := e.Register(ctx, &core.Descriptor{
//	    Name: "orders",
//	    Kind: "postgres",
//	    DSN:  "postgres://localhost/shop",
//	    Table: "public.orders",
//	})
//
//	n, err := e.Table("orders").
//	    Filter(expr.Gt(expr.Col("total"), expr.Lit(100.0))).
//	    Project(expr.Col("id"), expr.Col("total")).
//	    Limit(10).
//	    Build()
//	stream, err := e.Execute(ctx, n)
//
// The meridian command serves a configuration file's datasets over Flight
// and provides client commands to list, read and append to them.
package meridian
