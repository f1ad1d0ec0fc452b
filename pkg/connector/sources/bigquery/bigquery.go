// Package bigquery provides the Google BigQuery connector. Scans render
// pushed operators into GoogleSQL with positional parameters; writes go
// through the streaming inserter.
package bigquery

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/connector/sqlbuilder"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/pool"
)

// Kind is the registered connector kind.
const Kind = "bigquery"

const tokenURL = "https://oauth2.googleapis.com/token"

func init() {
	registry.Register(core.ConnectorMetadata{
		Kind:         Kind,
		Description:  "Google BigQuery tables and queries with GoogleSQL push-down",
		Capabilities: core.AllCapabilities,
		Writable:     true,
	}, Factory)
}

// Connector serves one BigQuery table or query. The descriptor address is
// the project id.
type Connector struct {
	*base.BaseConnector
	project  string
	location string
	ref      tableRef
	source   sqlbuilder.Source
	pool     *pool.Handle[*bigquery.Client]
}

var (
	_ core.Connector     = (*Connector)(nil)
	_ core.Writer        = (*Connector)(nil)
	_ core.QueryRenderer = (*Connector)(nil)
)

// Factory implements core.Factory.
func Factory(ctx context.Context, desc *core.Descriptor, deps core.Dependencies) (core.Connector, error) {
	c, err := New(desc, deps)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// New creates a connector. Clients are created on first use.
func New(desc *core.Descriptor, deps core.Dependencies) (*Connector, error) {
	project := desc.Option("project", desc.Address)
	if project == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "bigquery dataset %s needs a project", desc.Name)
	}
	if desc.Table == "" && desc.Query == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "bigquery dataset %s needs a table or a query", desc.Name)
	}
	if deps.Pools == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "bigquery connector needs a pool registry")
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector(desc, core.AllCapabilities, deps),
		project:       project,
		location:      desc.Option("location", ""),
		source:        sqlbuilder.From(desc),
	}
	if desc.Table != "" {
		ref, err := parseTable(project, desc.Option("dataset", ""), desc.Table)
		if err != nil {
			return nil, err
		}
		c.ref = ref
		c.source = sqlbuilder.Source{Table: ref.String()}
	}

	opts, err := clientOptions(desc)
	if err != nil {
		return nil, err
	}
	id := pool.NewIdentity(Kind, project+"@"+desc.Option("endpoint", ""), desc.Credentials)
	h, err := pool.Shared[*bigquery.Client](deps.Pools, id, desc.PoolSettings(), pool.Funcs[*bigquery.Client]{
		OpenFunc: func(ctx context.Context) (*bigquery.Client, error) {
			client, err := bigquery.NewClient(ctx, project, opts...)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bigquery client")
			}
			if c.location != "" {
				client.Location = c.location
			}
			return client, nil
		},
		CloseFunc: func(client *bigquery.Client) error { return client.Close() },
	})
	if err != nil {
		return nil, err
	}
	c.pool = h
	return c, nil
}

type tableRef struct {
	project, dataset, table string
}

func (r tableRef) String() string {
	return r.project + "." + r.dataset + "." + r.table
}

// parseTable accepts table, dataset.table or project.dataset.table.
func parseTable(project, dataset, name string) (tableRef, error) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		if dataset == "" {
			return tableRef{}, errors.Newf(errors.ErrorTypeConfig, "table %s needs a dataset option or a dataset prefix", name)
		}
		return tableRef{project, dataset, parts[0]}, nil
	case 2:
		return tableRef{project, parts[0], parts[1]}, nil
	case 3:
		return tableRef{parts[0], parts[1], parts[2]}, nil
	default:
		return tableRef{}, errors.Newf(errors.ErrorTypeConfig, "invalid bigquery table name %q", name)
	}
}

// clientOptions picks the authentication method from the descriptor
// credentials: a service account file, a refresh token, a static access
// token, or none against an emulator endpoint.
func clientOptions(desc *core.Descriptor) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	creds := desc.Credentials
	switch {
	case creds["credentials_file"] != "":
		opts = append(opts, option.WithCredentialsFile(creds["credentials_file"]))
	case creds["credentials_json"] != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(creds["credentials_json"])))
	case creds["refresh_token"] != "":
		if creds["client_id"] == "" || creds["client_secret"] == "" {
			return nil, errors.New(errors.ErrorTypeAuthentication, "refresh_token needs client_id and client_secret")
		}
		cfg := &oauth2.Config{
			ClientID:     creds["client_id"],
			ClientSecret: creds["client_secret"],
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       []string{bigquery.Scope},
		}
		ts := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: creds["refresh_token"]})
		opts = append(opts, option.WithTokenSource(ts))
	case creds["token"] != "":
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds["token"]})))
	}

	if endpoint := desc.Option("endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
		if len(opts) == 1 {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	return opts, nil
}

// Schema implements core.Connector.
func (c *Connector) Schema(ctx context.Context) (*arrow.Schema, error) {
	return c.CachedSchema(ctx, c.discover)
}

func (c *Connector) discover(ctx context.Context) (*arrow.Schema, error) {
	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(pool.OutcomeOK) }()
	client := lease.Value()

	var schema bigquery.Schema
	if c.source.Query != "" {
		// A dry run validates the query and reports its result schema
		// without reading data.
		q := client.Query(c.source.Query)
		q.DryRun = true
		job, err := q.Run(ctx)
		if err != nil {
			return nil, classify(err)
		}
		stats, ok := job.LastStatus().Statistics.Details.(*bigquery.QueryStatistics)
		if !ok || stats.Schema == nil {
			return nil, errors.New(errors.ErrorTypeSchemaUnavailable, "dry run returned no schema")
		}
		schema = stats.Schema
	} else {
		md, err := client.DatasetInProject(c.ref.project, c.ref.dataset).Table(c.ref.table).Metadata(ctx)
		if err != nil {
			return nil, classify(err)
		}
		schema = md.Schema
	}
	return schemaOf(schema)
}

// schemaOf maps a BigQuery schema. Repeated and nested fields are rejected.
func schemaOf(schema bigquery.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(schema))
	for i, f := range schema {
		if f.Repeated {
			return nil, errors.Newf(errors.ErrorTypeUnsupportedType, "column %s is REPEATED", f.Name)
		}
		t, err := columnar.BigQuery.ArrowType(columnar.NativeType{
			Name:      string(f.Type),
			Precision: int32(f.Precision),
			Scale:     int32(f.Scale),
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType, "column "+f.Name)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: t, Nullable: !f.Required}
	}
	return arrow.NewSchema(fields, nil), nil
}

// classify maps API errors: a missing table or dataset means the schema is
// unavailable; authentication failures keep their own type.
func classify(err error) error {
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return errors.Wrap(err, errors.ErrorTypeSchemaUnavailable, "bigquery object not found")
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "bigquery access denied")
		case http.StatusTooManyRequests:
			return errors.Wrap(err, errors.ErrorTypeRateLimit, "bigquery quota exceeded")
		}
	}
	return errors.Wrap(err, errors.ErrorTypeBackendExecution, "bigquery request failed")
}

// Scan implements core.Connector.
func (c *Connector) Scan(ctx context.Context, req *core.ScanRequest) (core.RecordStream, error) {
	out, err := c.PrepareScan(ctx, req, c.discover)
	if err != nil {
		return nil, err
	}
	sel, err := c.selectSchema(ctx, req, out)
	if err != nil {
		return nil, err
	}
	q, err := sqlbuilder.BuildWith(sqlbuilder.BigQuery, c.source, req, sel, bindLiteral)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(),
		func(ctx context.Context, client *bigquery.Client, emit base.EmitFunc) error {
			c.Logger().Debug("running query", zap.String("sql", q.SQL), zap.Int("args", len(q.Args)))
			query := client.Query(q.SQL)
			for _, arg := range q.Args {
				query.Parameters = append(query.Parameters, bigquery.QueryParameter{Value: arg})
			}
			it, err := query.Read(ctx)
			if err != nil {
				return classify(err)
			}

			batcher := columnar.NewBatcher(c.Allocator(), out, c.Descriptor().Batch())
			defer batcher.Release()
			for {
				var row []bigquery.Value
				err := it.Next(&row)
				if err == iterator.Done {
					break
				}
				if err != nil {
					return classify(err)
				}
				if err := batcher.Append(nativeRow(row)); err != nil {
					return err
				}
				if batcher.Full() {
					if err := emit(batcher.Flush()); err != nil {
						return err
					}
				}
			}
			if rec := batcher.Flush(); rec != nil {
				return emit(rec)
			}
			return nil
		})), nil
}

// selectSchema returns the schema whose columns a plain scan selects.
func (c *Connector) selectSchema(ctx context.Context, req *core.ScanRequest, out *arrow.Schema) (*arrow.Schema, error) {
	if req == nil || (!req.Aggregated() && req.Columns == nil) {
		return c.Schema(ctx)
	}
	return out, nil
}

// RenderQuery implements core.QueryRenderer.
func (c *Connector) RenderQuery(req *core.ScanRequest) (string, error) {
	ctx := context.Background()
	out, err := c.PrepareScan(ctx, req, c.discover)
	if err != nil {
		return "", err
	}
	sel, err := c.selectSchema(ctx, req, out)
	if err != nil {
		return "", err
	}
	q, err := sqlbuilder.BuildWith(sqlbuilder.BigQuery, c.source, req, sel, bindLiteral)
	return q.SQL, err
}

// bindLiteral converts a literal into the Go type the client maps onto the
// matching GoogleSQL parameter type.
func bindLiteral(l expr.Literal) interface{} {
	return toBigQuery(l.Value, l.Type)
}

func toBigQuery(v interface{}, t arrow.DataType) bigquery.Value {
	switch x := v.(type) {
	case columnar.Decimal:
		return x.Rat()
	case time.Duration:
		return civil.TimeOf(time.Time{}.Add(x))
	case time.Time:
		if t == nil {
			return x
		}
		switch dt := t.(type) {
		case *arrow.Date32Type:
			return civil.DateOf(x)
		case *arrow.TimestampType:
			if dt.TimeZone == "" {
				return civil.DateTimeOf(x)
			}
		}
		return x
	}
	return v
}

// nativeRow converts the civil types of a result row into the values the
// columnar builders accept.
func nativeRow(row []bigquery.Value) columnar.Row {
	out := make(columnar.Row, len(row))
	for i, v := range row {
		switch x := v.(type) {
		case civil.Date:
			out[i] = x.In(time.UTC)
		case civil.DateTime:
			out[i] = x.In(time.UTC)
		case civil.Time:
			out[i] = time.Duration(x.Hour)*time.Hour + time.Duration(x.Minute)*time.Minute +
				time.Duration(x.Second)*time.Second + time.Duration(x.Nanosecond)
		default:
			out[i] = v
		}
	}
	return out
}

// Write implements core.Writer with the streaming inserter. Rows are sent in
// batch-sized chunks; a failed chunk stops the write.
func (c *Connector) Write(ctx context.Context, stream core.RecordStream) (int64, error) {
	if c.source.Table == "" {
		return 0, errors.Newf(errors.ErrorTypeCapability, "dataset %s is a query and cannot be written", c.Name())
	}
	schema, err := c.Schema(ctx)
	if err != nil {
		return 0, err
	}
	if got := stream.Schema(); got.NumFields() != schema.NumFields() {
		return 0, errors.Newf(errors.ErrorTypeProtocolViolation,
			"batch has %d columns, dataset %s has %d", got.NumFields(), c.Name(), schema.NumFields())
	}
	bqSchema := saverSchema(schema)

	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return 0, err
	}
	defer func() { _ = lease.Release(pool.OutcomeOK) }()
	inserter := lease.Value().DatasetInProject(c.ref.project, c.ref.dataset).Table(c.ref.table).Inserter()

	var n int64
	err = base.Drain(ctx, stream, func(rec arrow.Record) error {
		savers := make([]*bigquery.ValuesSaver, 0, rec.NumRows())
		for _, row := range columnar.RecordToRows(rec) {
			values := make([]bigquery.Value, len(row))
			for i, v := range row {
				values[i] = toBigQuery(v, schema.Field(i).Type)
			}
			savers = append(savers, &bigquery.ValuesSaver{Schema: bqSchema, Row: values})
		}
		if err := inserter.Put(ctx, savers); err != nil {
			return classify(err)
		}
		n += int64(len(savers))
		return nil
	})
	if err != nil {
		return n, err
	}
	c.Logger().Debug("inserted rows", zap.Int64("rows", n), zap.String("table", c.ref.String()))
	return n, nil
}

// saverSchema describes the columns for the inserter.
func saverSchema(schema *arrow.Schema) bigquery.Schema {
	out := make(bigquery.Schema, schema.NumFields())
	for i, f := range schema.Fields() {
		out[i] = &bigquery.FieldSchema{Name: f.Name, Type: fieldType(f.Type), Required: !f.Nullable}
	}
	return out
}

func fieldType(t arrow.DataType) bigquery.FieldType {
	switch dt := t.(type) {
	case *arrow.Decimal128Type:
		return bigquery.NumericFieldType
	case *arrow.Date32Type:
		return bigquery.DateFieldType
	case *arrow.Time64Type:
		return bigquery.TimeFieldType
	case *arrow.TimestampType:
		if dt.TimeZone == "" {
			return bigquery.DateTimeFieldType
		}
		return bigquery.TimestampFieldType
	}
	switch t.ID() {
	case arrow.BOOL:
		return bigquery.BooleanFieldType
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return bigquery.IntegerFieldType
	case arrow.FLOAT32, arrow.FLOAT64:
		return bigquery.FloatFieldType
	case arrow.BINARY:
		return bigquery.BytesFieldType
	default:
		return bigquery.StringFieldType
	}
}

// Close implements core.Connector.
func (c *Connector) Close(ctx context.Context) error {
	err := c.BaseConnector.Close(ctx)
	c.pool.Release()
	return err
}
