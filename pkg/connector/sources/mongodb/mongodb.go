// Package mongodb provides the MongoDB collection connector. Pushed
// predicates, sorts, limits and projections become an aggregation pipeline;
// the schema is declared with the "schema" option or sampled from the
// collection.
//
//	kind: mongodb
//	dsn: mongodb://localhost:27017
//	table: shop.orders
//	options:
//	  sample: "500"
package mongodb

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/pool"
)

// Kind is the registered connector kind.
const Kind = "mongodb"

const defaultSample = 100

// Aggregation is not pushed: $group sums over empty groups differ from SQL.
var native = core.Caps(core.CapPredicate, core.CapProjection, core.CapSort, core.CapLimit)

func init() {
	registry.Register(core.ConnectorMetadata{
		Kind:         Kind,
		Description:  "MongoDB collections with aggregation pipeline push-down",
		Capabilities: native,
		Writable:     true,
	}, Factory)
}

// Connector serves one collection.
type Connector struct {
	*base.BaseConnector
	database   string
	collection string
	declared   *arrow.Schema
	sample     int64
	pool       *pool.Handle[*mongo.Client]

	mu    sync.RWMutex
	types map[string]bsontype.Type
}

var (
	_ core.Connector        = (*Connector)(nil)
	_ core.Writer           = (*Connector)(nil)
	_ core.QueryRenderer    = (*Connector)(nil)
	_ core.PredicateChecker = (*Connector)(nil)
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
	if desc.Query != "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "mongodb dataset %s must name a collection, not a query", desc.Name)
	}
	db, coll, err := namespace(desc.Option("database", ""), desc.Table)
	if err != nil {
		return nil, err
	}
	uri := desc.DSN
	if uri == "" && desc.Address != "" {
		uri = "mongodb://" + desc.Address
	}
	if uri == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "mongodb dataset %s needs a dsn or an address", desc.Name)
	}
	if deps.Pools == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "mongodb connector needs a pool registry")
	}
	sample, err := strconv.ParseInt(desc.Option("sample", strconv.Itoa(defaultSample)), 10, 64)
	if err != nil || sample <= 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid sample option %q", desc.Option("sample", ""))
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector(desc, native, deps),
		database:      db,
		collection:    coll,
		sample:        sample,
	}
	if spec := desc.Option("schema", ""); spec != "" {
		if c.declared, err = expr.ParseSchema(spec); err != nil {
			return nil, err
		}
	}

	cfg := desc.PoolSettings()
	opts := options.Client().ApplyURI(uri)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout).SetServerSelectionTimeout(cfg.ConnectTimeout)
	}
	if user := desc.Credentials["user"]; user != "" {
		opts.SetAuth(options.Credential{
			Username:   user,
			Password:   desc.Credentials["password"],
			AuthSource: desc.Option("auth_source", ""),
		})
	}
	h, err := pool.Shared[*mongo.Client](deps.Pools, desc.Identity(), cfg, pool.Funcs[*mongo.Client]{
		OpenFunc: func(ctx context.Context) (*mongo.Client, error) {
			client, err := mongo.Connect(ctx, opts)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mongodb client options")
			}
			if err := client.Ping(ctx, readpref.Primary()); err != nil {
				_ = client.Disconnect(context.Background())
				return nil, errors.Wrap(err, errors.ErrorTypeBackendUnreachable, "failed to reach mongodb")
			}
			return client, nil
		},
		ProbeFunc: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, readpref.Primary())
		},
		CloseFunc: func(client *mongo.Client) error { return client.Disconnect(context.Background()) },
	})
	if err != nil {
		return nil, err
	}
	c.pool = h
	return c, nil
}

// namespace splits "db.collection"; collection names may hold dots.
func namespace(database, table string) (string, string, error) {
	if table == "" {
		return "", "", errors.New(errors.ErrorTypeConfig, "mongodb dataset needs a collection")
	}
	if database != "" {
		return database, table, nil
	}
	db, coll, ok := strings.Cut(table, ".")
	if !ok || db == "" || coll == "" {
		return "", "", errors.Newf(errors.ErrorTypeConfig, "collection %q needs a database option or a database prefix", table)
	}
	return db, coll, nil
}

// Schema implements core.Connector.
func (c *Connector) Schema(ctx context.Context) (*arrow.Schema, error) {
	return c.CachedSchema(ctx, c.discover)
}

func (c *Connector) discover(ctx context.Context) (*arrow.Schema, error) {
	if c.declared != nil {
		return c.declared, nil
	}
	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return nil, err
	}
	coll := lease.Value().Database(c.database).Collection(c.collection)
	cur, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(c.sample))
	if err != nil {
		err = classify(err)
		_ = lease.Release(pool.OutcomeFor(err))
		return nil, err
	}
	defer cur.Close(ctx)

	s := newSampler()
	for cur.Next(ctx) {
		if err := s.add(cur.Current); err != nil {
			_ = lease.Release(pool.OutcomeOK)
			return nil, err
		}
	}
	if err := cur.Err(); err != nil {
		err = classify(err)
		_ = lease.Release(pool.OutcomeFor(err))
		return nil, err
	}
	_ = lease.Release(pool.OutcomeOK)

	schema, types, err := s.schema()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.types = types
	c.mu.Unlock()
	c.Logger().Debug("sampled collection schema",
		zap.String("collection", c.collection), zap.Int("documents", s.docs), zap.Int("fields", len(types)))
	return schema, nil
}

func (c *Connector) translator() translator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return translator{native: c.types}
}

// SupportsPredicate implements core.PredicateChecker.
func (c *Connector) SupportsPredicate(e expr.Expr) bool {
	_, err := c.translator().match(e)
	return err == nil
}

// Scan implements core.Connector.
func (c *Connector) Scan(ctx context.Context, req *core.ScanRequest) (core.RecordStream, error) {
	out, err := c.PrepareScan(ctx, req, c.discover)
	if err != nil {
		return nil, err
	}
	stages, err := c.translator().pipeline(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "cannot translate scan")
	}
	batch := c.Descriptor().Batch()
	return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(),
		func(ctx context.Context, client *mongo.Client, emit base.EmitFunc) error {
			coll := client.Database(c.database).Collection(c.collection)
			cur, err := coll.Aggregate(ctx, stages, options.Aggregate().SetBatchSize(int32(batch)))
			if err != nil {
				return classify(err)
			}
			defer cur.Close(ctx)

			batcher := columnar.NewBatcher(c.Allocator(), out, batch)
			defer batcher.Release()
			for cur.Next(ctx) {
				row, err := decodeRow(cur.Current, out)
				if err != nil {
					return err
				}
				if err := batcher.Append(row); err != nil {
					return err
				}
				if batcher.Full() {
					if err := emit(batcher.Flush()); err != nil {
						return err
					}
				}
			}
			if err := cur.Err(); err != nil {
				return classify(err)
			}
			if rec := batcher.Flush(); rec != nil {
				return emit(rec)
			}
			return nil
		})), nil
}

// RenderQuery implements core.QueryRenderer.
func (c *Connector) RenderQuery(req *core.ScanRequest) (string, error) {
	stages, err := c.translator().pipeline(req)
	if err != nil {
		return "", err
	}
	text, err := render(stages)
	if err != nil {
		return "", err
	}
	return c.database + "." + c.collection + ".aggregate(" + text + ")", nil
}

// Write implements core.Writer. Each batch is one ordered InsertMany; a
// failed batch stops the write.
func (c *Connector) Write(ctx context.Context, stream core.RecordStream) (int64, error) {
	schema, err := c.Schema(ctx)
	if err != nil {
		return 0, err
	}
	if got := stream.Schema(); got.NumFields() != schema.NumFields() {
		return 0, errors.Newf(errors.ErrorTypeProtocolViolation,
			"batch has %d columns, dataset %s has %d", got.NumFields(), c.Name(), schema.NumFields())
	}
	types := c.translator().native

	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return 0, err
	}
	coll := lease.Value().Database(c.database).Collection(c.collection)

	var n int64
	err = base.Drain(ctx, stream, func(rec arrow.Record) error {
		docs := make([]interface{}, 0, rec.NumRows())
		for _, row := range columnar.RecordToRows(rec) {
			doc := make(bson.D, 0, len(row))
			for i, v := range row {
				name := schema.Field(i).Name
				doc = append(doc, bson.E{Key: name, Value: toBSON(v, types[name])})
			}
			docs = append(docs, doc)
		}
		if len(docs) == 0 {
			return nil
		}
		res, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
		if res != nil {
			n += int64(len(res.InsertedIDs))
		}
		if err != nil {
			return classify(err)
		}
		return nil
	})
	_ = lease.Release(pool.OutcomeFor(err))
	if err != nil {
		return n, err
	}
	c.Logger().Debug("inserted documents", zap.Int64("documents", n), zap.String("collection", c.collection))
	return n, nil
}

// classify maps driver errors onto the error taxonomy.
func classify(err error) error {
	var cmd mongo.CommandError
	switch {
	case mongo.IsDuplicateKeyError(err):
		return errors.Wrap(err, errors.ErrorTypeConflict, "duplicate key")
	case mongo.IsTimeout(err):
		return errors.Wrap(err, errors.ErrorTypeTimeout, "mongodb operation timed out")
	case mongo.IsNetworkError(err):
		return errors.Wrap(err, errors.ErrorTypeBackendUnreachable, "mongodb connection failed")
	case stderrors.As(err, &cmd) && (cmd.Code == 13 || cmd.Code == 18):
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "mongodb access denied")
	}
	return errors.Wrap(err, errors.ErrorTypeBackendExecution, "mongodb command failed")
}

// Close implements core.Connector.
func (c *Connector) Close(ctx context.Context) error {
	err := c.BaseConnector.Close(ctx)
	c.pool.Release()
	return err
}
