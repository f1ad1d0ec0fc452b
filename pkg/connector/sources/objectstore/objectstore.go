// Package objectstore provides the connector for datasets stored as files in
// a local directory, an S3 bucket or a Cloud Storage bucket. Every object
// under the dataset prefix is one part of the table; formats and
// compression are taken from the object names unless fixed by options.
//
//	kind: objectstore
//	address: s3://lake/events
//	options:
//	  format: parquet
//	  pattern: "*.parquet"
//	  endpoint: http://localhost:9000
//	  path_style: "true"
//
// Predicates, projections and limits are evaluated while reading, so only
// matching rows leave the connector. Ingested streams become new objects
// named part-<uuid> under the prefix.
//
// With mode: metadata the dataset is the object listing itself, one row per
// object with its location, last_modified, size, e_tag and version. The
// filename_regex option narrows both modes to matching base names.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/compression"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/exec"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/formats"
	"github.com/ajitpratap0/meridian/pkg/pool"
)

// Kind is the registered connector kind.
const Kind = "objectstore"

const defaultParallelism = 4

var native = core.Caps(core.CapPredicate, core.CapProjection, core.CapLimit)

func init() {
	registry.Register(core.ConnectorMetadata{
		Kind:         Kind,
		Description:  "CSV, Parquet, Arrow, Avro and JSON lines objects in local, S3 or GCS storage",
		Capabilities: native,
		Writable:     true,
	}, Factory)
}

// Connector serves the objects under one prefix.
type Connector struct {
	*base.BaseConnector
	loc         location
	format      formats.Format
	compression compression.Algorithm
	forced      bool
	pattern     string
	declared    *arrow.Schema
	read        formats.Options
	parallelism int
	writeFormat formats.Format
	writeAlg    compression.Algorithm
	metadata    bool
	names       *regexp.Regexp
	pool        *pool.Handle[Bucket]
	owned       *pool.Registry
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

// New validates the descriptor. No storage is contacted until the first
// schema request or scan.
func New(desc *core.Descriptor, deps core.Dependencies) (*Connector, error) {
	if desc.Query != "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "object store dataset %s cannot run queries", desc.Name)
	}
	loc, err := parseLocation(desc)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		BaseConnector: base.NewBaseConnector(desc, native, deps),
		loc:           loc,
		pattern:       desc.Option("pattern", ""),
		parallelism:   defaultParallelism,
	}
	if err := c.configure(desc); err != nil {
		return nil, err
	}

	reg := deps.Pools
	if reg == nil {
		reg = pool.NewRegistry()
		c.owned = reg
	}
	id := pool.NewIdentity(Kind, loc.String()+"|"+desc.Option("endpoint", ""), desc.Credentials)
	h, err := pool.Shared[Bucket](reg, id, desc.PoolSettings(), pool.Funcs[Bucket]{
		OpenFunc:  func(ctx context.Context) (Bucket, error) { return openBucket(ctx, loc, desc) },
		ProbeFunc: func(ctx context.Context, b Bucket) error { return b.Ping(ctx) },
		CloseFunc: func(b Bucket) error { return b.Close() },
	})
	if err != nil {
		if c.owned != nil {
			c.owned.Close()
		}
		return nil, err
	}
	c.pool = h
	return c, nil
}

func (c *Connector) configure(desc *core.Descriptor) error {
	var err error
	if name := desc.Option("format", ""); name != "" {
		if c.format, err = formats.Parse(name); err != nil {
			return err
		}
		c.forced = true
	}
	if name := desc.Option("compression", ""); name != "" {
		if c.compression, err = compression.ParseAlgorithm(name); err != nil {
			return err
		}
	}
	if c.pattern != "" {
		if _, err := path.Match(c.pattern, ""); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "invalid pattern option")
		}
	}
	if re := desc.Option("filename_regex", ""); re != "" {
		if c.names, err = regexp.Compile(re); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "invalid filename_regex option")
		}
	}
	switch mode := desc.Option("mode", modeContent); mode {
	case modeContent:
	case modeMetadata:
		if desc.Option("schema", "") != "" || c.forced {
			return errors.New(errors.ErrorTypeConfig, "metadata mode has a fixed schema; drop the schema and format options")
		}
		c.metadata = true
	default:
		return errors.Newf(errors.ErrorTypeConfig, "mode option must be %q or %q, got %q", modeContent, modeMetadata, mode)
	}
	if spec := desc.Option("schema", ""); spec != "" {
		if c.declared, err = expr.ParseSchema(spec); err != nil {
			return err
		}
	}
	if v := desc.Option("parallelism", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "parallelism option must be a positive integer, got %q", v)
		}
		c.parallelism = n
	}

	header, err := strconv.ParseBool(desc.Option("header", "true"))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid header option")
	}
	c.read = formats.Options{
		Allocator: c.Allocator(),
		BatchSize: desc.Batch(),
		NoHeader:  !header,
	}
	if d := desc.Option("delimiter", ""); d != "" {
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) || r == '\n' || r == '"' {
			return errors.Newf(errors.ErrorTypeConfig, "delimiter option must be a single character, got %q", d)
		}
		c.read.Delimiter = r
	}

	c.writeFormat = formats.Parquet
	if c.forced {
		c.writeFormat = c.format
	}
	if name := desc.Option("write_format", ""); name != "" {
		if c.writeFormat, err = formats.Parse(name); err != nil {
			return err
		}
	}
	if name := desc.Option("write_compression", ""); name != "" {
		if c.writeAlg, err = compression.ParseAlgorithm(name); err != nil {
			return err
		}
	}
	return nil
}

// part is an object together with how to decode it.
type part struct {
	Object
	format formats.Format
	alg    compression.Algorithm
}

// parts lists the dataset's objects. Empty objects and names starting with
// "_" or "." are skipped, as are names of unknown format unless the format
// is fixed.
func (c *Connector) parts(ctx context.Context, b Bucket) ([]part, error) {
	objs, err := b.List(ctx, listPrefix(c.loc.prefix))
	if err != nil {
		return nil, err
	}
	var out []part
	for _, o := range objs {
		name := path.Base(o.Key)
		if o.Size == 0 || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		if !c.matches(name) {
			continue
		}
		f, alg, ok := formats.Detect(name)
		if c.forced {
			f, ok = c.format, true
		}
		if !ok {
			continue
		}
		if c.compression != compression.None {
			alg = c.compression
		}
		out = append(out, part{Object: o, format: f, alg: alg})
	}
	return out, nil
}

// matches applies the pattern and filename_regex options to an object's
// base name.
func (c *Connector) matches(name string) bool {
	if c.pattern != "" {
		if ok, _ := path.Match(c.pattern, name); !ok {
			return false
		}
	}
	return c.names == nil || c.names.MatchString(name)
}

// discover returns the declared schema, or the schema of the first object.
func (c *Connector) discover(ctx context.Context) (*arrow.Schema, error) {
	if c.metadata {
		return MetadataSchema, nil
	}
	if c.declared != nil {
		return c.declared, nil
	}
	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(pool.OutcomeFor(err)) }()

	parts, err := c.parts(ctx, lease.Value())
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		err = errors.Newf(errors.ErrorTypeSchemaUnavailable, "no objects under %s/%s; declare a schema option", c.loc, c.loc.prefix)
		return nil, err
	}
	p := parts[0]
	rd, closers, err := openReader(ctx, lease.Value(), p.Key, p.format, p.alg, c.read)
	if err != nil {
		return nil, err
	}
	schema := rd.Schema()
	(&objectStream{rd: rd, closers: closers}).Close()
	c.Logger().Debug("inferred schema from object", zap.String("key", p.Key), zap.String("format", string(p.format)))
	return schema, nil
}

// Schema implements core.Connector.
func (c *Connector) Schema(ctx context.Context) (*arrow.Schema, error) {
	return c.CachedSchema(ctx, c.discover)
}

// Scan implements core.Connector.
func (c *Connector) Scan(ctx context.Context, req *core.ScanRequest) (core.RecordStream, error) {
	out, err := c.PrepareScan(ctx, req, c.discover)
	if err != nil {
		return nil, err
	}
	if c.metadata {
		return c.scanMetadata(ctx, req, out), nil
	}
	schema, err := c.Schema(ctx)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(),
		func(ctx context.Context, b Bucket, emit base.EmitFunc) error {
			parts, err := c.parts(ctx, b)
			if err != nil {
				return err
			}
			byKey := make(map[string]part, len(parts))
			objs := make([]Object, len(parts))
			for i, p := range parts {
				byKey[p.Key] = p
				objs[i] = p.Object
			}
			var s core.RecordStream = newFanIn(ctx, out, objs, c.parallelism,
				func(ctx context.Context, o Object) (core.RecordStream, error) {
					return c.openPart(ctx, b, byKey[o.Key], schema, req, out)
				})
			if req != nil && req.Limit > 0 {
				s = exec.NewLimit(s, req.Limit)
			}
			defer s.Close()
			return base.Drain(ctx, s, func(rec arrow.Record) error {
				rec.Retain()
				r, err := base.Relabel(rec, out)
				if err != nil {
					return err
				}
				return emit(r)
			})
		})), nil
}

// openPart reads one object and applies the pushed operators to it.
func (c *Connector) openPart(ctx context.Context, b Bucket, p part, schema *arrow.Schema,
	req *core.ScanRequest, out *arrow.Schema) (core.RecordStream, error) {
	o := c.read
	if p.format == formats.CSV || p.format == formats.JSONL {
		o.Schema = schema
	}
	rd, closers, err := openReader(ctx, b, p.Key, p.format, p.alg, o)
	if err != nil {
		return nil, err
	}
	var s core.RecordStream = &objectStream{key: p.Key, schema: schema, rd: rd, closers: closers}
	return c.pushed(s, req, out)
}

// pushed applies the request's filters, projection and limit to s.
func (c *Connector) pushed(s core.RecordStream, req *core.ScanRequest, out *arrow.Schema) (core.RecordStream, error) {
	if req == nil {
		return s, nil
	}
	mem := c.Allocator()
	if len(req.Filters) > 0 {
		f, err := exec.NewFilter(s, expr.And(req.Filters...), mem)
		if err != nil {
			s.Close()
			return nil, err
		}
		s = f
	}
	if req.Columns != nil {
		cols := make([]expr.Expr, len(req.Columns))
		for i, name := range req.Columns {
			cols[i] = expr.Column{Name: name}
		}
		p, err := exec.NewProjection(s, cols, out, mem)
		if err != nil {
			s.Close()
			return nil, err
		}
		s = p
	}
	if req.Limit > 0 {
		s = exec.NewLimit(s, req.Limit)
	}
	return s, nil
}

// RenderQuery implements core.QueryRenderer.
func (c *Connector) RenderQuery(req *core.ScanRequest) (string, error) {
	if c.metadata {
		return fmt.Sprintf("objectstore metadata %s/%s: %s", c.loc, c.loc.prefix, req), nil
	}
	format := "auto"
	if c.forced {
		format = string(c.format)
	}
	return fmt.Sprintf("objectstore %s/%s format=%s: %s", c.loc, c.loc.prefix, format, req), nil
}

// Write implements core.Writer. The stream becomes one new object, which
// appears only if every batch is accepted.
func (c *Connector) Write(ctx context.Context, stream core.RecordStream) (n int64, err error) {
	if c.metadata {
		return 0, errors.Newf(errors.ErrorTypeCapability, "dataset %s lists object metadata and cannot be written", c.Descriptor().Name)
	}
	schema, err := c.Schema(ctx)
	if errors.IsType(err, errors.ErrorTypeSchemaUnavailable) {
		schema, err = stream.Schema(), nil
	}
	if err != nil {
		return 0, err
	}
	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return 0, err
	}
	defer func() { err = base.ReleaseLease(lease, pool.OutcomeFor(err), err) }()

	key := joinKey(c.loc.prefix, "part-"+uuid.NewString()+c.writeFormat.Extension()+c.writeAlg.Extension())
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ow, err := lease.Value().Create(wctx, key)
	if err != nil {
		return 0, err
	}
	n, err = c.encode(ctx, ow, schema, stream)
	if err != nil {
		cancel()
		_ = ow.Close()
		return 0, err
	}
	if err = ow.Close(); err != nil {
		return 0, err
	}
	c.Logger().Info("wrote object", zap.String("key", key), zap.Int64("rows", n))
	return n, nil
}

func (c *Connector) encode(ctx context.Context, ow io.Writer, schema *arrow.Schema, stream core.RecordStream) (int64, error) {
	cw, err := compression.NewWriter(c.writeAlg, ow, compression.Default)
	if err != nil {
		return 0, err
	}
	fw, err := formats.NewWriter(c.writeFormat, cw, schema, formats.Options{
		Allocator: c.Allocator(),
		NoHeader:  c.read.NoHeader,
		Delimiter: c.read.Delimiter,
	})
	if err != nil {
		cw.Close()
		return 0, err
	}
	var n int64
	err = base.Drain(ctx, stream, func(rec arrow.Record) error {
		rec.Retain()
		r, err := base.Relabel(rec, schema)
		if err != nil {
			return err
		}
		defer r.Release()
		n += r.NumRows()
		return fw.Write(r)
	})
	if err == nil {
		err = fw.Close()
	}
	err = multierr.Append(err, cw.Close())
	var typed *errors.Error
	if err != nil && !errors.As(err, &typed) && !errors.IsCanceled(err) {
		err = errors.Wrap(err, errors.ErrorTypeData, "failed to encode "+string(c.writeFormat))
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close implements core.Connector.
func (c *Connector) Close(ctx context.Context) error {
	err := c.BaseConnector.Close(ctx)
	c.pool.Release()
	if c.owned != nil {
		c.owned.Close()
	}
	return err
}
