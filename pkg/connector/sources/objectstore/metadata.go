package objectstore

import (
	"context"
	"path"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
)

const (
	modeContent  = "content"
	modeMetadata = "metadata"
)

// MetadataSchema is the schema of a dataset in metadata mode.
var MetadataSchema = arrow.NewSchema([]arrow.Field{
	{Name: "location", Type: arrow.BinaryTypes.String},
	{Name: "last_modified", Type: &arrow.TimestampType{Unit: arrow.Millisecond}},
	{Name: "size", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "e_tag", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "version", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// listing returns the objects under the prefix whose base names pass the
// pattern and filename_regex options. Unlike parts, empty and hidden objects
// are kept.
func (c *Connector) listing(ctx context.Context, b Bucket) ([]Object, error) {
	objs, err := b.List(ctx, listPrefix(c.loc.prefix))
	if err != nil {
		return nil, err
	}
	out := objs[:0]
	for _, o := range objs {
		if c.matches(path.Base(o.Key)) {
			out = append(out, o)
		}
	}
	return out, nil
}

func metadataRow(o Object) columnar.Row {
	row := columnar.Row{o.Key, o.LastModified, uint64(o.Size), nil, nil}
	if o.ETag != "" {
		row[3] = o.ETag
	}
	if o.Version != "" {
		row[4] = o.Version
	}
	return row
}

// scanMetadata streams the object listing as rows of MetadataSchema.
func (c *Connector) scanMetadata(ctx context.Context, req *core.ScanRequest, out *arrow.Schema) core.RecordStream {
	return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(),
		func(ctx context.Context, b Bucket, emit base.EmitFunc) error {
			objs, err := c.listing(ctx, b)
			if err != nil {
				return err
			}
			// Without filters the first limit objects are the answer.
			if req != nil && len(req.Filters) == 0 && req.Limit > 0 && int64(len(objs)) > req.Limit {
				objs = objs[:req.Limit]
			}

			batcher := columnar.NewBatcher(c.Allocator(), MetadataSchema, c.Descriptor().Batch())
			defer batcher.Release()
			var recs []arrow.Record
			for _, o := range objs {
				if err := batcher.Append(metadataRow(o)); err != nil {
					base.NewSliceStream(MetadataSchema, recs).Close()
					return err
				}
				if batcher.Full() {
					recs = append(recs, batcher.Flush())
				}
			}
			if rec := batcher.Flush(); rec != nil {
				recs = append(recs, rec)
			}

			s, err := c.pushed(base.NewSliceStream(MetadataSchema, recs), req, out)
			if err != nil {
				return err
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
		}))
}
