package formats

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// csvReader reads CSV. Without a declared schema the inferring reader
// fixes the column types from the first chunk, so the first record is read
// up front.
type csvReader struct {
	r     *csv.Reader
	first arrow.Record
	done  bool
}

func newCSVReader(r io.Reader, o Options) (*csvReader, error) {
	opts := []csv.Option{
		csv.WithAllocator(o.allocator()),
		csv.WithChunk(o.batch()),
		csv.WithHeader(!o.NoHeader),
		csv.WithNullReader(true, ""),
	}
	if o.Delimiter != 0 {
		opts = append(opts, csv.WithComma(o.Delimiter))
	}
	c := &csvReader{}
	if o.Schema != nil {
		c.r = csv.NewReader(r, o.Schema, opts...)
		return c, nil
	}
	c.r = csv.NewInferringReader(r, opts...)
	if c.r.Next() {
		c.first = c.r.Record()
		c.first.Retain()
		return c, nil
	}
	err := c.r.Err()
	c.r.Release()
	if err != nil {
		return nil, err
	}
	return nil, errors.New(errors.ErrorTypeSchemaUnavailable, "csv object has no rows to infer a schema from")
}

func (c *csvReader) Schema() *arrow.Schema { return c.r.Schema() }

func (c *csvReader) Next() (arrow.Record, error) {
	if c.first != nil {
		rec := c.first
		c.first = nil
		return rec, nil
	}
	if c.done || !c.r.Next() {
		c.done = true
		if err := c.r.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid csv row")
		}
		return nil, io.EOF
	}
	rec := c.r.Record()
	rec.Retain()
	return rec, nil
}

func (c *csvReader) Close() error {
	if c.first != nil {
		c.first.Release()
		c.first = nil
	}
	c.r.Release()
	return nil
}

type csvWriter struct {
	w *csv.Writer
}

func newCSVWriter(w io.Writer, schema *arrow.Schema, o Options) *csvWriter {
	opts := []csv.Option{csv.WithHeader(!o.NoHeader), csv.WithNullWriter("")}
	if o.Delimiter != 0 {
		opts = append(opts, csv.WithComma(o.Delimiter))
	}
	return &csvWriter{w: csv.NewWriter(w, schema, opts...)}
}

func (c *csvWriter) Write(rec arrow.Record) error { return c.w.Write(rec) }
func (c *csvWriter) Close() error                 { return c.w.Flush() }

// jsonReader reads newline delimited JSON against a declared schema.
type jsonReader struct {
	r *array.JSONReader
}

func newJSONReader(r io.Reader, o Options) (*jsonReader, error) {
	if o.Schema == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "json lines objects need a declared schema")
	}
	return &jsonReader{r: array.NewJSONReader(r, o.Schema,
		array.WithAllocator(o.allocator()), array.WithChunk(o.batch()))}, nil
}

func (j *jsonReader) Schema() *arrow.Schema { return j.r.Schema() }

func (j *jsonReader) Next() (arrow.Record, error) {
	if !j.r.Next() {
		if err := j.r.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid json line")
		}
		return nil, io.EOF
	}
	rec := j.r.Record()
	rec.Retain()
	return rec, nil
}

func (j *jsonReader) Close() error {
	j.r.Release()
	return nil
}

type jsonWriter struct {
	w io.Writer
}

func (j *jsonWriter) Write(rec arrow.Record) error { return array.RecordToJSON(rec, j.w) }
func (j *jsonWriter) Close() error                 { return nil }
