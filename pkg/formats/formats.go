// Package formats reads and writes Arrow record batches in the file formats
// found in object stores.
//
// # Supported formats
//
//   - CSV: schema declared or inferred from the first chunk
//   - Parquet: schema from the file footer
//   - Arrow IPC: file or stream framing, detected from the magic bytes
//   - Avro: object container files, schema from the file header
//   - JSON lines: schema must be declared
//
// Readers hand out records the caller owns and must release. Writers never
// close the sink they write to.
package formats

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/compression"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// Format represents a file format.
type Format string

const (
	// CSV is comma separated text with a header line
	CSV Format = "csv"
	// Parquet is Apache Parquet
	Parquet Format = "parquet"
	// Arrow is the Arrow IPC file or stream format
	Arrow Format = "arrow"
	// Avro is the Avro object container format
	Avro Format = "avro"
	// JSONL is newline delimited JSON objects
	JSONL Format = "jsonl"
)

var extensions = map[string]Format{
	".csv":     CSV,
	".parquet": Parquet,
	".pq":      Parquet,
	".arrow":   Arrow,
	".arrows":  Arrow,
	".ipc":     Arrow,
	".feather": Arrow,
	".avro":    Avro,
	".jsonl":   JSONL,
	".ndjson":  JSONL,
	".json":    JSONL,
}

// Extension returns the file suffix written for f.
func (f Format) Extension() string {
	if f == JSONL {
		return ".jsonl"
	}
	return "." + string(f)
}

// Parse resolves a format name.
func Parse(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case CSV, Parquet, Arrow, Avro, JSONL:
		return f, nil
	case "ndjson", "json":
		return JSONL, nil
	case "ipc", "feather":
		return Arrow, nil
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "unknown format %q", name)
}

// Detect infers the format and compression of an object from its name, as
// in "day=1/part-0.csv.gz". ok is false when the name carries no known
// format extension.
func Detect(name string) (f Format, alg compression.Algorithm, ok bool) {
	alg, base := compression.FromPath(name)
	f, ok = extensions[strings.ToLower(path.Ext(base))]
	return f, alg, ok
}

// Options configures readers and writers.
type Options struct {
	Allocator memory.Allocator
	// BatchSize bounds the rows per record read
	BatchSize int
	// Schema is required for JSON lines and optional for CSV
	Schema *arrow.Schema
	// NoHeader marks CSV input without a header line
	NoHeader bool
	// Delimiter is the CSV field separator; zero means comma
	Delimiter rune
}

func (o Options) allocator() memory.Allocator {
	if o.Allocator == nil {
		return memory.DefaultAllocator
	}
	return o.Allocator
}

func (o Options) batch() int {
	if o.BatchSize <= 0 {
		return 1024
	}
	return o.BatchSize
}

// Reader yields the records of one object.
type Reader interface {
	Schema() *arrow.Schema
	// Next returns the next record, or io.EOF after the last one. The
	// caller releases the record.
	Next() (arrow.Record, error)
	Close() error
}

// Writer encodes records into one object.
type Writer interface {
	Write(rec arrow.Record) error
	// Close writes any footer. The sink stays open.
	Close() error
}

// NewReader decodes r as f.
func NewReader(ctx context.Context, f Format, r io.Reader, o Options) (Reader, error) {
	var (
		rd  Reader
		err error
	)
	switch f {
	case CSV:
		rd, err = newCSVReader(r, o)
	case Parquet:
		rd, err = newParquetReader(ctx, r, o)
	case Arrow:
		rd, err = newIPCReader(r, o)
	case Avro:
		rd, err = newAvroReader(r, o)
	case JSONL:
		rd, err = newJSONReader(r, o)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown format %q", f)
	}
	if err != nil && !errors.IsType(err, errors.ErrorTypeConfig) && !errors.IsType(err, errors.ErrorTypeUnsupportedType) &&
		!errors.IsType(err, errors.ErrorTypeSchemaUnavailable) {
		err = errors.Wrap(err, errors.ErrorTypeData, "failed to open "+string(f)+" data")
	}
	return rd, err
}

// NewWriter encodes records with schema into w as f.
func NewWriter(f Format, w io.Writer, schema *arrow.Schema, o Options) (Writer, error) {
	sink := writeOnly{w}
	switch f {
	case CSV:
		return newCSVWriter(sink, schema, o), nil
	case Parquet:
		return newParquetWriter(sink, schema, o)
	case Arrow:
		return newIPCWriter(sink, schema, o)
	case Avro:
		return newAvroWriter(sink, schema)
	case JSONL:
		return &jsonWriter{w: sink}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unknown format %q", f)
}

// writeOnly hides Close from encoders that close their sink.
type writeOnly struct{ w io.Writer }

func (s writeOnly) Write(p []byte) (int, error) { return s.w.Write(p) }

// ReadAll drains rd into a slice of records.
func ReadAll(rd Reader) ([]arrow.Record, error) {
	var out []arrow.Record
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, err
		}
		out = append(out, rec)
	}
}
