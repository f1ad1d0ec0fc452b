package formats

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// Parquet and Arrow files are read through their footers, so the object is
// buffered in memory first.

type parquetReader struct {
	file   *file.Reader
	rr     pqarrow.RecordReader
	schema *arrow.Schema
}

func newParquetReader(ctx context.Context, r io.Reader, o Options) (*parquetReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ar, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: int64(o.batch())}, o.allocator())
	if err != nil {
		fr.Close()
		return nil, err
	}
	schema, err := ar.Schema()
	if err != nil {
		fr.Close()
		return nil, err
	}
	rr, err := ar.GetRecordReader(ctx, nil, nil)
	if err != nil {
		fr.Close()
		return nil, err
	}
	return &parquetReader{file: fr, rr: rr, schema: schema}, nil
}

func (p *parquetReader) Schema() *arrow.Schema { return p.schema }

func (p *parquetReader) Next() (arrow.Record, error) {
	return nextOf(p.rr)
}

func (p *parquetReader) Close() error {
	p.rr.Release()
	return p.file.Close()
}

// nextOf adapts an array.RecordReader, whose records it owns, to Next.
func nextOf(rr array.RecordReader) (arrow.Record, error) {
	if !rr.Next() {
		if err := rr.Err(); err != nil && err != io.EOF {
			return nil, err
		}
		return nil, io.EOF
	}
	rec := rr.Record()
	rec.Retain()
	return rec, nil
}

type parquetWriter struct {
	w *pqarrow.FileWriter
}

func newParquetWriter(w io.Writer, schema *arrow.Schema, o Options) (*parquetWriter, error) {
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(o.allocator()),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(o.allocator()),
		pqarrow.WithStoreSchema(),
	)
	fw, err := pqarrow.NewFileWriter(schema, w, props, arrowProps)
	if err != nil {
		return nil, err
	}
	return &parquetWriter{w: fw}, nil
}

func (p *parquetWriter) Write(rec arrow.Record) error { return p.w.Write(rec) }
func (p *parquetWriter) Close() error                 { return p.w.Close() }

var arrowMagic = []byte("ARROW1")

// ipcFileReader walks the batches of an Arrow IPC file.
type ipcFileReader struct {
	r    *ipc.FileReader
	next int
}

func (f *ipcFileReader) Schema() *arrow.Schema { return f.r.Schema() }

func (f *ipcFileReader) Next() (arrow.Record, error) {
	if f.next >= f.r.NumRecords() {
		return nil, io.EOF
	}
	rec, err := f.r.RecordAt(f.next)
	if err != nil {
		return nil, err
	}
	f.next++
	return rec, nil
}

func (f *ipcFileReader) Close() error { return f.r.Close() }

type ipcStreamReader struct {
	r *ipc.Reader
}

func (s *ipcStreamReader) Schema() *arrow.Schema { return s.r.Schema() }
func (s *ipcStreamReader) Next() (arrow.Record, error) {
	return nextOf(s.r)
}

func (s *ipcStreamReader) Close() error {
	s.r.Release()
	return nil
}

func newIPCReader(r io.Reader, o Options) (Reader, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(arrowMagic))
	if bytes.Equal(head, arrowMagic) {
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		fr, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(o.allocator()))
		if err != nil {
			return nil, err
		}
		return &ipcFileReader{r: fr}, nil
	}
	sr, err := ipc.NewReader(br, ipc.WithAllocator(o.allocator()))
	if err != nil {
		return nil, err
	}
	return &ipcStreamReader{r: sr}, nil
}

type ipcWriter struct {
	w *ipc.FileWriter
}

func newIPCWriter(w io.Writer, schema *arrow.Schema, o Options) (*ipcWriter, error) {
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(o.allocator()))
	if err != nil {
		return nil, err
	}
	return &ipcWriter{w: fw}, nil
}

func (i *ipcWriter) Write(rec arrow.Record) error { return i.w.Write(rec) }
func (i *ipcWriter) Close() error                 { return i.w.Close() }
