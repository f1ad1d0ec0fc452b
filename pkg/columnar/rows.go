package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// Row is one native row, positionally aligned with a schema.
type Row []interface{}

// RowsToRecord converts native rows into a single record conforming to
// schema. The caller owns the returned record.
func RowsToRecord(mem memory.Allocator, schema *arrow.Schema, rows []Row) (arrow.Record, error) {
	b := NewBatcher(mem, schema, len(rows)+1)
	defer b.Release()
	for i, row := range rows {
		if err := b.Append(row); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("row %d", i))
		}
	}
	return b.Flush(), nil
}

// RecordToRows converts a record into rows of Go values as returned by Value.
func RecordToRows(rec arrow.Record) []Row {
	return recordRows(rec, Value)
}

// RecordToNativeRows converts a record into rows ready for parameter binding
// as returned by NativeValue.
func RecordToNativeRows(rec arrow.Record) []Row {
	return recordRows(rec, NativeValue)
}

func recordRows(rec arrow.Record, get func(arrow.Array, int) interface{}) []Row {
	rows := make([]Row, rec.NumRows())
	cols := rec.Columns()
	for i := range rows {
		row := make(Row, len(cols))
		for j, col := range cols {
			row[j] = get(col, i)
		}
		rows[i] = row
	}
	return rows
}

// Batcher accumulates native rows into record batches of a fixed size.
type Batcher struct {
	schema    *arrow.Schema
	builder   *array.RecordBuilder
	batchSize int
	rows      int
}

// NewBatcher creates a batcher producing records of at most batchSize rows.
func NewBatcher(mem memory.Allocator, schema *arrow.Schema, batchSize int) *Batcher {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	if batchSize <= 0 {
		batchSize = 1024
	}
	return &Batcher{
		schema:    schema,
		builder:   array.NewRecordBuilder(mem, schema),
		batchSize: batchSize,
	}
}

// Schema returns the schema of produced records.
func (b *Batcher) Schema() *arrow.Schema { return b.schema }

// Append adds one row. The row must have one value per schema field.
func (b *Batcher) Append(row Row) error {
	if len(row) != len(b.schema.Fields()) {
		return errors.Newf(errors.ErrorTypeData, "row has %d values, schema has %d fields",
			len(row), len(b.schema.Fields()))
	}
	for i, v := range row {
		if v == nil && !b.schema.Field(i).Nullable {
			return errors.Newf(errors.ErrorTypeData, "null value for non-nullable field %q", b.schema.Field(i).Name)
		}
	}
	for i, v := range row {
		if err := AppendValue(b.builder.Field(i), v); err != nil {
			// Keep columns aligned so the builder stays usable.
			for j := i; j < len(row); j++ {
				b.builder.Field(j).AppendNull()
			}
			b.rows++
			b.discardLast()
			return errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("field %q", b.schema.Field(i).Name))
		}
	}
	b.rows++
	return nil
}

// discardLast drops the partially appended last row by rebuilding the
// pending rows without it.
func (b *Batcher) discardLast() {
	rec := b.builder.NewRecord()
	defer rec.Release()
	keep := rec.NewSlice(0, rec.NumRows()-1)
	defer keep.Release()
	b.rows = 0
	for _, row := range RecordToRows(keep) {
		for j, v := range row {
			_ = AppendValue(b.builder.Field(j), v)
		}
		b.rows++
	}
}

// Len returns the number of pending rows.
func (b *Batcher) Len() int { return b.rows }

// Full reports whether a batch is ready to flush.
func (b *Batcher) Full() bool { return b.rows >= b.batchSize }

// Flush returns the pending rows as a record, or nil if there are none.
func (b *Batcher) Flush() arrow.Record {
	if b.rows == 0 {
		return nil
	}
	b.rows = 0
	return b.builder.NewRecord()
}

// Release frees the underlying builder.
func (b *Batcher) Release() {
	b.builder.Release()
}
