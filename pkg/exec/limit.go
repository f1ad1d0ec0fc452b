package exec

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
)

// Limit passes through at most n rows, then closes its input so upstream
// leases are released without draining the rest.
type Limit struct {
	input     core.RecordStream
	remaining int64
	closed    bool
}

// NewLimit caps input at n rows.
func NewLimit(input core.RecordStream, n int64) *Limit {
	return &Limit{input: input, remaining: n}
}

func (l *Limit) Schema() *arrow.Schema { return l.input.Schema() }

func (l *Limit) Next(ctx context.Context) (arrow.Record, error) {
	if l.remaining <= 0 {
		l.finish()
		return nil, io.EOF
	}
	rec, err := l.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	if rec.NumRows() <= l.remaining {
		l.remaining -= rec.NumRows()
		if l.remaining == 0 {
			l.finish()
		}
		return rec, nil
	}
	out := rec.NewSlice(0, l.remaining)
	rec.Release()
	l.remaining = 0
	l.finish()
	return out, nil
}

func (l *Limit) finish() {
	if !l.closed {
		l.closed = true
		l.input.Close()
	}
}

func (l *Limit) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.input.Close()
}
