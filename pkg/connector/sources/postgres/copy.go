package postgres

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/sqlbuilder"
)

// recordSource feeds record batches to COPY row by row. It implements
// pgx.CopyFromSource.
type recordSource struct {
	ctx    context.Context
	stream core.RecordStream
	rec    arrow.Record
	rows   []columnar.Row
	row    columnar.Row
	err    error
}

func (s *recordSource) Next() bool {
	for len(s.rows) == 0 {
		s.release()
		rec, err := s.stream.Next(s.ctx)
		if err == io.EOF {
			return false
		}
		if err != nil {
			s.err = err
			return false
		}
		s.rec = rec
		s.rows = columnar.RecordToNativeRows(rec)
	}
	s.row, s.rows = s.rows[0], s.rows[1:]
	return true
}

func (s *recordSource) Values() ([]interface{}, error) {
	out := make([]interface{}, len(s.row))
	for i, v := range s.row {
		out[i] = sqlbuilder.BindValue(v)
	}
	return out, nil
}

func (s *recordSource) Err() error { return s.err }

func (s *recordSource) release() {
	if s.rec != nil {
		s.rec.Release()
		s.rec = nil
	}
}
