package sqldb

import (
	"context"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/sqlbuilder"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/pool"
)

// Write implements core.Writer. Rows are inserted in one transaction; a
// failure rolls back the whole stream.
func (c *Connector) Write(ctx context.Context, stream core.RecordStream) (n int64, err error) {
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

	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return 0, err
	}
	defer func() {
		outcome := pool.OutcomeFor(err)
		if base.IsBrokenConnection(err) {
			outcome = pool.OutcomeBroken
		}
		err = base.ReleaseLease(lease, outcome, err)
	}()

	tx, err := lease.Value().BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeBackendExecution, "failed to begin transaction")
	}
	stmt, err := tx.PrepareContext(ctx, c.insertSQL(schema.Fields()))
	if err != nil {
		_ = tx.Rollback()
		return 0, errors.Wrap(err, errors.ErrorTypeBackendExecution, "failed to prepare insert")
	}
	defer stmt.Close()

	err = drain(ctx, stream, func(row columnar.Row) error {
		args := make([]interface{}, len(row))
		for i, v := range row {
			args[i] = sqlbuilder.BindValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errors.Wrap(err, errors.ErrorTypeBackendExecution, "insert failed")
		}
		n++
		return nil
	})
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeBackendExecution, "commit failed")
	}
	c.Logger().Debug("inserted rows", zap.Int64("rows", n), zap.String("table", c.source.Table))
	return n, nil
}

func (c *Connector) insertSQL(fields []arrow.Field) string {
	d := c.backend.SQL
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = d.QuoteIdent(f.Name)
		marks[i] = d.Placeholder(i + 1)
	}
	return "INSERT INTO " + sqlbuilder.QuoteName(d, c.source.Table) +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
}
