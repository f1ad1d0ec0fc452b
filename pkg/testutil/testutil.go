// Package testutil provides testing utilities for Meridian
package testutil

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/meridian/pkg/logger"
)

// TestLogger creates a test logger that writes to the test output and
// installs it as the global logger for the duration of the test.
func TestLogger(t *testing.T) *zap.Logger {
	l := zaptest.NewLogger(t)
	logger.Set(l)
	t.Cleanup(func() { logger.Set(zap.NewNop()) })
	return l
}

// TestContext creates a test context with a 30-second timeout that is
// cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Int64Record builds a record with int64 column "a" and string column "b".
// Each value v of as yields a row (v, "row-<v>").
func Int64Record(t *testing.T, as ...int64) arrow.Record {
	t.Helper()
	schema := ABSchema()
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for _, v := range as {
		b.Field(0).(*array.Int64Builder).Append(v)
		b.Field(1).(*array.StringBuilder).Append("row-" + strconv.FormatInt(v, 10))
	}
	return b.NewRecord()
}

// ABSchema is the schema produced by Int64Record.
func ABSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "b", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

// Int64Column extracts column idx of every record as int64 values.
func Int64Column(t *testing.T, recs []arrow.Record, idx int) []int64 {
	t.Helper()
	var out []int64
	for _, rec := range recs {
		col, ok := rec.Column(idx).(*array.Int64)
		if !ok {
			t.Fatalf("column %d is %s, not int64", idx, rec.Column(idx).DataType())
		}
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
	}
	return out
}

// ReleaseAll releases every record.
func ReleaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}
