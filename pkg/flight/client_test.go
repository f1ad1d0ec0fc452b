package flight

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/retry"
)

func TestStatusKeepsErrorType(t *testing.T) {
	for typ := range codeOf {
		t.Run(string(typ), func(t *testing.T) {
			in := errors.Wrap(fmt.Errorf("socket closed"), typ, "scan failed")
			st := toStatus(in)
			assert.Equal(t, codeOf[typ], status.Code(st))

			out := fromStatus(st)
			assert.True(t, errors.IsType(out, typ), "got %v", out)
			assert.Contains(t, out.Error(), "scan failed")
		})
	}
}

func TestStatusWithoutTypePrefix(t *testing.T) {
	out := fromStatus(status.Error(codes.Unavailable, "connection refused"))
	assert.True(t, errors.IsType(out, errors.ErrorTypeConnection))

	out = fromStatus(status.Error(codes.Unknown, "boom"))
	assert.True(t, errors.IsType(out, errors.ErrorTypeInternal))

	assert.ErrorIs(t, fromStatus(toStatus(context.Canceled)), context.Canceled)
	assert.NoError(t, fromStatus(nil))
}

func TestUntypedErrorsBecomeInternal(t *testing.T) {
	st := toStatus(fmt.Errorf("nil map"))
	assert.Equal(t, codes.Internal, status.Code(st))
	assert.True(t, errors.IsType(fromStatus(st), errors.ErrorTypeInternal))
}

func fastRetry(attempts int) *retry.Policy {
	return &retry.Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func offlineClient(t *testing.T, p *retry.Policy) *Client {
	t.Helper()
	c, err := Dial(context.Background(), "127.0.0.1:1", WithRetry(p))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReadOnlyRetriesUnavailable(t *testing.T) {
	c := offlineClient(t, fastRetry(3))
	var seen []flight.Client
	err := c.readOnly(context.Background(), func(_ context.Context, fc flight.Client) error {
		seen = append(seen, fc)
		if len(seen) < 3 {
			return status.Error(codes.Unavailable, "connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.NotSame(t, seen[0], seen[1], "an unavailable channel is replaced")
}

func TestReadOnlyGivesUp(t *testing.T) {
	c := offlineClient(t, fastRetry(2))
	calls := 0
	err := c.readOnly(context.Background(), func(context.Context, flight.Client) error {
		calls++
		return status.Error(codes.Unavailable, "connection refused")
	})
	assert.Equal(t, 2, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection), "got %v", err)
}

func TestReadOnlyDoesNotRetryOtherCodes(t *testing.T) {
	c := offlineClient(t, fastRetry(5))
	calls := 0
	err := c.readOnly(context.Background(), func(context.Context, flight.Client) error {
		calls++
		return toStatus(errors.New(errors.ErrorTypeNotFound, "dataset x is not registered"))
	})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound), "got %v", err)
}

// frames captures what a record writer sends and replays it to a reader.
type frames struct {
	sent []*flight.FlightData
	err  error
}

func (f *frames) Send(fd *flight.FlightData) error {
	f.sent = append(f.sent, &flight.FlightData{
		DataHeader: append([]byte(nil), fd.DataHeader...),
		DataBody:   append([]byte(nil), fd.DataBody...),
	})
	return nil
}

func (f *frames) Recv() (*flight.FlightData, error) {
	if len(f.sent) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	fd := f.sent[0]
	f.sent = f.sent[1:]
	return fd, nil
}

func encodedBatch(t *testing.T) *frames {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int64}}, nil)
	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, []columnar.Row{{int64(1)}, {int64(2)}})
	require.NoError(t, err)
	defer rec.Release()
	f := &frames{}
	w := flight.NewRecordWriter(f, ipc.WithSchema(schema))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	return f
}

func replay(t *testing.T, f *frames) *Reader {
	t.Helper()
	rdr, err := flight.NewRecordReader(f)
	require.NoError(t, err)
	r := &Reader{rdr: rdr, cancel: func() {}}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReaderTypesMalformedFrames(t *testing.T) {
	f := encodedBatch(t)
	require.NotEmpty(t, f.sent)
	// A second schema message where a batch belongs.
	f.sent = append(f.sent, f.sent[0])
	r := replay(t, f)

	rec, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.NumRows())
	rec.Release()

	_, err = r.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocolViolation), "got %v", err)
}

func TestReaderKeepsStatusErrors(t *testing.T) {
	f := encodedBatch(t)
	f.err = toStatus(errors.New(errors.ErrorTypeBackendExecution, "cursor lost"))
	r := replay(t, f)

	rec, err := r.Next(context.Background())
	require.NoError(t, err)
	rec.Release()

	_, err = r.Next(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeBackendExecution), "got %v", err)
}

func TestStreamErrorTypes(t *testing.T) {
	assert.NoError(t, streamError(nil))
	assert.ErrorIs(t, streamError(fmt.Errorf("read: %w", context.Canceled)), context.Canceled)
	assert.True(t, errors.IsType(streamError(io.ErrUnexpectedEOF), errors.ErrorTypeProtocolViolation))
	assert.True(t, errors.IsType(streamError(status.Error(codes.Unavailable, "gone")), errors.ErrorTypeConnection))

	typed := errors.New(errors.ErrorTypeData, "bad row")
	assert.Same(t, typed, streamError(typed))
}
