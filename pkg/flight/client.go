package flight

import (
	"context"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/retry"
)

// Client talks to a Flight server. Read-only calls retry on Unavailable,
// re-dialing between attempts, until the first message of a stream has
// arrived; DoPut never retries.
type Client struct {
	addr   string
	token  string
	dial   []grpc.DialOption
	policy *retry.Policy
	mem    memory.Allocator

	mu sync.Mutex
	fc flight.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends "authorization: Bearer token" on every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithRetry sets the retry policy for read-only calls.
func WithRetry(p *retry.Policy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithClientAllocator sets the allocator for received batches.
func WithClientAllocator(mem memory.Allocator) ClientOption {
	return func(c *Client) { c.mem = mem }
}

// WithDialOptions appends gRPC dial options. Without transport
// credentials among them the connection is plaintext.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dial = append(c.dial, opts...) }
}

// Dial connects to the server at addr. gRPC connects lazily, so an
// unreachable server surfaces on the first call.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:   addr,
		policy: retry.Default(),
		mem:    memory.DefaultAllocator,
		dial:   []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
	for _, o := range opts {
		o(c)
	}
	if c.token != "" {
		c.dial = append(c.dial, grpc.WithPerRPCCredentials(bearer(c.token)))
	}
	fc, err := c.connect()
	if err != nil {
		return nil, err
	}
	c.fc = fc
	return c, nil
}

func (c *Client) connect() (flight.Client, error) {
	fc, err := flight.NewClientWithMiddleware(c.addr, nil, nil, c.dial...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to dial "+c.addr)
	}
	return fc, nil
}

func (c *Client) current() flight.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fc
}

// redial replaces the channel unless another caller already did.
func (c *Client) redial(seen flight.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fc != seen {
		return
	}
	fc, err := c.connect()
	if err != nil {
		return
	}
	_ = seen.Close()
	c.fc = fc
}

// readOnly runs fn under the retry policy. fn must not have delivered
// anything to its caller when it fails.
func (c *Client) readOnly(ctx context.Context, fn func(ctx context.Context, fc flight.Client) error) error {
	var last error
	err := c.policy.ExecuteWithCondition(ctx, func(ctx context.Context) error {
		fc := c.current()
		err := fn(ctx, fc)
		if status.Code(err) == codes.Unavailable {
			c.redial(fc)
		}
		last = err
		return err
	}, func(err error) bool { return status.Code(err) == codes.Unavailable })
	if err != nil && last != nil {
		return fromStatus(last)
	}
	return fromStatus(err)
}

// GetSchema returns the schema of the rows d describes.
func (c *Client) GetSchema(ctx context.Context, d *flight.FlightDescriptor) (*arrow.Schema, error) {
	var schema *arrow.Schema
	err := c.readOnly(ctx, func(ctx context.Context, fc flight.Client) error {
		res, err := fc.GetSchema(ctx, d)
		if err != nil {
			return err
		}
		schema, err = flight.DeserializeSchema(res.GetSchema(), c.mem)
		return err
	})
	return schema, err
}

// GetFlightInfo returns the schema and ticket for d.
func (c *Client) GetFlightInfo(ctx context.Context, d *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	var info *flight.FlightInfo
	err := c.readOnly(ctx, func(ctx context.Context, fc flight.Client) error {
		var err error
		info, err = fc.GetFlightInfo(ctx, d)
		return err
	})
	return info, err
}

// ListFlights returns the datasets whose names start with prefix.
func (c *Client) ListFlights(ctx context.Context, prefix string) ([]*flight.FlightInfo, error) {
	var out []*flight.FlightInfo
	err := c.readOnly(ctx, func(ctx context.Context, fc flight.Client) error {
		out = out[:0]
		stream, err := fc.ListFlights(ctx, &flight.Criteria{Expression: []byte(prefix)})
		if err != nil {
			return err
		}
		for {
			info, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			out = append(out, info)
		}
	})
	return out, err
}

// Reader streams the batches of one DoGet call. It implements
// core.RecordStream; records returned by Next belong to the caller.
type Reader struct {
	rdr    *flight.Reader
	cancel context.CancelFunc
}

var _ core.RecordStream = (*Reader)(nil)

// Schema returns the schema the server announced.
func (r *Reader) Schema() *arrow.Schema { return r.rdr.Schema() }

// Next returns the next batch, io.EOF at the end, or the typed error that
// terminated the stream.
func (r *Reader) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.rdr.Next() {
		if err := r.rdr.Err(); err != nil && err != io.EOF {
			return nil, streamError(err)
		}
		return nil, io.EOF
	}
	rec := r.rdr.Record()
	rec.Retain()
	return rec, nil
}

// Close cancels the call if it is still running.
func (r *Reader) Close() error {
	r.cancel()
	r.rdr.Release()
	return nil
}

// DoGet opens the stream for t. The call is retried until the schema
// message arrives.
func (c *Client) DoGet(ctx context.Context, t *flight.Ticket) (*Reader, error) {
	var out *Reader
	err := c.readOnly(ctx, func(ctx context.Context, fc flight.Client) error {
		sctx, cancel := context.WithCancel(ctx)
		stream, err := fc.DoGet(sctx, t)
		if err != nil {
			cancel()
			return err
		}
		rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
		if err != nil {
			cancel()
			if _, ok := status.FromError(err); ok {
				return err
			}
			return streamError(err)
		}
		out = &Reader{rdr: rdr, cancel: cancel}
		return nil
	})
	return out, err
}

// ReadAll fetches the ticket of d and collects every batch. The caller
// releases the records.
func (c *Client) ReadAll(ctx context.Context, d *flight.FlightDescriptor) (*arrow.Schema, []arrow.Record, error) {
	info, err := c.GetFlightInfo(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	if len(info.Endpoint) == 0 {
		return nil, nil, errors.New(errors.ErrorTypeProtocolViolation, "flight info has no endpoint")
	}
	r, err := c.DoGet(ctx, info.Endpoint[0].Ticket)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	var out []arrow.Record
	for {
		rec, err := r.Next(ctx)
		if err == io.EOF {
			return r.Schema(), out, nil
		}
		if err != nil {
			for _, rec := range out {
				rec.Release()
			}
			return nil, nil, err
		}
		out = append(out, rec)
	}
}

// DoPut uploads stream into dataset and returns the rows the server
// acknowledged.
func (c *Client) DoPut(ctx context.Context, dataset string, stream core.RecordStream) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	put, err := c.current().DoPut(ctx)
	if err != nil {
		return 0, fromStatus(err)
	}
	w := flight.NewRecordWriter(put, ipc.WithSchema(stream.Schema()), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(PathDescriptor(dataset))
	for {
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			// The server ended the call; its status is on Recv.
			_, rerr := put.Recv()
			if rerr != nil && rerr != io.EOF {
				return 0, fromStatus(rerr)
			}
			return 0, fromStatus(err)
		}
	}
	if err := w.Close(); err != nil {
		return 0, fromStatus(err)
	}
	if err := put.CloseSend(); err != nil {
		return 0, fromStatus(err)
	}
	res, err := put.Recv()
	if err != nil {
		return 0, fromStatus(err)
	}
	var ack PutAck
	if err := json.Unmarshal(res.GetAppMetadata(), &ack); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeProtocolViolation, "invalid put acknowledgement")
	}
	return ack.Rows, nil
}

// PutRecords uploads recs, which share one schema, into dataset. It does
// not take ownership of recs.
func (c *Client) PutRecords(ctx context.Context, dataset string, recs ...arrow.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, errors.New(errors.ErrorTypeValidation, "no records to put")
	}
	owned := make([]arrow.Record, len(recs))
	for i, r := range recs {
		r.Retain()
		owned[i] = r
	}
	s := base.NewSliceStream(recs[0].Schema(), owned)
	defer s.Close()
	return c.DoPut(ctx, dataset, s)
}

// Close closes the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fc.Close()
}

// bearer implements credentials.PerRPCCredentials.
type bearer string

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

func (bearer) RequireTransportSecurity() bool { return false }
