// Package flight serves registered datasets over Arrow Flight and provides
// the matching client.
//
// Descriptors name a dataset by PATH, or carry a JSON Command as CMD.
// Tickets are issued by GetFlightInfo and are opaque to clients. Errors
// travel as gRPC statuses whose message starts with the error type, so the
// client restores the typed error.
package flight

import (
	"context"
	"crypto/subtle"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/logger"
	"github.com/ajitpratap0/meridian/pkg/metrics"
	"github.com/ajitpratap0/meridian/pkg/observability"
	"github.com/ajitpratap0/meridian/pkg/plan"
)

// Backend is what the server needs from the engine.
type Backend interface {
	plan.Catalog
	Tables() []string
	Execute(ctx context.Context, n plan.Node) (core.RecordStream, error)
	Write(ctx context.Context, dataset string, stream core.RecordStream) (int64, error)
}

// PutAck is the JSON metadata of the DoPut acknowledgement.
type PutAck struct {
	Dataset string `json:"dataset"`
	Rows    int64  `json:"rows"`
}

// Server is an Arrow Flight service over a Backend.
type Server struct {
	flight.BaseFlightServer

	addr      string
	backend   Backend
	token     string
	tickets   *ticketSigner
	ticketKey []byte
	maxMsg    int
	mem       memory.Allocator
	logger    *zap.Logger
	tracer    trace.Tracer

	mu   sync.Mutex
	ln   net.Listener
	grpc *grpc.Server
	wg   sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthToken requires every call to carry "authorization: Bearer token".
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithTicketKey sets the HMAC key tickets are signed with. Servers sharing
// a key accept each other's tickets; without one every server signs with a
// random key of its own.
func WithTicketKey(key []byte) ServerOption {
	return func(s *Server) { s.ticketKey = key }
}

// WithMaxMessageSize bounds gRPC messages in both directions.
func WithMaxMessageSize(n int) ServerOption {
	return func(s *Server) { s.maxMsg = n }
}

// WithServerAllocator sets the allocator for decoded batches.
func WithServerAllocator(mem memory.Allocator) ServerOption {
	return func(s *Server) { s.mem = mem }
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		addr:    addr,
		backend: backend,
		mem:     memory.DefaultAllocator,
		logger:  logger.With(zap.String("component", "flight")),
		tracer:  otel.Tracer("github.com/ajitpratap0/meridian/pkg/flight"),
	}
	for _, o := range opts {
		o(s)
	}
	s.tickets = newTicketSigner(s.ticketKey)
	return s
}

// FromConfig creates a server from the server section of cfg.
func FromConfig(cfg config.ServerConfig, backend Backend) *Server {
	return NewServer(cfg.Address, backend,
		WithAuthToken(cfg.AuthToken),
		WithTicketKey([]byte(cfg.TicketKey)),
		WithMaxMessageSize(cfg.MaxMessageSize))
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New(errors.ErrorTypeConfig, "flight server already started")
	}
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to listen on "+s.addr)
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	}
	if s.maxMsg > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.maxMsg), grpc.MaxSendMsgSize(s.maxMsg))
	}
	srv := grpc.NewServer(opts...)
	flight.RegisterFlightServiceServer(srv, s)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	s.ln, s.grpc = ln, srv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil {
			s.logger.Debug("flight server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("flight server listening", zap.String("address", ln.Addr().String()), zap.Bool("auth", s.token != ""))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting calls and waits for running ones until ctx is
// done, then stops hard.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.grpc
	s.ln, s.grpc = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		srv.Stop()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) authorize(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		tok, ok := strings.CutPrefix(v, "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(tok), []byte(s.token)) == 1 {
			return nil
		}
	}
	return status.Error(grpccodes.Unauthenticated, string(errors.ErrorTypeAuthentication)+": missing or invalid bearer token")
}

func (s *Server) unaryAuth(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.") {
		return handler(ctx, req)
	}
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) streamAuth(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.authorize(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

// schemaOf returns the output schema of c without touching a backend.
func (s *Server) schemaOf(c Command) (*arrow.Schema, error) {
	if c.bare() {
		return s.backend.TableSchema(c.Dataset)
	}
	n, err := c.Plan(s.backend)
	if err != nil {
		return nil, err
	}
	return n.Schema(), nil
}

// GetSchema implements flight.FlightServer.
func (s *Server) GetSchema(ctx context.Context, d *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	_, span := s.tracer.Start(ctx, "flight.get_schema")
	defer span.End()
	c, err := parseDescriptor(d)
	if err != nil {
		return nil, toStatus(err)
	}
	span.SetAttributes(attribute.String("dataset", c.Dataset))
	schema, err := s.schemaOf(c)
	if err != nil {
		span.RecordError(err)
		return nil, toStatus(err)
	}
	return &flight.SchemaResult{Schema: flight.SerializeSchema(schema, s.mem)}, nil
}

func (s *Server) info(c Command, d *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	schema, err := s.schemaOf(c)
	if err != nil {
		return nil, err
	}
	tkt, err := s.tickets.encode(c)
	if err != nil {
		return nil, err
	}
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(schema, s.mem),
		FlightDescriptor: d,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket:   tkt,
			Location: []*flight.Location{{Uri: flight.LocationReuseConnection}},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
	}, nil
}

// GetFlightInfo implements flight.FlightServer.
func (s *Server) GetFlightInfo(ctx context.Context, d *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	_, span := s.tracer.Start(ctx, "flight.get_flight_info")
	defer span.End()
	c, err := parseDescriptor(d)
	if err != nil {
		return nil, toStatus(err)
	}
	info, err := s.info(c, d)
	if err != nil {
		span.RecordError(err)
		return nil, toStatus(err)
	}
	return info, nil
}

// ListFlights implements flight.FlightServer. A non-empty criteria
// expression keeps the datasets whose names start with it.
func (s *Server) ListFlights(c *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	prefix := ""
	if c != nil {
		prefix = string(c.Expression)
	}
	names := s.backend.Tables()
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := s.info(Command{Dataset: name}, PathDescriptor(name))
		if err != nil {
			// Deregistered since Tables was read.
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				continue
			}
			return toStatus(err)
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// session tracks one streaming call for logs and metrics.
type session struct {
	id     string
	method string
	start  time.Time
	logger *zap.Logger
	span   trace.Span
}

func (s *Server) begin(ctx context.Context, method, spanName string) (context.Context, *session) {
	ss := &session{id: uuid.NewString(), method: method, start: time.Now()}
	ctx, ss.span = s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("session_id", ss.id)))
	ss.logger = observability.WithTrace(ctx, s.logger.With(zap.String("session_id", ss.id), zap.String("method", method)))
	metrics.FlightSessions.WithLabelValues(method).Inc()
	return logger.ContextWithSession(ctx, ss.id), ss
}

// end records the terminal state and returns err as a status.
func (ss *session) end(err error, batches int64) error {
	state := "ok"
	switch {
	case errors.IsCanceled(err):
		state = "canceled"
	case err != nil:
		state = "error"
	}
	if state == "error" {
		ss.span.RecordError(err)
		ss.span.SetStatus(codes.Error, err.Error())
	}
	ss.span.End()
	metrics.FlightSessions.WithLabelValues(ss.method).Dec()
	metrics.FlightSessionDuration.WithLabelValues(ss.method, state).Observe(time.Since(ss.start).Seconds())
	fields := []zap.Field{zap.String("status", state), zap.Int64("batches", batches), zap.Duration("elapsed", time.Since(ss.start))}
	if err != nil && state == "error" {
		ss.logger.Warn("flight session failed", append(fields, zap.Error(err))...)
	} else {
		ss.logger.Debug("flight session finished", fields...)
	}
	return toStatus(err)
}

// DoGet implements flight.FlightServer. The execution is opened lazily and
// every batch is checked against the announced schema before it is sent.
func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	ctx, ss := s.begin(stream.Context(), "DoGet", "flight.do_get")
	var batches int64
	defer func() { err = ss.end(err, batches) }()

	c, err := s.tickets.decode(tkt)
	if err != nil {
		return err
	}
	ss.span.SetAttributes(attribute.String("dataset", c.Dataset))
	n, err := c.Plan(s.backend)
	if err != nil {
		return err
	}
	rs, err := s.backend.Execute(ctx, n)
	if err != nil {
		return err
	}
	defer rs.Close()

	schema := rs.Schema()
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	defer w.Close()
	for {
		rec, err := rs.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		if !rec.Schema().Equal(schema) {
			rec.Release()
			return errors.Newf(errors.ErrorTypeProtocolViolation,
				"batch %d has schema %s, stream announced %s", batches+1, rec.Schema(), schema)
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to send batch")
		}
		batches++
		metrics.FlightBatches.WithLabelValues("DoGet").Inc()
	}
}

// putStream reads the batches of a DoPut call.
type putStream struct {
	rdr     *flight.Reader
	batches int64
}

func (p *putStream) Schema() *arrow.Schema { return p.rdr.Schema() }

func (p *putStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.rdr.Next() {
		if err := p.rdr.Err(); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocolViolation, "invalid put stream")
		}
		return nil, io.EOF
	}
	rec := p.rdr.Record()
	rec.Retain()
	p.batches++
	metrics.FlightBatches.WithLabelValues("DoPut").Inc()
	return rec, nil
}

func (p *putStream) Close() error {
	p.rdr.Release()
	return nil
}

// DoPut implements flight.FlightServer. The first message's descriptor
// names the target dataset, whose connector must accept writes.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) (err error) {
	ctx, ss := s.begin(stream.Context(), "DoPut", "flight.do_put")
	ps := &putStream{}
	defer func() { err = ss.end(err, ps.batches) }()

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocolViolation, "put stream does not start with a schema")
	}
	ps.rdr = rdr
	defer ps.Close()

	c, err := parseDescriptor(rdr.LatestFlightDescriptor())
	if err != nil {
		return err
	}
	ss.span.SetAttributes(attribute.String("dataset", c.Dataset))
	rows, err := s.backend.Write(ctx, c.Dataset, ps)
	if err != nil {
		return err
	}
	ack, err := json.Marshal(PutAck{Dataset: c.Dataset, Rows: rows})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode put ack")
	}
	return stream.Send(&flight.PutResult{AppMetadata: ack})
}
