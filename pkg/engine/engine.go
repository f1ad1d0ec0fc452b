// Package engine owns the registered datasets of a meridian process and runs
// logical plans against them.
//
// An Engine holds one table handle per dataset, the shared pool registry the
// connectors lease backend connections from, a federation planner and a local
// executor. Plans reference datasets by name; Execute plans them, delegating
// what each backend can run, and returns a lazy record stream.
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/exec"
	"github.com/ajitpratap0/meridian/pkg/federation"
	"github.com/ajitpratap0/meridian/pkg/logger"
	"github.com/ajitpratap0/meridian/pkg/plan"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/resolve"
)

// Engine is safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	handles map[string]*core.TableHandle
	closed  bool

	connectors *registry.Registry
	pools      *pool.Registry
	deps       core.Dependencies
	planner    *federation.Planner
	executor   *exec.Executor
	logger     *zap.Logger
	tracer     trace.Tracer
}

type options struct {
	connectors *registry.Registry
	resolver   resolve.Resolver
	mem        memory.Allocator
	batchSize  int
}

// Option configures an Engine.
type Option func(*options)

// WithConnectorRegistry selects the connector kinds available to Register.
// The default is the process-wide registry populated by the sources packages.
func WithConnectorRegistry(r *registry.Registry) Option {
	return func(o *options) { o.connectors = r }
}

// WithResolver sets the name resolver handed to connectors.
func WithResolver(r resolve.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithAllocator sets the Arrow allocator for connectors and local operators.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.mem = mem }
}

// WithBatchSize sets the row count of batches produced by local operators.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	o := options{
		connectors: registry.GetRegistry(),
		resolver:   resolve.Default(),
		mem:        memory.DefaultAllocator,
		batchSize:  config.NewDefault().Execution.BatchSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		handles:    make(map[string]*core.TableHandle),
		connectors: o.connectors,
		pools:      pool.NewRegistry(),
		logger:     logger.With(zap.String("component", "engine")),
		tracer:     otel.Tracer("github.com/ajitpratap0/meridian/pkg/engine"),
	}
	e.deps = core.Dependencies{Pools: e.pools, Resolver: o.resolver, Allocator: o.mem}
	e.planner = federation.NewPlanner(e)
	e.executor = exec.New(e, exec.WithAllocator(o.mem), exec.WithBatchSize(o.batchSize))
	return e
}

// FromConfig creates an engine and registers every dataset of cfg. On
// failure the datasets registered so far are closed.
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := New(append([]Option{WithBatchSize(cfg.Execution.BatchSize)}, opts...)...)
	for _, ds := range cfg.Datasets {
		desc, err := core.DescriptorFromConfig(cfg, ds)
		if err == nil {
			err = e.Register(ctx, desc)
		}
		if err != nil {
			return nil, multierr.Append(err, e.Close(ctx))
		}
	}
	return e, nil
}

// Register creates the connector for desc and discovers its schema. The
// schema becomes the authoritative schema of the dataset.
func (e *Engine) Register(ctx context.Context, desc *core.Descriptor) error {
	if desc == nil || desc.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "dataset name is required")
	}
	if err := e.reserve(desc.Name); err != nil {
		return err
	}
	conn, err := e.connectors.Create(ctx, desc, e.deps)
	if err != nil {
		return err
	}
	return e.RegisterConnector(ctx, desc, conn)
}

// RegisterConnector registers an already constructed connector. The engine
// takes ownership of conn and closes it if registration fails.
func (e *Engine) RegisterConnector(ctx context.Context, desc *core.Descriptor, conn core.Connector) error {
	ctx, span := e.tracer.Start(ctx, "engine.register",
		trace.WithAttributes(attribute.String("dataset", desc.Name), attribute.String("kind", desc.Kind)))
	defer span.End()

	schema, err := conn.Schema(ctx)
	if err != nil {
		span.RecordError(err)
		return multierr.Append(err, conn.Close(ctx))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkName(desc.Name); err != nil {
		return multierr.Append(err, conn.Close(ctx))
	}
	e.handles[desc.Name] = &core.TableHandle{Descriptor: desc, Connector: conn, Schema: schema}
	e.logger.Info("dataset registered",
		zap.String("dataset", desc.Name),
		zap.String("kind", desc.Kind),
		zap.Int("columns", schema.NumFields()),
		zap.Stringer("capabilities", conn.Capabilities()))
	return nil
}

func (e *Engine) reserve(name string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkName(name)
}

func (e *Engine) checkName(name string) error {
	if e.closed {
		return errors.New(errors.ErrorTypeValidation, "engine is closed")
	}
	if _, exists := e.handles[name]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "dataset %s is already registered", name)
	}
	return nil
}

// Deregister removes a dataset and closes its connector. Streams already
// open keep their leases until closed.
func (e *Engine) Deregister(ctx context.Context, name string) error {
	e.mu.Lock()
	h, ok := e.handles[name]
	delete(e.handles, name)
	e.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "dataset %s is not registered", name)
	}
	e.logger.Info("dataset deregistered", zap.String("dataset", name))
	return h.Connector.Close(ctx)
}

// Handle implements exec.Catalog and federation.Catalog.
func (e *Engine) Handle(name string) (*core.TableHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handles[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "dataset %s is not registered", name)
	}
	return h, nil
}

// TableSchema implements plan.Catalog.
func (e *Engine) TableSchema(name string) (*arrow.Schema, error) {
	h, err := e.Handle(name)
	if err != nil {
		return nil, err
	}
	return h.Schema, nil
}

// Tables returns the registered dataset names in order.
func (e *Engine) Tables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.handles))
	for name := range e.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table starts a plan over a registered dataset.
func (e *Engine) Table(name string) *plan.Builder { return plan.Table(e, name) }

// TableAs starts a plan over an aliased dataset, for joins.
func (e *Engine) TableAs(name, alias string) *plan.Builder { return plan.TableAs(e, name, alias) }

// Plan rewrites n with every push-down its connectors accept.
func (e *Engine) Plan(ctx context.Context, n plan.Node) (plan.Node, error) {
	return e.planner.Plan(ctx, n)
}

// Explain renders the planned tree of n.
func (e *Engine) Explain(ctx context.Context, n plan.Node) (string, error) {
	return e.planner.Explain(ctx, n)
}

// Execute plans n and opens it. Nothing is read from a backend until the
// first call to Next.
func (e *Engine) Execute(ctx context.Context, n plan.Node) (core.RecordStream, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()

	planned, err := e.Plan(ctx, n)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if ce := e.logger.Check(zap.DebugLevel, "executing plan"); ce != nil {
		ce.Write(zap.String("plan", plan.Format(planned)))
	}
	s, err := e.executor.Build(ctx, planned)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s, nil
}

// Write ingests stream into a dataset whose connector accepts writes.
func (e *Engine) Write(ctx context.Context, name string, stream core.RecordStream) (int64, error) {
	h, err := e.Handle(name)
	if err != nil {
		return 0, err
	}
	w, ok := h.Connector.(core.Writer)
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeCapability, "dataset %s (%s) does not accept writes", name, h.Descriptor.Kind)
	}
	if !stream.Schema().Equal(h.Schema) {
		return 0, errors.Newf(errors.ErrorTypeProtocolViolation,
			"schema %s does not match dataset %s schema %s", stream.Schema(), name, h.Schema)
	}
	return w.Write(ctx, stream)
}

// Pools returns the registry the engine's connectors lease from.
func (e *Engine) Pools() *pool.Registry { return e.pools }

// Close closes every connector and the pool registry.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	handles := e.handles
	e.handles = make(map[string]*core.TableHandle)
	e.mu.Unlock()

	var err error
	for _, h := range handles {
		err = multierr.Append(err, h.Connector.Close(ctx))
	}
	e.pools.Close()
	return err
}
