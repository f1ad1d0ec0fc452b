// Package base provides the building blocks every Meridian connector is
// assembled from: descriptor bookkeeping, schema caching, capability checks,
// error classification and lazily started producer streams that hold one
// pooled lease for their lifetime.
//
// # Usage
//
// Connectors embed BaseConnector and implement discovery and production:
//
//	type Connector struct {
//	    *base.BaseConnector
//	    pool *pool.Handle[*sql.Conn]
//	}
//
//	func (c *Connector) Scan(ctx context.Context, req *core.ScanRequest) (core.RecordStream, error) {
//	    out, err := c.PrepareScan(ctx, req, c.discover)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(), c.produce(req, out))), nil
//	}
//
// # Lifecycle
//
// 1. Create with NewBaseConnector from a validated descriptor
// 2. Schema discovery goes through CachedSchema; the first success is authoritative
// 3. Every Scan is checked against the declared capability set before any I/O
// 4. Close marks the connector closed; further scans fail
package base

import (
	"context"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/logger"
	"github.com/ajitpratap0/meridian/pkg/pool"
)

// BaseConnector provides common functionality for all connectors.
type BaseConnector struct {
	desc   *core.Descriptor
	native core.CapabilitySet
	mem    memory.Allocator
	logger *zap.Logger
	errs   *ErrorHandler

	schemaMu sync.Mutex
	schema   *arrow.Schema

	closeMu sync.RWMutex
	closed  bool
}

// NewBaseConnector creates a base for a connector whose backend natively
// supports native.
func NewBaseConnector(desc *core.Descriptor, native core.CapabilitySet, deps core.Dependencies) *BaseConnector {
	l := logger.With(zap.String("connector", desc.Kind), zap.String("dataset", desc.Name))
	return &BaseConnector{
		desc:   desc,
		native: native,
		mem:    deps.Alloc(),
		logger: l,
		errs:   NewErrorHandler(l, desc.Kind, desc.Name),
	}
}

// Name implements core.Connector.
func (b *BaseConnector) Name() string { return b.desc.Name }

// Kind implements core.Connector.
func (b *BaseConnector) Kind() string { return b.desc.Kind }

// Capabilities implements core.Connector: the native set narrowed by the
// descriptor.
func (b *BaseConnector) Capabilities() core.CapabilitySet {
	return b.native.Intersect(b.desc.Capabilities)
}

// Descriptor returns the dataset descriptor.
func (b *BaseConnector) Descriptor() *core.Descriptor { return b.desc }

// Allocator returns the allocator batches are built with.
func (b *BaseConnector) Allocator() memory.Allocator { return b.mem }

// Logger returns the connector logger.
func (b *BaseConnector) Logger() *zap.Logger { return b.logger }

// Errors returns the connector error handler.
func (b *BaseConnector) Errors() *ErrorHandler { return b.errs }

// AcquireTimeout is the pool acquire timeout for scans.
func (b *BaseConnector) AcquireTimeout() time.Duration { return b.desc.Pool.AcquireTimeout }

// CachedSchema returns the authoritative schema, running discover on first
// use. Failures are not cached.
func (b *BaseConnector) CachedSchema(ctx context.Context, discover func(context.Context) (*arrow.Schema, error)) (*arrow.Schema, error) {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if b.schema != nil {
		return b.schema, nil
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	s, err := discover(ctx)
	if err != nil {
		return nil, b.errs.HandleSchemaError(err)
	}
	if s.NumFields() == 0 {
		return nil, errors.Newf(errors.ErrorTypeSchemaUnavailable, "dataset %s has no columns", b.desc.Name)
	}
	b.schema = s
	b.logger.Debug("discovered schema", zap.Int("fields", s.NumFields()))
	return s, nil
}

// PrepareScan validates req against the declared capabilities and the
// schema, and returns the output schema of the scan.
func (b *BaseConnector) PrepareScan(ctx context.Context, req *core.ScanRequest, discover func(context.Context) (*arrow.Schema, error)) (*arrow.Schema, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := core.CheckRequest(b.Capabilities(), req); err != nil {
		return nil, err
	}
	schema, err := b.CachedSchema(ctx, discover)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateRequest(schema, req); err != nil {
		return nil, err
	}
	return core.OutputSchemaFor(schema, req)
}

// Stream wraps produce in a producer stream bounded by the per-backend scan
// timeout.
func (b *BaseConnector) Stream(ctx context.Context, schema *arrow.Schema, produce ProduceFunc) core.RecordStream {
	scanCtx, cancel := b.desc.ScanContext(ctx)
	s := NewProducerStream(scanCtx, schema, StreamOptions{
		Kind:     b.desc.Kind,
		Dataset:  b.desc.Name,
		Logger:   b.logger,
		Classify: b.errs.HandleScanError,
	}, produce)
	return &cancelStream{ProducerStream: s, cancel: cancel}
}

// Close marks the connector closed.
func (b *BaseConnector) Close(ctx context.Context) error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	b.closed = true
	return nil
}

func (b *BaseConnector) checkOpen() error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return errors.Newf(errors.ErrorTypeSchemaUnavailable, "connector for %s is closed", b.desc.Name)
	}
	return nil
}

type cancelStream struct {
	*ProducerStream
	cancel context.CancelFunc
}

func (s *cancelStream) Close() error {
	err := s.ProducerStream.Close()
	s.cancel()
	return err
}

// Leased wraps fn so that it runs holding one connection leased from h. The
// lease is released when fn returns, as broken when fn's error indicates a
// dead connection.
func Leased[T any](h *pool.Handle[T], timeout time.Duration, fn func(ctx context.Context, conn T, emit EmitFunc) error) ProduceFunc {
	return func(ctx context.Context, emit EmitFunc) (err error) {
		lease, err := h.Acquire(ctx, timeout)
		if err != nil {
			return err
		}
		defer func() {
			outcome := pool.OutcomeFor(err)
			if IsBrokenConnection(err) {
				outcome = pool.OutcomeBroken
			}
			err = ReleaseLease(lease, outcome, err)
		}()
		return fn(ctx, lease.Value(), emit)
	}
}

// ReleaseLease returns lease to its pool and joins a failed release into
// err. Release fails only when a pool invariant broke, which must not be
// mistaken for a successful operation.
func ReleaseLease[T any](lease *pool.Conn[T], outcome pool.Outcome, err error) error {
	return multierr.Append(err, lease.Release(outcome))
}
