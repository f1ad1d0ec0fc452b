// Package pool provides bounded, health-checked pools of backend
// connections.
//
// A Pool[T] owns at most MaxSize live connections of type T. Each pooled
// connection moves through Idle → Leased → (Idle | Evicted):
//
//	conn, err := p.Acquire(ctx, 5*time.Second)
//	if err != nil {
//	    return err // pool_timeout, pool_exhausted or backend_unreachable
//	}
//	rows, err := conn.Value().QueryContext(ctx, q)
//	conn.Release(pool.OutcomeFor(err))
//
// Callers blocked in Acquire are unbounded; they wait without holding any
// lock and are woken whenever a connection is released or evicted. Idle
// connections past IdleTimeout are evicted lazily on the next Acquire, so no
// background goroutine is needed per pool.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/logger"
	"github.com/ajitpratap0/meridian/pkg/metrics"
	"github.com/ajitpratap0/meridian/pkg/retry"
)

// State is the lifecycle state of a pooled connection.
type State int32

const (
	// StateIdle connections wait in the pool for a caller
	StateIdle State = iota
	// StateLeased connections are exclusively owned by one caller
	StateLeased
	// StateEvicted connections have been destroyed; terminal
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome tells Release what happened while the connection was leased.
type Outcome int

const (
	// OutcomeOK returns the connection to the idle set
	OutcomeOK Outcome = iota
	// OutcomeBroken evicts and destroys the connection
	OutcomeBroken
)

// Factory opens, probes and destroys connections of type T.
type Factory[T any] interface {
	Open(ctx context.Context) (T, error)
	Probe(ctx context.Context, conn T) error
	Close(conn T) error
}

// Shutdowner is implemented by factories holding shared resources (a
// *sql.DB, a client) that must be released when the pool closes.
type Shutdowner interface {
	Shutdown() error
}

// Funcs adapts plain functions to Factory. A nil ProbeFunc or CloseFunc is a
// no-op.
type Funcs[T any] struct {
	OpenFunc  func(ctx context.Context) (T, error)
	ProbeFunc func(ctx context.Context, conn T) error
	CloseFunc func(conn T) error
}

// Open implements Factory
func (f Funcs[T]) Open(ctx context.Context) (T, error) { return f.OpenFunc(ctx) }

// Probe implements Factory
func (f Funcs[T]) Probe(ctx context.Context, conn T) error {
	if f.ProbeFunc == nil {
		return nil
	}
	return f.ProbeFunc(ctx, conn)
}

// Close implements Factory
func (f Funcs[T]) Close(conn T) error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc(conn)
}

// Conn is a pooled connection, leased to exactly one caller at a time.
type Conn[T any] struct {
	pool      *Pool[T]
	value     T
	id        uint64
	state     State
	createdAt time.Time
	lastUsed  time.Time
}

// Value returns the underlying connection. It must not be used after Release.
func (c *Conn[T]) Value() T { return c.value }

// ID identifies the connection within its pool.
func (c *Conn[T]) ID() uint64 { return c.id }

// Release returns the connection to its pool. OutcomeBroken evicts it.
// Releasing a connection that is not leased corrupts the pool and returns a
// pool_corrupted error.
func (c *Conn[T]) Release(outcome Outcome) error {
	return c.pool.release(c, outcome)
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name          string `json:"name"`
	MaxSize       int    `json:"max_size"`
	Open          int    `json:"open"`
	Idle          int    `json:"idle"`
	Leased        int    `json:"leased"`
	Waiters       int    `json:"waiters"`
	Created       int64  `json:"created"`
	Evicted       int64  `json:"evicted"`
	Timeouts      int64  `json:"timeouts"`
	ProbeFailures int64  `json:"probe_failures"`
	Corrupted     bool   `json:"corrupted"`
}

// Pool is a bounded pool of connections of type T.
type Pool[T any] struct {
	name    string
	cfg     config.PoolConfig
	factory Factory[T]
	retry   *retry.Policy
	logger  *zap.Logger
	now     func() time.Time
	nextID  atomic.Uint64

	shutdownOnce sync.Once

	mu        sync.Mutex
	idle      []*Conn[T] // most recently used last
	open      int        // idle + leased
	leased    int
	waiters   int
	wake      chan struct{}
	closed    bool
	corrupted error

	created       int64
	evicted       int64
	timeouts      int64
	probeFailures int64
}

// New creates a pool. No connection is opened until the first Acquire.
func New[T any](name string, cfg config.PoolConfig, factory Factory[T]) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid pool configuration")
	}
	if factory == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "pool factory is required")
	}
	return &Pool[T]{
		name:    name,
		cfg:     cfg,
		factory: factory,
		retry:   retry.FromPoolConfig(cfg),
		logger:  logger.With(zap.String("component", "pool"), zap.String("pool", name)),
		now:     time.Now,
		wake:    make(chan struct{}),
	}, nil
}

// Name returns the pool name, usually the backend identity.
func (p *Pool[T]) Name() string { return p.name }

// Acquire leases a connection, waiting up to timeout for one to become
// available. A non-positive timeout uses the configured AcquireTimeout; if
// that is also zero, only ctx bounds the wait.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (*Conn[T], error) {
	return p.acquire(ctx, timeout, true)
}

// TryAcquire leases a connection only if one is idle or can be created
// without waiting for a release; otherwise it fails with pool_exhausted.
func (p *Pool[T]) TryAcquire(ctx context.Context) (*Conn[T], error) {
	return p.acquire(ctx, 0, false)
}

func (p *Pool[T]) acquire(ctx context.Context, timeout time.Duration, wait bool) (*Conn[T], error) {
	timer := metrics.NewTimer()
	defer func() {
		metrics.PoolAcquireDuration.WithLabelValues(p.name).Observe(timer.Stop().Seconds())
	}()

	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if err := p.usableLocked(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		c, expired := p.popIdleLocked()
		if c != nil {
			c.state = StateLeased
			p.leased++
			p.checkLocked()
			p.publishLocked()
			p.mu.Unlock()
			p.destroy(expired)

			if p.cfg.ProbeOnAcquire {
				if err := p.probe(ctx, c); err != nil {
					p.logger.Debug("liveness probe failed, evicting connection",
						zap.Uint64("conn_id", c.id), zap.Error(err))
					p.evict(c, "probe_failed")
					continue
				}
			}
			return c, nil
		}

		if p.open < p.cfg.MaxSize {
			// Reserve the slot before dialing so concurrent callers cannot
			// overshoot MaxSize.
			p.open++
			p.leased++
			p.publishLocked()
			p.mu.Unlock()
			p.destroy(expired)

			c, err := p.create(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.leased--
				p.checkLocked()
				p.signalLocked()
				p.publishLocked()
				p.mu.Unlock()
				return nil, p.acquireError(parent, ctx, err)
			}
			return c, nil
		}

		if !wait {
			p.mu.Unlock()
			p.destroy(expired)
			return nil, errors.Newf(errors.ErrorTypePoolExhausted, "pool %s has no free connection", p.name).
				WithDetail("max_size", p.cfg.MaxSize)
		}

		wake := p.wake
		p.waiters++
		p.publishLocked()
		p.mu.Unlock()
		p.destroy(expired)

		select {
		case <-wake:
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters--
			p.publishLocked()
			p.mu.Unlock()
			return nil, p.acquireError(parent, ctx, ctx.Err())
		}
	}
}

// acquireError classifies a failed acquire: caller cancellation passes
// through untouched, an expired acquire deadline is pool_timeout.
func (p *Pool[T]) acquireError(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("acquire %s: %w", p.name, parent.Err())
	}
	if ctx.Err() != nil {
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		metrics.PoolEvents.WithLabelValues(p.name, "timeout").Inc()
		return errors.Wrap(ctx.Err(), errors.ErrorTypePoolTimeout,
			fmt.Sprintf("timed out acquiring connection from pool %s", p.name))
	}
	return err
}

func (p *Pool[T]) usableLocked() error {
	if p.corrupted != nil {
		return errors.Wrap(p.corrupted, errors.ErrorTypePoolCorrupted, fmt.Sprintf("pool %s must be rebuilt", p.name))
	}
	if p.closed {
		return errors.Newf(errors.ErrorTypePoolExhausted, "pool %s is closed", p.name)
	}
	return nil
}

// popIdleLocked returns the most recently used idle connection that has not
// outlived IdleTimeout, plus the expired ones it skipped.
func (p *Pool[T]) popIdleLocked() (*Conn[T], []*Conn[T]) {
	var expired []*Conn[T]
	now := p.now()
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		c := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]

		if p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
			c.state = StateEvicted
			p.open--
			p.evicted++
			expired = append(expired, c)
			continue
		}
		return c, expired
	}
	return nil, expired
}

func (p *Pool[T]) create(ctx context.Context) (*Conn[T], error) {
	var value T
	attempt := 0
	err := p.retry.ExecuteWithCondition(ctx, func(ctx context.Context) error {
		attempt++
		dialCtx := ctx
		if p.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
			defer cancel()
		}
		v, err := p.factory.Open(dialCtx)
		if err != nil {
			metrics.PoolEvents.WithLabelValues(p.name, "connect_failed").Inc()
			p.logger.Warn("failed to open connection",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		value = v
		return nil
	}, func(err error) bool {
		return ctx.Err() == nil && !errors.IsType(err, errors.ErrorTypeAuthentication) &&
			!errors.IsType(err, errors.ErrorTypeConfig)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeBackendUnreachable,
			fmt.Sprintf("failed to connect to %s", p.name)).WithDetail("attempts", attempt)
	}

	now := p.now()
	c := &Conn[T]{
		pool:      p,
		value:     value,
		id:        p.nextID.Add(1),
		state:     StateLeased,
		createdAt: now,
		lastUsed:  now,
	}

	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	metrics.PoolEvents.WithLabelValues(p.name, "created").Inc()
	p.logger.Debug("opened connection", zap.Uint64("conn_id", c.id))
	return c, nil
}

func (p *Pool[T]) probe(ctx context.Context, c *Conn[T]) error {
	if p.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		defer cancel()
	}
	if err := p.factory.Probe(ctx, c.value); err != nil {
		p.mu.Lock()
		p.probeFailures++
		p.mu.Unlock()
		return err
	}
	return nil
}

// evict destroys a leased connection without returning it to the idle set.
func (p *Pool[T]) evict(c *Conn[T], reason string) {
	p.mu.Lock()
	if c.state != StateLeased {
		p.corruptLocked(fmt.Errorf("evicting connection %d in state %s", c.id, c.state))
		p.mu.Unlock()
		return
	}
	c.state = StateEvicted
	p.leased--
	p.open--
	p.evicted++
	p.checkLocked()
	p.signalLocked()
	p.publishLocked()
	p.mu.Unlock()

	metrics.PoolEvents.WithLabelValues(p.name, reason).Inc()
	p.destroy([]*Conn[T]{c})
}

func (p *Pool[T]) release(c *Conn[T], outcome Outcome) error {
	p.mu.Lock()
	if c.state != StateLeased {
		err := fmt.Errorf("release of connection %d in state %s", c.id, c.state)
		p.corruptLocked(err)
		p.mu.Unlock()
		return errors.Wrap(err, errors.ErrorTypePoolCorrupted, fmt.Sprintf("pool %s must be rebuilt", p.name))
	}

	p.leased--
	var doomed []*Conn[T]
	if outcome == OutcomeBroken || p.closed || p.corrupted != nil {
		c.state = StateEvicted
		p.open--
		p.evicted++
		doomed = append(doomed, c)
	} else {
		c.state = StateIdle
		c.lastUsed = p.now()
		p.idle = append(p.idle, c)
	}
	p.checkLocked()
	p.signalLocked()
	p.publishLocked()
	drained := p.closed && p.leased == 0
	p.mu.Unlock()

	if len(doomed) > 0 {
		metrics.PoolEvents.WithLabelValues(p.name, "evicted").Inc()
		p.destroy(doomed)
	}
	if drained {
		p.shutdown()
	}
	return nil
}

func (p *Pool[T]) destroy(conns []*Conn[T]) {
	for _, c := range conns {
		if err := p.factory.Close(c.value); err != nil {
			p.logger.Debug("error closing connection", zap.Uint64("conn_id", c.id), zap.Error(err))
		}
	}
}

// checkLocked verifies the pool accounting and marks the pool corrupted on
// any violation.
func (p *Pool[T]) checkLocked() {
	switch {
	case p.open > p.cfg.MaxSize:
		p.corruptLocked(fmt.Errorf("open connections %d exceed max size %d", p.open, p.cfg.MaxSize))
	case p.leased < 0:
		p.corruptLocked(fmt.Errorf("negative leased count %d", p.leased))
	case p.open != p.leased+len(p.idle):
		p.corruptLocked(fmt.Errorf("open %d != leased %d + idle %d", p.open, p.leased, len(p.idle)))
	}
}

func (p *Pool[T]) corruptLocked(err error) {
	if p.corrupted == nil {
		p.corrupted = err
		p.logger.Error("pool invariant violated", zap.Error(err))
	}
	p.signalLocked()
}

// signalLocked wakes every waiter; each re-checks the pool under the lock.
func (p *Pool[T]) signalLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool[T]) publishLocked() {
	metrics.PoolConnections.WithLabelValues(p.name, "idle").Set(float64(len(p.idle)))
	metrics.PoolConnections.WithLabelValues(p.name, "leased").Set(float64(p.leased))
	metrics.PoolWaiters.WithLabelValues(p.name).Set(float64(p.waiters))
}

// Corrupted reports whether an invariant violation was detected.
func (p *Pool[T]) Corrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.corrupted != nil
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:          p.name,
		MaxSize:       p.cfg.MaxSize,
		Open:          p.open,
		Idle:          len(p.idle),
		Leased:        p.leased,
		Waiters:       p.waiters,
		Created:       p.created,
		Evicted:       p.evicted,
		Timeouts:      p.timeouts,
		ProbeFailures: p.probeFailures,
		Corrupted:     p.corrupted != nil,
	}
}

// Close destroys idle connections and rejects further acquires. Leased
// connections are destroyed when released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		c.state = StateEvicted
	}
	p.open -= len(idle)
	p.evicted += int64(len(idle))
	p.signalLocked()
	p.publishLocked()
	leased := p.leased
	p.mu.Unlock()

	p.destroy(idle)
	if leased == 0 {
		p.shutdown()
	}
	p.logger.Debug("pool closed", zap.Int("closed_idle", len(idle)), zap.Int("still_leased", leased))
}

// shutdown releases factory-level resources once no connection is left.
func (p *Pool[T]) shutdown() {
	p.shutdownOnce.Do(func() {
		if s, ok := p.factory.(Shutdowner); ok {
			if err := s.Shutdown(); err != nil {
				p.logger.Warn("error shutting down pool factory", zap.Error(err))
			}
		}
	})
}

// OutcomeFor maps an operation error to a release outcome. Connection and
// backend-unreachable errors mark the connection broken; query errors and
// cancellation leave it reusable.
func OutcomeFor(err error) Outcome {
	if err == nil || errors.IsCanceled(err) {
		return OutcomeOK
	}
	switch errors.TypeOf(err) {
	case errors.ErrorTypeConnection, errors.ErrorTypeBackendUnreachable, errors.ErrorTypeTimeout:
		return OutcomeBroken
	default:
		return OutcomeOK
	}
}
