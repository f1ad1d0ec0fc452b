package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/logger"
)

// Identity keys a pool by backend: two datasets on the same server with the
// same credentials share one pool.
type Identity struct {
	Kind        string
	Address     string
	Fingerprint string
}

// NewIdentity builds an identity; credentials are reduced to a SHA-256
// fingerprint and never stored.
func NewIdentity(kind, address string, credentials map[string]string) Identity {
	keys := make([]string, 0, len(credentials))
	for k := range credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, credentials[k])
	}
	return Identity{
		Kind:        kind,
		Address:     address,
		Fingerprint: hex.EncodeToString(h.Sum(nil)),
	}
}

func (id Identity) String() string {
	fp := id.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fmt.Sprintf("%s://%s#%s", id.Kind, id.Address, fp)
}

type managed interface {
	Close()
	Corrupted() bool
	Stats() Stats
}

type entry struct {
	pool managed
	refs int
}

// Registry owns every live pool of a process, keyed by Identity. It is
// created by the embedding engine and passed to connectors explicitly.
type Registry struct {
	mu      sync.Mutex
	entries map[Identity]*entry
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Identity]*entry),
		logger:  logger.With(zap.String("component", "pool_registry")),
	}
}

// Handle is a reference-counted claim on a shared pool. It transparently
// rebuilds the pool if an invariant violation is detected.
type Handle[T any] struct {
	reg     *Registry
	id      Identity
	cfg     config.PoolConfig
	factory Factory[T]

	mu       sync.Mutex
	pool     *Pool[T]
	released bool
}

// Shared returns a handle on the pool for id, creating the pool on first use.
// The factory and settings of the first caller win.
func Shared[T any](r *Registry, id Identity, cfg config.PoolConfig, factory Factory[T]) (*Handle[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		p, ok := e.pool.(*Pool[T])
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConflict,
				"pool %s already holds a different connection type", id)
		}
		if p.Corrupted() {
			fresh, err := New[T](id.String(), cfg, factory)
			if err != nil {
				return nil, err
			}
			r.logger.Warn("rebuilding corrupted pool", zap.String("pool", id.String()))
			p.Close()
			e.pool = fresh
			p = fresh
		}
		e.refs++
		return &Handle[T]{reg: r, id: id, cfg: cfg, factory: factory, pool: p}, nil
	}

	p, err := New[T](id.String(), cfg, factory)
	if err != nil {
		return nil, err
	}
	r.entries[id] = &entry{pool: p, refs: 1}
	r.logger.Debug("created pool", zap.String("pool", id.String()), zap.Int("max_size", cfg.MaxSize))
	return &Handle[T]{reg: r, id: id, cfg: cfg, factory: factory, pool: p}, nil
}

// Acquire leases a connection from the current pool, rebuilding it once if it
// is corrupted.
func (h *Handle[T]) Acquire(ctx context.Context, timeout time.Duration) (*Conn[T], error) {
	p, err := h.current()
	if err != nil {
		return nil, err
	}
	c, err := p.Acquire(ctx, timeout)
	if errors.IsType(err, errors.ErrorTypePoolCorrupted) {
		if p, err = h.rebuild(p); err != nil {
			return nil, err
		}
		return p.Acquire(ctx, timeout)
	}
	return c, err
}

// Pool returns the pool currently backing the handle.
func (h *Handle[T]) Pool() *Pool[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pool
}

// Identity returns the backend identity of the handle.
func (h *Handle[T]) Identity() Identity { return h.id }

func (h *Handle[T]) current() (*Pool[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errors.Newf(errors.ErrorTypePoolExhausted, "pool handle for %s was released", h.id)
	}
	return h.pool, nil
}

func (h *Handle[T]) rebuild(old *Pool[T]) (*Pool[T], error) {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()

	e, ok := h.reg.entries[h.id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypePoolExhausted, "pool %s was torn down", h.id)
	}
	if e.pool == managed(old) {
		fresh, err := New[T](h.id.String(), h.cfg, h.factory)
		if err != nil {
			return nil, err
		}
		h.reg.logger.Warn("rebuilding corrupted pool", zap.String("pool", h.id.String()))
		old.Close()
		e.pool = fresh
	}

	p := e.pool.(*Pool[T])
	h.mu.Lock()
	h.pool = p
	h.mu.Unlock()
	return p, nil
}

// Release drops the handle's reference; the last reference closes the pool.
// Release is idempotent.
func (h *Handle[T]) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.reg.release(h.id)
}

func (r *Registry) release(id Identity) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.mu.Unlock()

	e.pool.Close()
	r.logger.Debug("tore down pool", zap.String("pool", id.String()))
}

// Stats returns statistics for every live pool, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	pools := make([]managed, 0, len(r.entries))
	for _, e := range r.entries {
		pools = append(pools, e.pool)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of live pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close tears down every pool regardless of outstanding handles.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[Identity]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.pool.Close()
	}
}
