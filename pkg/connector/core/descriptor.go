package core

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/resolve"
)

// Descriptor is the fully resolved addressing information for one dataset.
type Descriptor struct {
	Name        string
	Kind        string
	Address     string
	DSN         string
	Table       string
	Query       string
	Credentials map[string]string
	// Capabilities narrows the connector's native push-down set
	Capabilities CapabilitySet
	Options      map[string]string
	Pool         config.PoolConfig
	ScanTimeout  time.Duration
	BatchSize    int
}

// DescriptorFromConfig validates a dataset entry and resolves it against the
// global configuration.
func DescriptorFromConfig(cfg *config.Config, ds config.DatasetConfig) (*Descriptor, error) {
	if err := ds.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid dataset "+ds.Name)
	}
	caps := AllCapabilities
	if len(ds.Capabilities) > 0 {
		var err error
		if caps, err = ParseCapabilities(ds.Capabilities); err != nil {
			return nil, err
		}
	}
	scanTimeout := ds.ScanTimeout
	if scanTimeout == 0 {
		scanTimeout = cfg.Execution.ScanTimeout
	}
	return &Descriptor{
		Name:         ds.Name,
		Kind:         ds.Kind,
		Address:      ds.Address,
		DSN:          ds.DSN,
		Table:        ds.Table,
		Query:        ds.Query,
		Credentials:  ds.Credentials,
		Capabilities: caps,
		Options:      ds.Options,
		Pool:         cfg.PoolFor(ds),
		ScanTimeout:  scanTimeout,
		BatchSize:    cfg.Execution.BatchSize,
	}, nil
}

// Identity returns the pool identity of the backend the dataset lives on.
// The address is the connection string without its secrets; the full
// string only reaches the fingerprint.
func (d *Descriptor) Identity() pool.Identity {
	addr := d.Address
	if d.DSN != "" {
		addr = d.DSN
	}
	secrets := make(map[string]string, len(d.Credentials)+1)
	for k, v := range d.Credentials {
		secrets[k] = v
	}
	secrets["\x00dsn"] = addr
	return pool.NewIdentity(d.Kind, RedactDSN(addr), secrets)
}

var passwordParam = regexp.MustCompile(`(?i)(^|[\s?&;])(password|passwd|pwd)\s*=\s*('[^']*'|[^\s&;]*)`)

// RedactDSN strips user info and password settings from a connection
// string: URLs lose their user info, key=value strings their password
// entries, and user:password@rest strings everything up to the last @.
func RedactDSN(dsn string) string {
	out := passwordParam.ReplaceAllString(dsn, "$1")
	if u, err := url.Parse(out); err == nil && u.Scheme != "" && u.Host != "" {
		u.User = nil
		return u.String()
	}
	if i := strings.LastIndex(out, "@"); i >= 0 {
		return out[i+1:]
	}
	return strings.TrimSpace(out)
}

// PoolSettings returns the pool settings, defaulting when none are set.
func (d *Descriptor) PoolSettings() config.PoolConfig {
	if d.Pool.MaxSize == 0 {
		return config.DefaultPoolConfig()
	}
	return d.Pool
}

// Option returns a connector option or def when unset.
func (d *Descriptor) Option(key, def string) string {
	if v, ok := d.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Batch returns the configured batch size, defaulting to 1024.
func (d *Descriptor) Batch() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return 1024
}

// ScanContext applies the per-backend scan timeout to ctx.
func (d *Descriptor) ScanContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.ScanTimeout > 0 {
		return context.WithTimeout(ctx, d.ScanTimeout)
	}
	return context.WithCancel(ctx)
}

// Dependencies are the shared services handed to connector factories.
type Dependencies struct {
	Pools     *pool.Registry
	Resolver  resolve.Resolver
	Allocator memory.Allocator
}

// Alloc returns the allocator, defaulting to memory.DefaultAllocator.
func (d Dependencies) Alloc() memory.Allocator {
	if d.Allocator != nil {
		return d.Allocator
	}
	return memory.DefaultAllocator
}

// TableHandle binds a dataset name to its connector and schema. It is
// immutable once created.
type TableHandle struct {
	Descriptor *Descriptor
	Connector  Connector
	Schema     *arrow.Schema
}

// Name returns the dataset name.
func (h *TableHandle) Name() string { return h.Descriptor.Name }

// Capabilities returns the declared push-down set of the handle.
func (h *TableHandle) Capabilities() CapabilitySet { return h.Connector.Capabilities() }
