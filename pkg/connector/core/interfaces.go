package core

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Connector exposes one backend object as a queryable table. Implementations
// own backend-specific query translation; the planner only sees this
// interface.
type Connector interface {
	// Name returns the dataset name the connector serves
	Name() string
	// Kind returns the backend family (postgres, sqlite, mongodb, ...)
	Kind() string

	// Schema returns the authoritative schema. It fails with
	// schema_unavailable when the object is missing and unsupported_type when
	// a column cannot be mapped.
	Schema(ctx context.Context) (*arrow.Schema, error)

	// Capabilities returns the declared push-down set. It performs no I/O.
	Capabilities() CapabilitySet

	// Scan starts a lazy, non-restartable scan. The request must only use
	// declared capabilities.
	Scan(ctx context.Context, req *ScanRequest) (RecordStream, error)

	Close(ctx context.Context) error
}

// RecordStream represents a finite sequence of record batches
type RecordStream interface {
	// Schema returns the schema every batch conforms to
	Schema() *arrow.Schema
	// Next returns the next batch, or io.EOF once the stream is exhausted.
	// The caller owns the returned record and must release it.
	Next(ctx context.Context) (arrow.Record, error)
	// Close stops the stream and releases its resources. It is idempotent.
	Close() error
}

// Writer is implemented by connectors that accept ingestion.
type Writer interface {
	// Write appends every batch of the stream to the backend object and
	// returns the number of rows written
	Write(ctx context.Context, stream RecordStream) (int64, error)
}

// QueryRenderer is implemented by connectors that translate scan requests
// into a native query string.
type QueryRenderer interface {
	RenderQuery(req *ScanRequest) (string, error)
}

// PredicateChecker is implemented by connectors whose native filter
// language covers only part of the pushable predicates. The planner keeps a
// conjunct local when SupportsPredicate returns false for it.
type PredicateChecker interface {
	SupportsPredicate(e expr.Expr) bool
}

// Collation describes how a backend compares string values.
type Collation int

const (
	// CollationBinary compares strings bytewise, as local evaluation does
	CollationBinary Collation = iota
	// CollationLocale keeps string equality exact but orders by a locale
	CollationLocale
	// CollationFolded ignores case in both equality and ordering
	CollationFolded
)

// CollationReporter is implemented by connectors whose string comparison
// is not bytewise. The planner keeps string comparisons, sorts and
// groupings local where the collation would change their result.
// Connectors that do not implement it compare bytewise.
type CollationReporter interface {
	StringCollation() Collation
}

// Factory creates a connector for a validated descriptor
type Factory func(ctx context.Context, desc *Descriptor, deps Dependencies) (Connector, error)

// ConnectorMetadata provides metadata about a connector kind
type ConnectorMetadata struct {
	Kind         string        `json:"kind"`
	Description  string        `json:"description"`
	Capabilities CapabilitySet `json:"capabilities"`
	Writable     bool          `json:"writable"`
}
