package objectstore

import (
	"context"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// Object is one listed object. ETag and Version are empty when the store
// does not report them.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	Version      string
}

// Bucket is the storage seam under the connector. Keys are slash separated
// and relative to the bucket root.
type Bucket interface {
	// List returns the objects whose keys start with prefix, in key order.
	List(ctx context.Context, prefix string) ([]Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Create starts a new object. The object appears on a successful Close;
	// canceling ctx before then discards it.
	Create(ctx context.Context, key string) (io.WriteCloser, error)
	Ping(ctx context.Context) error
	Close() error
}

// location is a parsed dataset address such as s3://bucket/prefix.
type location struct {
	scheme string
	bucket string
	prefix string
}

func (l location) String() string {
	if l.scheme == schemeFile {
		return l.bucket
	}
	return l.scheme + "://" + l.bucket
}

const (
	schemeFile = "file"
	schemeS3   = "s3"
	schemeGCS  = "gs"
)

// parseLocation reads the address, falling back to the DSN. A bare path
// is a local directory. The table, when set, is appended to the prefix.
// Prefixes carry no leading or trailing slash.
func parseLocation(desc *core.Descriptor) (location, error) {
	addr := desc.Address
	if addr == "" {
		addr = desc.DSN
	}
	if addr == "" {
		return location{}, errors.Newf(errors.ErrorTypeConfig, "object store dataset %s needs an address", desc.Name)
	}
	var loc location
	if !strings.Contains(addr, "://") {
		loc = location{scheme: schemeFile, bucket: filepath.Clean(addr)}
	} else {
		u, err := url.Parse(addr)
		if err != nil {
			return location{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid object store address")
		}
		switch u.Scheme {
		case schemeFile:
			loc = location{scheme: schemeFile, bucket: filepath.Clean(filepath.FromSlash(u.Path))}
		case schemeS3, "s3a":
			loc = location{scheme: schemeS3, bucket: u.Host, prefix: strings.TrimPrefix(u.Path, "/")}
		case schemeGCS, "gcs":
			loc = location{scheme: schemeGCS, bucket: u.Host, prefix: strings.TrimPrefix(u.Path, "/")}
		default:
			return location{}, errors.Newf(errors.ErrorTypeConfig, "unsupported object store scheme %q", u.Scheme)
		}
		if loc.bucket == "" || loc.bucket == "." {
			return location{}, errors.Newf(errors.ErrorTypeConfig, "object store address %q names no bucket", addr)
		}
	}
	loc.prefix = joinKey(loc.prefix, desc.Table)
	return loc, nil
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	key = strings.Trim(key, "/")
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	}
	return prefix + "/" + key
}

// listPrefix is the prefix to list for a dataset prefix. A non-empty prefix
// names a directory, so siblings like "events2/" stay out.
func listPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func openBucket(ctx context.Context, loc location, desc *core.Descriptor) (Bucket, error) {
	switch loc.scheme {
	case schemeS3:
		return newS3Bucket(ctx, loc.bucket, desc)
	case schemeGCS:
		return newGCSBucket(ctx, loc.bucket, desc)
	}
	return newLocalBucket(loc.bucket)
}
