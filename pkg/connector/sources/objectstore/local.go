package objectstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// localBucket serves a directory tree.
type localBucket struct {
	root string
}

func newLocalBucket(root string) (*localBucket, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, localError(err, "object store root "+root)
	}
	if !st.IsDir() {
		return nil, errors.Newf(errors.ErrorTypeConfig, "object store root %s is not a directory", root)
	}
	return &localBucket{root: root}, nil
}

func (b *localBucket) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *localBucket) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || strings.HasPrefix(filepath.Base(p), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
			ETag:         fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size()),
		})
		return nil
	})
	if err != nil {
		return nil, localError(err, "failed to list "+b.root)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *localBucket) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		return nil, localError(err, "failed to open "+key)
	}
	return f, nil
}

func (b *localBucket) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, localError(err, "failed to create "+key)
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return nil, localError(err, "failed to create "+key)
	}
	return &localWriter{ctx: ctx, f: f, dst: p}, nil
}

func (b *localBucket) Ping(context.Context) error {
	_, err := os.Stat(b.root)
	return localError(err, "object store root "+b.root)
}

func (b *localBucket) Close() error { return nil }

// localWriter writes to a temporary file renamed into place on Close.
type localWriter struct {
	ctx context.Context
	f   *os.File
	dst string
}

func (w *localWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *localWriter) Close() error {
	err := w.f.Close()
	if err == nil {
		err = w.ctx.Err()
	}
	if err == nil {
		err = os.Rename(w.f.Name(), w.dst)
	}
	if err != nil {
		os.Remove(w.f.Name())
		return localError(err, "failed to write "+w.dst)
	}
	return nil
}

func localError(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.IsCanceled(err):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return errors.Wrap(err, errors.ErrorTypeNotFound, msg)
	case errors.Is(err, fs.ErrPermission):
		return errors.Wrap(err, errors.ErrorTypeAuthentication, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeBackendExecution, msg)
}
