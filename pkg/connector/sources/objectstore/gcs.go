package objectstore

import (
	"context"
	"io"
	"net"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// gcsBucket serves a Cloud Storage bucket. Credentials come from the
// "credentials_file" or "credentials_json" entries, else from the
// environment.
type gcsBucket struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

func newGCSBucket(ctx context.Context, bucket string, desc *core.Descriptor) (*gcsBucket, error) {
	var opts []option.ClientOption
	switch {
	case desc.Credentials["credentials_json"] != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(desc.Credentials["credentials_json"])))
	case desc.Credentials["credentials_file"] != "":
		opts = append(opts, option.WithCredentialsFile(desc.Credentials["credentials_file"]))
	}
	if endpoint := desc.Option("endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
		if len(opts) == 1 {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create gcs client")
	}
	return &gcsBucket{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, gcsError(err, "failed to list gs://"+b.name+"/"+prefix)
		}
		out = append(out, Object{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated.UTC(),
			ETag:         attrs.Etag,
			Version:      strconv.FormatInt(attrs.Generation, 10),
		})
	}
}

func (b *gcsBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, gcsError(err, "failed to open "+key)
	}
	return r, nil
}

func (b *gcsBucket) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	return &gcsWriter{w: b.bucket.Object(key).NewWriter(ctx)}, nil
}

func (b *gcsBucket) Ping(ctx context.Context) error {
	if _, err := b.bucket.Attrs(ctx); err != nil {
		return gcsError(err, "gcs bucket "+b.name)
	}
	return nil
}

func (b *gcsBucket) Close() error { return b.client.Close() }

type gcsWriter struct {
	w *storage.Writer
}

func (w *gcsWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *gcsWriter) Close() error {
	if err := w.w.Close(); err != nil {
		return gcsError(err, "failed to upload object")
	}
	return nil
}

func gcsError(err error, msg string) error {
	var (
		api    *googleapi.Error
		netErr net.Error
	)
	switch {
	case errors.IsCanceled(err):
		return err
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return errors.Wrap(err, errors.ErrorTypeNotFound, msg)
	case errors.As(err, &api) && (api.Code == 401 || api.Code == 403):
		return errors.Wrap(err, errors.ErrorTypeAuthentication, msg)
	case errors.As(err, &api) && api.Code == 404:
		return errors.Wrap(err, errors.ErrorTypeNotFound, msg)
	case errors.As(err, &netErr):
		return errors.Wrap(err, errors.ErrorTypeBackendUnreachable, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeBackendExecution, msg)
}
