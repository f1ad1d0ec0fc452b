package objectstore

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
)

// s3Bucket serves an S3 bucket or an S3 compatible store when the
// "endpoint" option is set.
type s3Bucket struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

func newS3Bucket(ctx context.Context, bucket string, desc *core.Descriptor) (*s3Bucket, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(desc.Option("region", "us-east-1")),
	}
	if id := desc.Credentials["access_key_id"]; id != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, desc.Credentials["secret_access_key"], desc.Credentials["session_token"])))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load aws configuration")
	}
	pathStyle, err := strconv.ParseBool(desc.Option("path_style", "false"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid path_style option")
	}
	endpoint := desc.Option("endpoint", "")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})
	return &s3Bucket{
		bucket:   bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (b *s3Bucket) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s3Error(err, "failed to list s3://"+b.bucket+"/"+prefix)
		}
		for _, o := range page.Contents {
			out = append(out, Object{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified).UTC(),
				ETag:         strings.Trim(aws.ToString(o.ETag), `"`),
			})
		}
	}
	return out, nil
}

func (b *s3Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(err, "failed to get "+key)
	}
	return out.Body, nil
}

// Create streams the object through the multipart uploader.
func (b *s3Bucket) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (b *s3Bucket) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return s3Error(err, "s3 bucket "+b.bucket)
	}
	return nil
}

func (b *s3Bucket) Close() error { return nil }

type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *s3Writer) Close() error {
	w.pw.Close()
	if err := <-w.done; err != nil {
		return s3Error(err, "failed to upload object")
	}
	return nil
}

func s3Error(err error, msg string) error {
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
		api      smithy.APIError
		netErr   net.Error
	)
	switch {
	case errors.IsCanceled(err):
		return err
	case errors.As(err, &noKey), errors.As(err, &noBucket), errors.As(err, &notFound):
		return errors.Wrap(err, errors.ErrorTypeNotFound, msg)
	case errors.As(err, &api) && (api.ErrorCode() == "AccessDenied" || api.ErrorCode() == "InvalidAccessKeyId" ||
		api.ErrorCode() == "SignatureDoesNotMatch"):
		return errors.Wrap(err, errors.ErrorTypeAuthentication, msg)
	case errors.As(err, &netErr):
		return errors.Wrap(err, errors.ErrorTypeBackendUnreachable, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeBackendExecution, msg)
}
