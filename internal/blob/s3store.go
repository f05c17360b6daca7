package blob

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
)

// S3Config selects the bucket an S3Store writes to.  Credentials come
// from the standard environment/instance chain unless access_key and
// secret_key are set.
type S3Config struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint,omitempty"`
	AccessKey string `toml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty"`
}

// Check validates the configuration.
func (c *S3Config) Check() error {
	if c.Bucket == "" {
		return errors.New("s3: bucket is not set")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("s3: access_key and secret_key must be set together")
	}
	return nil
}

// S3Store stores objects in an S3 bucket.  An upload only materializes
// the object once the write stream closes cleanly, so partial transfers
// are never visible under the key.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Store constructs an S3Store from configuration.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "s3: load config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Writer starts a streaming upload to key.  Bytes are fed to the uploader
// through a pipe; Close completes the upload and reports its outcome.
func (s *S3Store) Writer(ctx context.Context, key string, opt WriteOptions) (Writer, error) {
	if err := ValidateKey(key); err != nil {
		return nil, errors.Wrap(err, "Writer")
	}
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   pr,
	}
	if opt.ContentType != "" {
		input.ContentType = aws.String(opt.ContentType)
	}
	if opt.Public {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	go func() {
		_, err := s.uploader.Upload(ctx, input)
		if err != nil {
			// Unblock the writer if the upload dies first.
			pr.CloseWithError(err)
		}
		w.done <- err
	}()
	return w, nil
}

// Open reads back the object stored at key.
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Open: "+key)
	}
	return out.Body, nil
}

// Delete removes the object stored at key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return errors.Wrap(err, "Delete")
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return errors.Wrap(err, "Delete: "+key)
}

type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close finishes the stream and waits for the upload result.
func (w *s3Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

// Abort tears down the stream; the aborted upload stores nothing.
func (w *s3Writer) Abort() error {
	w.pw.CloseWithError(errors.New("upload aborted"))
	<-w.done
	return nil
}
