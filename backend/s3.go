package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by the S3 backend.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner signs GetObject requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config describes how to reach a bucket.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint string
	// UsePathStyle addresses the bucket in the path rather than the host.
	UsePathStyle bool

	// Static credentials. When AccessKeyID is empty the default AWS
	// credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3 implements Backend on top of an S3 bucket.
type S3 struct {
	client    S3API
	presigner Presigner
	bucket    string
	prefix    string
	spoolDir  string
}

// S3Option configures an S3 backend.
type S3Option func(*S3)

// WithKeyPrefix stores every key under the given prefix.
func WithKeyPrefix(prefix string) S3Option {
	return func(s *S3) {
		s.prefix = prefix
	}
}

// WithSpoolDir sets where bodies of unknown length are staged before
// upload. The default is os.TempDir().
func WithSpoolDir(dir string) S3Option {
	return func(s *S3) {
		s.spoolDir = dir
	}
}

// WithPresigner sets the signer used by PresignRead. NewS3 installs one
// automatically when given an *s3.Client.
func WithPresigner(p Presigner) S3Option {
	return func(s *S3) {
		s.presigner = p
	}
}

// NewS3 creates a backend storing objects in bucket.
func NewS3(client S3API, bucket string, opts ...S3Option) *S3 {
	s := &S3{client: client, bucket: bucket}
	if c, ok := client.(*s3.Client); ok {
		s.presigner = s3.NewPresignClient(c)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write uploads r as the object at key.
func (s *S3) Write(ctx context.Context, key string, r io.Reader, opts ...WriteOption) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	o := ApplyWriteOptions(opts...)

	// PutObject needs a known length; a chunked body is rejected by S3.
	body, size, cleanup, err := s.sizedBody(r)
	if err != nil {
		return fmt.Errorf("preparing object %s: %w", objectKey, err)
	}
	defer cleanup()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if o.ContentType != "" {
		in.ContentType = aws.String(o.ContentType)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("putting object %s: %w", objectKey, classifyS3Error(err))
	}
	return nil
}

// sizedBody returns r as a seeker positioned at its current offset along
// with the number of bytes remaining. Readers that cannot seek are spooled
// to a temp file first.
func (s *S3) sizedBody(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := remaining(rs)
		if err == nil {
			return rs, size, func() {}, nil
		}
	}

	f, err := os.CreateTemp(s.spoolDir, "s3-put-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("creating spool file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	size, err := io.Copy(f, r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spooling body: %w", err)
	}
	return f, size, cleanup, nil
}

func remaining(rs io.ReadSeeker) (int64, error) {
	cur, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := rs.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end - cur, nil
}

// PresignRead returns a GET URL for key that is valid for ttl.
func (s *S3) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.presigner == nil {
		return "", ErrNotSupported
	}
	objectKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning object %s: %w", objectKey, err)
	}
	return req.URL, nil
}

// Read streams the object at key.
func (s *S3) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", objectKey, classifyS3Error(err))
	}
	return out.Body, nil
}

// Delete removes the object at key.
func (s *S3) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		err = classifyS3Error(err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("deleting object %s: %w", objectKey, err)
	}
	return nil
}

// Exists reports whether the object at key exists.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Size(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Size returns the object's content length.
func (s *S3) Size(ctx context.Context, key string) (int64, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		err = classifyS3Error(err)
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("heading object %s: %w", objectKey, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3) objectKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// classifyS3Error maps SDK errors onto the backend sentinels.
// Missing objects become ErrNotFound; throttling, server faults, transport
// failures and deadlines become ErrUnavailable.
func classifyS3Error(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	// Anything that never produced an API response is a transport failure.
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

var (
	_ Backend    = (*S3)(nil)
	_ ReadSigner = (*S3)(nil)
)
