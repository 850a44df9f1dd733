// Package awsprovider resolves credential template secrets from AWS.
package awsprovider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kalio007/ipfs-pinning-infra/credentials"
)

// maxSecretSize bounds a secret object read.
const maxSecretSize = 64 << 10

// ObjectGetter is the subset of the S3 client used to read secret objects.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// WithS3Object registers an "s3secret" template function that reads a
// secret from an S3 object. The ref is "bucket/key" or "s3://bucket/key";
// surrounding whitespace in the object is trimmed.
func WithS3Object(client ObjectGetter) credentials.ResolverOption {
	return credentials.WithProvider("s3secret", func(ctx context.Context, ref string) (string, error) {
		bucket, key, err := parseRef(ref)
		if err != nil {
			return "", err
		}

		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return "", fmt.Errorf("S3 GetObject %q: %w", ref, err)
		}
		defer func() { _ = out.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(out.Body, maxSecretSize+1))
		if err != nil {
			return "", fmt.Errorf("reading S3 secret %q: %w", ref, err)
		}
		if len(data) > maxSecretSize {
			return "", fmt.Errorf("S3 secret %q exceeds %d bytes", ref, maxSecretSize)
		}
		return strings.TrimSpace(string(data)), nil
	})
}

func parseRef(ref string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid S3 secret ref %q: want bucket/key", ref)
	}
	return bucket, key, nil
}
