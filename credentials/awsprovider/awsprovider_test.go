package awsprovider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/kalio007/ipfs-pinning-infra/credentials"
)

type mockS3 struct {
	objects map[string]string
	calls   int
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.calls++
	ref := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	val, ok := m.objects[ref]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", ref)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(val))}, nil
}

func TestWithS3Object(t *testing.T) {
	client := &mockS3{objects: map[string]string{
		"secrets/prod/redis": "redis-pass\n",
	}}

	input := `{"redis": {"password": {{ s3secret "s3://secrets/prod/redis" | json }}}, "stats_token": {{ s3secret "s3://secrets/prod/redis" | json }}}`
	r := credentials.NewResolver(WithS3Object(client))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "redis-pass", creds.Redis.Password)
	require.Equal(t, "redis-pass", creds.StatsToken)
	require.Equal(t, 1, client.calls)
}

func TestWithS3Object_BareRef(t *testing.T) {
	client := &mockS3{objects: map[string]string{"secrets/token": "t0k"}}

	input := `{"stats_token": {{ s3secret "secrets/token" | json }}}`
	r := credentials.NewResolver(WithS3Object(client))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "t0k", creds.StatsToken)
}

func TestWithS3Object_NotFound(t *testing.T) {
	client := &mockS3{objects: map[string]string{}}

	input := `{"stats_token": {{ s3secret "secrets/missing" | json }}}`
	r := credentials.NewResolver(WithS3Object(client))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "S3 GetObject")
}

func TestWithS3Object_InvalidRef(t *testing.T) {
	client := &mockS3{}

	input := `{"stats_token": {{ s3secret "no-key" | json }}}`
	r := credentials.NewResolver(WithS3Object(client))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "want bucket/key")
	require.Zero(t, client.calls)
}

func TestWithS3Object_TooLarge(t *testing.T) {
	client := &mockS3{objects: map[string]string{"secrets/big": strings.Repeat("x", maxSecretSize+1)}}

	input := `{"stats_token": {{ s3secret "secrets/big" | json }}}`
	r := credentials.NewResolver(WithS3Object(client))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds")
}
