package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data        []byte
	contentType string
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	err     error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = fakeObject{data: data, contentType: aws.ToString(in.ContentType)}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3_WriteReadWithPrefix(t *testing.T) {
	client := newFakeS3()
	b := NewS3(client, "files", WithKeyPrefix("gateway"))
	ctx := context.Background()

	err := b.Write(ctx, "overflow/1-a-video.mp4", strings.NewReader("movie bytes"), WithContentType("video/mp4"))
	require.NoError(t, err)

	obj, ok := client.objects["files/gateway/overflow/1-a-video.mp4"]
	require.True(t, ok)
	require.Equal(t, "video/mp4", obj.contentType)

	rc, err := b.Read(ctx, "overflow/1-a-video.mp4")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "movie bytes", string(got))

	size, err := b.Size(ctx, "overflow/1-a-video.mp4")
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
}

func TestS3_NotFound(t *testing.T) {
	b := NewS3(newFakeS3(), "files")
	ctx := context.Background()

	_, err := b.Read(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = b.Size(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := b.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, b.Delete(ctx, "missing"))
}

func TestS3_ErrorClassification(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
	}{
		{"transport failure", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), true},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, true},
		{"service unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailable"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeS3()
			client.err = tt.err
			b := NewS3(client, "files")

			_, err := b.Read(context.Background(), "some/key")
			require.Error(t, err)
			require.Equal(t, tt.wantUnavailable, errors.Is(err, ErrUnavailable))
			require.False(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestS3_InvalidKey(t *testing.T) {
	b := NewS3(newFakeS3(), "files")

	err := b.Write(context.Background(), "../escape", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidKey)
}
