package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalio007/ipfs-pinning-infra/credentials"
)

// fakeOp writes a script that prints its arguments, standing in for op.
func fakeOp(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "op")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestWithOnePassword_Read(t *testing.T) {
	bin := fakeOp(t, `echo "$@"`)

	input := `{"redis": {"password": {{ op "op://infra/redis/password" | json }}}}`
	r := credentials.NewResolver(WithOnePassword(WithBinary(bin), WithAccount("team")))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "read --no-newline --account team op://infra/redis/password", creds.Redis.Password)
}

func TestWithOnePassword_Failure(t *testing.T) {
	bin := fakeOp(t, `echo "item not found" >&2; exit 1`)

	input := `{"stats_token": {{ op "op://infra/missing/token" | json }}}`
	r := credentials.NewResolver(WithOnePassword(WithBinary(bin)))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "item not found")
}

func TestWithOnePassword_RejectsBareRef(t *testing.T) {
	input := `{"stats_token": {{ op "infra/token" | json }}}`
	r := credentials.NewResolver(WithOnePassword(WithBinary("/nonexistent/op")))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "op://")
}
