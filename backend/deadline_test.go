package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenContext_OpenedInTime(t *testing.T) {
	ctx, opened, release := OpenContext(context.Background(), 20*time.Millisecond)
	defer release()

	require.True(t, opened())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ctx.Err(), "stream context must outlive the open deadline")

	release()
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.False(t, TimedOut(ctx, nil))
}

func TestOpenContext_Expired(t *testing.T) {
	ctx, opened, release := OpenContext(context.Background(), 10*time.Millisecond)
	defer release()

	<-ctx.Done()
	require.False(t, opened())
	require.True(t, TimedOut(ctx, ctx.Err()))
}

func TestOpenContext_NoDeadline(t *testing.T) {
	ctx, opened, release := OpenContext(context.Background(), 0)
	require.True(t, opened())
	release()
	require.Error(t, ctx.Err())
	require.False(t, TimedOut(ctx, nil))
}
