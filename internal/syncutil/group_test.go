package syncutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupStopCollectsErrors(t *testing.T) {
	g := NewGroup(context.Background())
	boom := errors.New("boom")

	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return boom
	})

	err := g.Stop(context.Background())
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, context.Canceled)
}

func TestGroupStopHonoursDeadline(t *testing.T) {
	g := NewGroup(context.Background())
	release := make(chan struct{})
	defer close(release)

	g.Go(func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Stop(ctx), context.DeadlineExceeded)
}
