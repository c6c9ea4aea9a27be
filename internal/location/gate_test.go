package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticGate(t *testing.T) {
	ctx := context.Background()
	require.True(t, StaticGate(true).IsGranted(ctx))

	granted, err := StaticGate(false).Request(ctx)
	require.NoError(t, err)
	require.False(t, granted)
}

func TestDeviceGateWaitsForReport(t *testing.T) {
	g := NewDeviceGate()
	require.False(t, g.IsGranted(context.Background()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Report(true)
	}()

	granted, err := g.Request(context.Background())
	require.NoError(t, err)
	require.True(t, granted)
	require.True(t, g.IsGranted(context.Background()))
}

func TestDeviceGateDenied(t *testing.T) {
	g := NewDeviceGate()
	g.Report(false)

	granted, err := g.Request(context.Background())
	require.NoError(t, err)
	require.False(t, granted)
}

func TestDeviceGateRequestTimeout(t *testing.T) {
	g := NewDeviceGate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	granted, err := g.Request(ctx)
	require.Error(t, err)
	require.False(t, granted)
}
