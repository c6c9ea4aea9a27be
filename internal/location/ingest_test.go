package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-pathtrack/internal/shared/geo"

	"github.com/stretchr/testify/require"
)

func fix(ts int64, lat, lon, acc float64) Fix {
	return Fix{Coordinate: geo.Coordinate{Timestamp: ts, Lat: lat, Lon: lon}, AccuracyM: acc}
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event")
	}
	return Event{}
}

func TestIngestWatchDeliversFixesAndErrors(t *testing.T) {
	in := NewIngest(50, time.Minute)
	sub, err := in.Watch(context.Background(), false)
	require.NoError(t, err)
	defer sub.Cancel()

	errSensor := errors.New("gps glitch")
	require.NoError(t, in.PushError(errSensor))
	require.NoError(t, in.Push(fix(5, 1, 1, 10)))
	require.NoError(t, in.Push(fix(6, 2, 2, 10)))

	require.ErrorIs(t, next(t, sub).Err, errSensor)
	require.Equal(t, int64(5), next(t, sub).Fix.Timestamp)
	require.Equal(t, int64(6), next(t, sub).Fix.Timestamp)
}

func TestIngestHighAccuracyFilter(t *testing.T) {
	in := NewIngest(20, time.Minute)
	precise, err := in.Watch(context.Background(), true)
	require.NoError(t, err)
	defer precise.Cancel()
	coarse, err := in.Watch(context.Background(), false)
	require.NoError(t, err)
	defer coarse.Cancel()

	require.NoError(t, in.Push(fix(1, 0, 0, 500)))
	require.NoError(t, in.Push(fix(2, 0, 0, 5)))

	require.Equal(t, int64(2), next(t, precise).Fix.Timestamp)
	require.Equal(t, int64(1), next(t, coarse).Fix.Timestamp)
	require.Equal(t, int64(2), next(t, coarse).Fix.Timestamp)
}

func TestIngestRejectsInvalidFix(t *testing.T) {
	in := NewIngest(0, time.Minute)
	require.ErrorIs(t, in.Push(fix(1, 91, 0, 0)), geo.ErrOutOfRange)
}

func TestIngestCancelStopsDelivery(t *testing.T) {
	in := NewIngest(0, time.Minute)
	sub, err := in.Watch(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, in.Watchers())

	sub.Cancel()
	sub.Cancel()
	require.Equal(t, 0, in.Watchers())

	require.NoError(t, in.Push(fix(1, 0, 0, 0)))
	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestIngestWatchEndsWithContext(t *testing.T) {
	in := NewIngest(0, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := in.Watch(ctx, false)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return in.Watchers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestIngestCurrentFixUsesFreshLatest(t *testing.T) {
	in := NewIngest(0, time.Minute)
	require.NoError(t, in.Push(fix(7, 3, 4, 0)))

	f, err := in.CurrentFix(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int64(7), f.Timestamp)
}

func TestIngestCurrentFixWaitsForPush(t *testing.T) {
	in := NewIngest(0, time.Minute)
	go func() {
		waitForWaiter(in)
		_ = in.Push(fix(9, 1, 2, 0))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := in.CurrentFix(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(9), f.Timestamp)
}

func TestIngestCurrentFixStaleTimesOut(t *testing.T) {
	in := NewIngest(0, time.Second)
	base := time.Now()
	in.now = func() time.Time { return base }
	require.NoError(t, in.Push(fix(1, 0, 0, 0)))
	in.now = func() time.Time { return base.Add(time.Hour) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := in.CurrentFix(ctx, false)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestIngestCurrentFixPropagatesSensorError(t *testing.T) {
	in := NewIngest(0, time.Minute)
	go func() {
		waitForWaiter(in)
		_ = in.PushError(ErrPermissionDenied)
	}()

	_, err := in.CurrentFix(context.Background(), false)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestIngestClose(t *testing.T) {
	in := NewIngest(0, time.Minute)
	sub, err := in.Watch(context.Background(), false)
	require.NoError(t, err)

	in.Close()
	in.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)
	require.ErrorIs(t, in.Push(fix(1, 0, 0, 0)), ErrUnavailable)
	_, err = in.Watch(context.Background(), false)
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = in.CurrentFix(context.Background(), false)
	require.ErrorIs(t, err, ErrUnavailable)
	sub.Cancel()
}

func waitForWaiter(in *Ingest) {
	for i := 0; i < 1000; i++ {
		in.mu.Lock()
		n := len(in.waiters)
		in.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
