package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEveryRejectsShortPeriods(t *testing.T) {
	r := New()
	err := r.Every("fast", 500*time.Millisecond, func(context.Context) {})
	require.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestEveryRejectsDuplicateNames(t *testing.T) {
	r := New()
	require.NoError(t, r.Every("reaper", time.Hour, func(context.Context) {}))
	require.Error(t, r.Every("reaper", time.Hour, func(context.Context) {}))
	require.Equal(t, []string{"reaper"}, r.Tasks())
}

func TestRunnerTicksAndStops(t *testing.T) {
	r := New()
	var runs atomic.Int32
	var sawCancel atomic.Bool
	started := make(chan struct{}, 1)
	require.NoError(t, r.Every("tick", time.Second, func(ctx context.Context) {
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		sawCancel.Store(true)
	}))

	r.Start()
	r.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	require.True(t, sawCancel.Load())
	require.Equal(t, int32(1), runs.Load(), "overlapping runs must be skipped")
}

func TestStopTimesOut(t *testing.T) {
	r := New()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, r.Every("stuck", time.Second, func(context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))
	r.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Stop(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	close(release)
}

func TestCronLoggerDoesNotPanic(t *testing.T) {
	l := cronLogger{log: New().log}
	l.Info("wake", "now", time.Now())
	l.Error(errors.New("boom"), "job failed", "entry", 1)
}
