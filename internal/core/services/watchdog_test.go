package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestWatchdog(repo *MockWebhookRepository, used float64, usageErr error) *Watchdog {
	w := NewWatchdog(repo, WatchdogConfig{
		Interval:      time.Minute,
		Retention:     72 * time.Hour,
		DiskThreshold: 70,
		BatchSize:     500,
	})
	w.usage = func(ctx context.Context, path string) (float64, error) {
		return used, usageErr
	}
	w.now = func() time.Time {
		return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	}
	return w
}

func TestWatchdog_BelowThresholdDoesNothing(t *testing.T) {
	repo := new(MockWebhookRepository)
	w := newTestWatchdog(repo, 42, nil)

	rows, err := w.Check(context.Background())

	require.NoError(t, err)
	assert.Zero(t, rows)
	repo.AssertNotCalled(t, "PurgeProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestWatchdog_AboveThresholdPurgesOneBatch(t *testing.T) {
	repo := new(MockWebhookRepository)
	w := newTestWatchdog(repo, 85, nil)
	ctx := context.Background()

	cutoff := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	repo.On("PurgeProcessed", ctx, cutoff, 500).Return(int64(120), nil).Once()

	rows, err := w.Check(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(120), rows)
	repo.AssertExpectations(t)
}

func TestWatchdog_ErrorsPropagate(t *testing.T) {
	repo := new(MockWebhookRepository)
	w := newTestWatchdog(repo, 0, errors.New("statfs failed"))

	_, err := w.Check(context.Background())
	assert.EqualError(t, err, "statfs failed")

	repo2 := new(MockWebhookRepository)
	w2 := newTestWatchdog(repo2, 99, nil)
	repo2.On("PurgeProcessed", context.Background(), w2.now().Add(-72*time.Hour), 500).
		Return(int64(0), errors.New("lock wait timeout"))

	_, err = w2.Check(context.Background())
	assert.EqualError(t, err, "lock wait timeout")
}

func TestNewWatchdog_Defaults(t *testing.T) {
	w := NewWatchdog(nil, WatchdogConfig{})

	assert.Equal(t, 10*time.Minute, w.cfg.Interval)
	assert.Equal(t, 1000, w.cfg.BatchSize)
	assert.Equal(t, "/", w.cfg.Path)
}

func TestWatchdog_RunStopsOnCancel(t *testing.T) {
	w := newTestWatchdog(new(MockWebhookRepository), 0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
