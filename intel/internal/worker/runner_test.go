package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/alert"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStage struct {
	mu      sync.Mutex
	buckets []time.Time
	err     error
	ran     chan struct{}
}

func (s *recordingStage) Name() string { return "detect" }

func (s *recordingStage) Run(_ context.Context, bucket time.Time) error {
	s.mu.Lock()
	s.buckets = append(s.buckets, bucket)
	s.mu.Unlock()
	if s.ran != nil {
		s.ran <- struct{}{}
	}
	return s.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestIntel_Worker_RunnerTicks(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC))
	stage := &recordingStage{ran: make(chan struct{}, 4)}
	r, err := worker.NewRunner(&worker.RunnerConfig{
		Logger: logger, Clock: clk, Stage: stage, Interval: time.Hour, Lag: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := r.Start(ctx)

	<-stage.ran
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(time.Hour)
	<-stage.ran

	cancel()
	for err := range errCh {
		require.NoError(t, err)
	}

	stage.mu.Lock()
	defer stage.mu.Unlock()
	assert.Equal(t, []time.Time{
		time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}, stage.buckets)
}

func TestIntel_Worker_RunOnce(t *testing.T) {
	t.Parallel()

	bucket := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)

	t.Run("systemic failure alerts", func(t *testing.T) {
		t.Parallel()
		n := &recordingNotifier{}
		stage := &recordingStage{err: fmt.Errorf("%w: pattern store unreachable", domain.ErrSystemic)}
		r, err := worker.NewRunner(&worker.RunnerConfig{Logger: logger, Stage: stage, Interval: time.Hour, Notifier: n})
		require.NoError(t, err)

		err = r.RunOnce(context.Background(), bucket)
		require.ErrorIs(t, err, domain.ErrSystemic)
		require.Len(t, n.alerts, 1)
		assert.Equal(t, "detect", n.alerts[0].Stage)
		assert.Equal(t, bucket, n.alerts[0].Bucket)
	})

	t.Run("other failures do not alert", func(t *testing.T) {
		t.Parallel()
		n := &recordingNotifier{}
		stage := &recordingStage{err: errors.New("boom")}
		r, err := worker.NewRunner(&worker.RunnerConfig{Logger: logger, Stage: stage, Interval: time.Hour, Notifier: n})
		require.NoError(t, err)

		require.Error(t, r.RunOnce(context.Background(), bucket))
		assert.Empty(t, n.alerts)
	})

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()
		_, err := worker.NewRunner(&worker.RunnerConfig{Logger: logger, Stage: &recordingStage{}})
		assert.ErrorContains(t, err, "interval must be greater than 0")
		_, err = worker.NewRunner(&worker.RunnerConfig{Logger: logger, Interval: time.Hour})
		assert.ErrorContains(t, err, "stage is required")
	})
}
