// Package worker schedules pipeline stages on a fixed interval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netintel/intel/internal/alert"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
)

// Stage is one independently scheduled batch job.
type Stage interface {
	Name() string
	Run(ctx context.Context, bucket time.Time) error
}

type RunnerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Stage    Stage
	Interval time.Duration
	// Lag is subtracted from the current hour to pick the bucket a run
	// processes. Zero processes the current hour.
	Lag      time.Duration
	Notifier alert.Notifier
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Stage == nil {
		return errors.New("stage is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Lag < 0 {
		return errors.New("lag must not be negative")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alert.NewLog(cfg.Logger)
	}
	return nil
}

type Runner struct {
	log *slog.Logger
	cfg *RunnerConfig
}

func NewRunner(cfg *RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Runner{log: cfg.Logger.With("stage", cfg.Stage.Name()), cfg: cfg}, nil
}

func (r *Runner) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := r.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Run ticks until ctx is done. A run already in progress is allowed to
// finish; cancellation only stops the next one from being scheduled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner: starting", "interval", r.cfg.Interval, "lag", r.cfg.Lag)
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner: context done, stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	bucket := r.cfg.Clock.Now().UTC().Truncate(time.Hour).Add(-r.cfg.Lag)
	_ = r.RunOnce(context.WithoutCancel(ctx), bucket)
}

// RunOnce runs the stage for bucket, records the outcome and alerts on
// systemic failures.
func (r *Runner) RunOnce(ctx context.Context, bucket time.Time) error {
	name := r.cfg.Stage.Name()
	startedAt := r.cfg.Clock.Now()
	err := r.cfg.Stage.Run(ctx, bucket)
	duration := r.cfg.Clock.Since(startedAt)
	metrics.StageRunDuration.WithLabelValues(name).Observe(duration.Seconds())

	switch {
	case err == nil:
		metrics.StageRuns.WithLabelValues(name, "ok").Inc()
		r.log.Info("runner: run complete", "bucket", bucket, "duration", duration)
		return nil
	case errors.Is(err, domain.ErrSystemic):
		metrics.StageRuns.WithLabelValues(name, "aborted").Inc()
		r.log.Error("runner: run aborted", "bucket", bucket, "error", err)
		if nerr := r.cfg.Notifier.Notify(ctx, alert.Alert{Stage: name, Bucket: bucket, Err: err}); nerr != nil {
			r.log.Warn("runner: failed to send alert", "error", nerr)
		}
	default:
		metrics.StageRuns.WithLabelValues(name, "failed").Inc()
		r.log.Error("runner: run failed", "bucket", bucket, "error", err)
	}
	return err
}
