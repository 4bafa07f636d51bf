package retry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/netintel/intel/internal/config"
	"github.com/malbeclabs/netintel/intel/internal/domain"
)

// Do runs op, retrying with exponential backoff while it fails with a
// transient storage error. Any other error is returned immediately.
func Do(ctx context.Context, log *slog.Logger, cfg config.RetryConfig, what string, op func(context.Context) error) error {
	_, err := Value(ctx, log, cfg, what, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func Value[T any](ctx context.Context, log *slog.Logger, cfg config.RetryConfig, what string, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrTransient) {
			return v, backoff.Permanent(err)
		}
		if log != nil && attempt < cfg.MaxAttempts {
			log.Warn("Transient storage error, retrying", "op", what, "attempt", attempt, "error", err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(cfg.MaxAttempts, 1))),
	)
}
