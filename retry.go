package timeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

type (
	// Retrying is a Store decorator that repeats calls failing with
	// ErrTransient using exponential backoff. The idempotence of writes makes
	// resubmitting the identical arguments safe. Any other error is returned
	// immediately
	Retrying struct {
		store  Store
		logger *zap.Logger
		config Config
	}

	nothing struct{}
)

var _ Store = (*Retrying)(nil)

// NewRetrying wraps store so that transient failures are retried
func NewRetrying(store Store, cfg Config, opts ...Option) *Retrying {
	o := NewOptions(opts...)
	return &Retrying{
		store:  store,
		logger: o.Logger,
		config: cfg,
	}
}

func (r *Retrying) PersistEvent(
	ctx context.Context, key EntityKey, eventID int64, data []byte,
) error {
	_, err := retryCall(ctx, r, "persist event", func() (nothing, error) {
		return nothing{}, r.store.PersistEvent(ctx, key, eventID, data)
	})
	return err
}

func (r *Retrying) PersistSnapshot(
	ctx context.Context, key EntityKey, atEventID int64, data []byte,
) error {
	_, err := retryCall(ctx, r, "persist snapshot", func() (nothing, error) {
		return nothing{}, r.store.PersistSnapshot(ctx, key, atEventID, data)
	})
	return err
}

func (r *Retrying) GetStatistics(
	ctx context.Context, key EntityKey,
) (Statistics, error) {
	return retryCall(ctx, r, "get statistics", func() (Statistics, error) {
		return r.store.GetStatistics(ctx, key)
	})
}

func (r *Retrying) GetEvent(
	ctx context.Context, key EntityKey, eventID int64,
) ([]byte, error) {
	return retryCall(ctx, r, "get event", func() ([]byte, error) {
		return r.store.GetEvent(ctx, key, eventID)
	})
}

func (r *Retrying) GetSnapshot(
	ctx context.Context, key EntityKey, atEventID int64,
) ([]byte, error) {
	return retryCall(ctx, r, "get snapshot", func() ([]byte, error) {
		return r.store.GetSnapshot(ctx, key, atEventID)
	})
}

func (r *Retrying) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.config.RetryInterval > 0 {
		b.InitialInterval = r.config.RetryInterval
	}
	if r.config.MaxRetryInterval > 0 {
		b.MaxInterval = r.config.MaxRetryInterval
	}
	return b
}

func retryCall[T any](
	ctx context.Context, r *Retrying, op string, fn func() (T, error),
) (T, error) {
	tries := uint(max(r.config.MaxRetries, 0)) + 1
	res, err := backoff.Retry(ctx,
		func() (T, error) {
			res, err := fn()
			if err != nil && !IsRetryable(err) {
				return res, backoff.Permanent(err)
			}
			return res, err
		},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Retrying transient failure",
				zap.String("op", op),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if IsRetryable(err) {
		r.logger.Error("Giving up on transient failure",
			zap.String("op", op),
			zap.Uint("tries", tries),
			zap.Error(err),
		)
	}
	return res, err
}
