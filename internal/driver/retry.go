package driver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/metrics"
)

// UpdateFunc computes the data to write from the current entry data,
// which is nil for an empty entry. Returning nil data means there is
// nothing to write.
type UpdateFunc func(current crdt.Data) (crdt.Data, error)

// RetryOptions controls SendWithRetry.
type RetryOptions struct {
	MaxAttempts int
	// Backoff bounds the wait for the conflicting update to arrive before
	// the next attempt. It doubles after each rejection up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func (o *RetryOptions) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.Backoff <= 0 {
		o.Backoff = 10 * time.Millisecond
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = 100 * o.Backoff
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// SendWithRetry runs the read-recompute-send loop: it reads the state held
// by t, applies update and sends the result at the next version. On a
// version conflict it waits for t to catch up with the winning write and
// tries again. The returned result is accepted unless update had nothing
// to write, in which case it carries the current version.
func SendWithRetry(ctx context.Context, d Driver, t *Tracker, update UpdateFunc, opts RetryOptions) (SendResult, error) {
	opts.setDefaults()

	backoff := opts.Backoff
	for attempt := 1; ; attempt++ {
		current, version := t.Snapshot()
		next, err := update(current)
		if err != nil {
			return SendResult{}, err
		}
		if next == nil {
			return SendResult{Version: version}, nil
		}

		res, err := d.Send(ctx, next, version+1)
		if err != nil {
			return SendResult{}, err
		}
		if res.Accepted {
			t.Observe(next, res.Version)
			return res, nil
		}

		if attempt >= opts.MaxAttempts {
			return res, errors.Unavailable(
				fmt.Sprintf("send to %s still conflicting after %d attempts", d.Key(), attempt), nil).
				WithDetail("version", res.Version)
		}
		opts.Metrics.RecordRetry()
		opts.Logger.Debug("Send rejected, retrying",
			zap.String("storage_key", d.Key().String()),
			zap.Int("attempt", attempt),
			zap.Int("sent_version", version+1),
			zap.Int("current_version", res.Version))

		// A wait that times out is not fatal: the next attempt re-reads
		// whatever has arrived by then.
		waitCtx, cancel := context.WithTimeout(ctx, backoff)
		err = t.WaitFor(waitCtx, res.Version)
		cancel()
		if err != nil && ctx.Err() != nil {
			return SendResult{}, ctx.Err()
		}
		if backoff *= 2; backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}
