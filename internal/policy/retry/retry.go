// Package retry re-runs whole harvest jobs after transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/metrics"
)

// Policy is an exponential backoff schedule plus a transient-error
// classifier. It holds no state between runs; resumption comes from the
// job reloading its persisted scrape state.
type Policy struct {
	// Initial is the first backoff delay.
	Initial time.Duration
	// Rate multiplies the delay after every failure.
	Rate float64
	// Max caps a single delay. Zero caps at a day.
	Max time.Duration
	// MaxAttempts bounds the number of runs. Zero retries forever.
	MaxAttempts int
	// Jitter spreads each delay over [delay/2, delay).
	Jitter bool
	// Classify reports whether err is worth another run. Defaults to IsTransient.
	Classify func(error) bool

	Logger *zap.Logger

	sleep func(context.Context, time.Duration) error
}

// Run invokes job until it returns nil, a non-transient error, or ctx ends.
func (p Policy) Run(ctx context.Context, name string, job func(context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; ; attempt++ {
		err := job(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !classify(err) {
			return fmt.Errorf("%s: %w", name, err)
		}
		if p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt+1, err)
		}
		delay := p.Backoff(attempt)
		metrics.ObserveRetry(name)
		logger.Error("transient failure, backing off",
			zap.String("job", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: backoff canceled: %w", name, err)
		}
	}
}

const maxBackoff = 24 * time.Hour

// Backoff returns the delay to wait after the given zero-based failure.
func (p Policy) Backoff(attempt int) time.Duration {
	rate := p.Rate
	if rate < 1 {
		rate = 1
	}
	delay := float64(p.Initial) * math.Pow(rate, float64(attempt))
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = maxBackoff
	}
	if delay > float64(ceiling) {
		delay = float64(ceiling)
	}
	if !p.Jitter {
		return time.Duration(delay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay/2))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of its type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is a timeout, a dropped connection or
// was explicitly marked with Transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A per-request deadline, not the job context (Run checks that first).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
