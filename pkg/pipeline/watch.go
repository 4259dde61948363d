package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"hostsblock/pkg/outcome"
	"hostsblock/pkg/status"
)

// WatchOptions configures Watch.
type WatchOptions struct {
	Interval time.Duration
	// AutoApply runs an apply whenever a check reports UPDATE_AVAILABLE.
	AutoApply      bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnReport, when set, receives every status report.
	OnReport func(status.Report)
}

const (
	defaultInitialBackoff = 30 * time.Second
	defaultMaxBackoff     = 30 * time.Minute
)

// Watch checks the status immediately and then on every tick until ctx is
// done. Failed checks delay the next one with exponential backoff.
func (r *Runner) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Interval <= 0 {
		return errors.New("watch interval must be positive")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}

	failures := 0
	if !r.watchOnce(ctx, opts) {
		failures++
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		if failures > 0 {
			backoff := calcBackoff(opts.InitialBackoff, opts.MaxBackoff, failures)
			r.log.Warn("status check failed, backing off", "attempt", failures, "backoff", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.log.Info("watch stopped", "error", ctx.Err())
				return ctx.Err()
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				r.log.Info("watch stopped", "error", ctx.Err())
				return ctx.Err()
			case <-ticker.C:
			}
		}

		if r.watchOnce(ctx, opts) {
			if failures > 0 {
				r.log.Info("status check recovered", "failures", failures)
			}
			failures = 0
		} else {
			failures++
		}
	}
}

// watchOnce runs one check, and an apply if one is due. It reports false
// when the check or apply failed.
func (r *Runner) watchOnce(ctx context.Context, opts WatchOptions) bool {
	report, err := r.Status(ctx)
	if errors.Is(err, ErrBusy) {
		r.log.Debug("skipping status check, previous one still running")
		return true
	}
	if opts.OnReport != nil {
		opts.OnReport(report)
	}

	switch report.Code {
	case outcome.NoConnection, outcome.DownloadFail, outcome.PrivateFileFail:
		return false
	case outcome.UpdateAvailable:
		if !opts.AutoApply {
			return true
		}
		result, err := r.Apply(ctx)
		if errors.Is(err, ErrBusy) {
			r.log.Debug("skipping auto apply, an apply is already running")
			return true
		}
		return result.Code == outcome.Success || result.Code == outcome.Cancelled
	default:
		return true
	}
}

func calcBackoff(initial, limit time.Duration, failures int) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(2, float64(failures-1)))
	if backoff > limit || backoff <= 0 {
		backoff = limit
	}

	// Up to 20% jitter either way.
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(backoff))
	return backoff + jitter
}
