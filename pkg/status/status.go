// Package status evaluates whether blocking is installed and whether the
// configured sources have changed since the last apply.
package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hostsblock/pkg/blocklist"
	"hostsblock/pkg/outcome"
)

const defaultParallel = 4

// Prober returns the remote modification time of a source without
// downloading it. *blocklist.Fetcher implements it.
type Prober interface {
	Probe(ctx context.Context, source blocklist.Source) (time.Time, error)
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Installation reports whether the generated document is in place at path.
type Installation interface {
	Installed(ctx context.Context, path string) (bool, error)
}

// Options configures a Checker.
type Options struct {
	Prober       Prober
	Connectivity Connectivity
	Installation Installation
	Target       string
	// UpdateCheck enables probing of remote sources. When false only the
	// installation state is reported.
	UpdateCheck bool
	Parallel    int
	Log         *slog.Logger
}

// Checker evaluates the state machine
// NO_CONNECTION, DOWNLOAD_FAIL, DISABLED, UPDATE_AVAILABLE, ENABLED
// in that order of precedence.
type Checker struct {
	prober       Prober
	connectivity Connectivity
	installation Installation
	target       string
	updateCheck  bool
	parallel     int
	log          *slog.Logger
}

// Report is the result of one status check.
type Report struct {
	Code outcome.Code
	// URL names the failing source for DOWNLOAD_FAIL.
	URL string
	// RemoteModified is the newest Last-Modified time seen across sources.
	RemoteModified time.Time
	LastApplied    time.Time
	// Sources holds the probed sources with RemoteModified filled in.
	Sources []blocklist.Source
	Err     error
}

// New constructs a Checker.
func New(opts Options) *Checker {
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = defaultParallel
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		prober:       opts.Prober,
		connectivity: opts.Connectivity,
		installation: opts.Installation,
		target:       opts.Target,
		updateCheck:  opts.UpdateCheck,
		parallel:     parallel,
		log:          log,
	}
}

// Check probes the enabled sources and compares their newest modification
// time with lastApplied. It never changes persisted state.
func (c *Checker) Check(ctx context.Context, sources []blocklist.Source, lastApplied time.Time) Report {
	report := Report{LastApplied: lastApplied}
	if err := ctx.Err(); err != nil {
		return report.fail(outcome.New(outcome.Cancelled, err))
	}

	if c.updateCheck {
		if c.connectivity != nil && !c.connectivity.Online(ctx) {
			if err := ctx.Err(); err != nil {
				return report.fail(outcome.New(outcome.Cancelled, err))
			}
			return report.fail(outcome.New(outcome.NoConnection, errors.New("network unavailable")))
		}

		probed, newest, err := c.probeAll(ctx, sources)
		if err != nil {
			return report.fail(err)
		}
		report.Sources = probed
		report.RemoteModified = newest
	}

	installed, err := c.installation.Installed(ctx, c.target)
	if err != nil {
		c.log.Warn("failed to read installation state", "target", c.target, "error", err)
	}
	switch {
	case !installed:
		report.Code = outcome.Disabled
	case c.updateCheck && report.RemoteModified.After(lastApplied):
		report.Code = outcome.UpdateAvailable
	default:
		report.Code = outcome.Enabled
	}

	c.log.Debug("status evaluated", "code", report.Code, "remote_modified", report.RemoteModified, "last_applied", lastApplied)
	return report
}

func (c *Checker) probeAll(ctx context.Context, sources []blocklist.Source) ([]blocklist.Source, time.Time, error) {
	enabled := make([]blocklist.Source, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	var g errgroup.Group
	g.SetLimit(c.parallel)

	var mu sync.Mutex
	var newest time.Time
	failures := make([]error, len(enabled))
	for i := range enabled {
		i := i
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			modified, err := c.prober.Probe(ctx, enabled[i])
			if err != nil {
				c.log.Debug("source probe failed", "url", enabled[i].URL, "error", err)
				failures[i] = err
				return nil
			}
			enabled[i].RemoteModified = modified

			mu.Lock()
			if modified.After(newest) {
				newest = modified
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, outcome.New(outcome.Cancelled, err)
	}
	// The first failing source in list order is reported, whichever
	// finished first.
	for _, err := range failures {
		if err != nil {
			return nil, time.Time{}, err
		}
	}
	return enabled, newest, nil
}

func (r Report) fail(err error) Report {
	r.Code = outcome.CodeOf(err, outcome.DownloadFail)
	r.URL = outcome.URLOf(err)
	r.Err = err
	return r
}
