// Package pipeline runs fetch, parse, merge, build and apply as one
// sequential operation and keeps at most one apply and one status check
// in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hostsblock/pkg/blocklist"
	"hostsblock/pkg/metrics"
	"hostsblock/pkg/outcome"
	"hostsblock/pkg/status"
)

const (
	downloadFile = "hosts.download"
	buildFile    = "hosts.build"
	revertFile   = "hosts.revert"
)

// Store is the persisted state the pipeline reads and, after a successful
// apply, updates.
type Store interface {
	EnabledSources(ctx context.Context) ([]blocklist.Source, error)
	Overrides(ctx context.Context) (blocklist.Overrides, error)
	LastApplied(ctx context.Context) (time.Time, error)
	SetLastApplied(ctx context.Context, t time.Time) error
	MarkSourcesApplied(ctx context.Context, sources []blocklist.Source) error
}

// Fetcher downloads sources into a staging file.
type Fetcher interface {
	Fetch(ctx context.Context, sources []blocklist.Source, stagingPath string) (*blocklist.FetchResult, error)
}

// Applier installs staged documents.
type Applier interface {
	Apply(ctx context.Context, staged string) error
	Revert(ctx context.Context, staged string) error
}

// Checker evaluates the blocking status.
type Checker interface {
	Check(ctx context.Context, sources []blocklist.Source, lastApplied time.Time) status.Report
}

// Options configures a Runner.
type Options struct {
	Store   Store
	Fetcher Fetcher
	Applier Applier
	Checker Checker

	StagingDir    string
	RedirectionIP string
	StripComments bool
	LineSeparator string
	// ParseErrorLimit caps the invalid-line warnings logged per apply.
	ParseErrorLimit int
	// Credentials are attached to stored sources by id before fetching.
	Credentials map[string]blocklist.AuthConfig

	Metrics     *metrics.Metrics
	MetricsFile string
	Now         func() time.Time
	Log         *slog.Logger
}

// Result is the outcome of an apply or revert.
type Result struct {
	Code outcome.Code
	// URL names the failing source for DOWNLOAD_FAIL.
	URL          string
	Err          error
	Blocked      int
	Redirected   int
	Comments     int
	Invalid      int
	Bytes        int64
	LastModified time.Time
}

// Runner composes the pipeline stages.
type Runner struct {
	opts Options
	now  func() time.Time
	log  *slog.Logger

	mu      sync.Mutex
	running map[taskKind]bool
}

// New constructs a Runner.
func New(opts Options) *Runner {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.RedirectionIP == "" {
		opts.RedirectionIP = blocklist.LocalhostIP
	}
	return &Runner{
		opts:    opts,
		now:     now,
		log:     log,
		running: make(map[taskKind]bool),
	}
}

// StartApply runs Apply in the background.
func (r *Runner) StartApply(ctx context.Context) (*Task[Result], error) {
	return startTask(ctx, r, applyTask, r.apply)
}

// StartRevert runs Revert in the background. It shares the apply slot
// because both write the target.
func (r *Runner) StartRevert(ctx context.Context) (*Task[Result], error) {
	return startTask(ctx, r, applyTask, r.revert)
}

// StartStatus runs Status in the background.
func (r *Runner) StartStatus(ctx context.Context) (*Task[status.Report], error) {
	return startTask(ctx, r, statusTask, r.checkStatus)
}

// Apply fetches every enabled source, merges the result with the overrides
// and installs the built document. It returns ErrBusy while another apply
// or revert is running.
func (r *Runner) Apply(ctx context.Context) (Result, error) {
	task, err := r.StartApply(ctx)
	if err != nil {
		return Result{}, err
	}
	return task.Wait(), nil
}

// Revert installs the localhost-only document.
func (r *Runner) Revert(ctx context.Context) (Result, error) {
	task, err := r.StartRevert(ctx)
	if err != nil {
		return Result{}, err
	}
	return task.Wait(), nil
}

// Status evaluates the blocking status without changing any state.
func (r *Runner) Status(ctx context.Context) (status.Report, error) {
	task, err := r.StartStatus(ctx)
	if err != nil {
		return status.Report{}, err
	}
	return task.Wait(), nil
}

func (r *Runner) apply(ctx context.Context) (result Result) {
	defer func() { r.finish("apply", &result) }()

	downloadPath := filepath.Join(r.opts.StagingDir, downloadFile)
	buildPath := filepath.Join(r.opts.StagingDir, buildFile)
	defer r.discard(downloadPath, buildPath)

	sources, err := r.opts.Store.EnabledSources(ctx)
	if err != nil {
		return result.fail(outcome.New(outcome.PrivateFileFail, fmt.Errorf("load sources: %w", err)))
	}
	for i := range sources {
		if auth, ok := r.opts.Credentials[sources[i].ID]; ok {
			sources[i].Auth = auth
		}
	}

	var fetched *blocklist.FetchResult
	if err := r.stage("fetch", func() error {
		fetched, err = r.opts.Fetcher.Fetch(ctx, sources, downloadPath)
		return err
	}); err != nil {
		return result.fail(err)
	}
	result.Bytes = fetched.Bytes
	result.LastModified = fetched.LastModified

	var parsed *blocklist.ParseResult
	if err := r.stage("parse", func() error {
		parsed, err = blocklist.ParseFile(downloadPath, blocklist.ParseOptions{
			ListID:        "download",
			Logger:        r.log,
			ErrorLimit:    r.opts.ParseErrorLimit,
			StripComments: r.opts.StripComments,
		})
		if err != nil {
			return outcome.New(outcome.PrivateFileFail, err)
		}
		return nil
	}); err != nil {
		return result.fail(err)
	}
	result.Comments = len(parsed.Comments)
	result.Invalid = parsed.Stats.Invalid

	overrides, err := r.opts.Store.Overrides(ctx)
	if err != nil {
		return result.fail(outcome.New(outcome.PrivateFileFail, err))
	}

	var mapping blocklist.Mapping
	if err := r.stage("build", func() error {
		mapping = blocklist.Merge(parsed.Hosts, overrides, r.opts.RedirectionIP)
		return blocklist.WriteDocument(buildPath, mapping, parsed.Comments, blocklist.BuildOptions{
			StripComments: r.opts.StripComments,
			LineSeparator: r.opts.LineSeparator,
		})
	}); err != nil {
		return result.fail(err)
	}
	result.Blocked = mapping.Blocked.Len()
	result.Redirected = mapping.Redirected.Len()
	r.opts.Metrics.SetDocument(result.Blocked, result.Redirected)

	// Last point at which a cancel is honoured; the install itself is not
	// interruptible.
	if err := ctx.Err(); err != nil {
		return result.fail(outcome.New(outcome.Cancelled, err))
	}

	if err := r.stage("apply", func() error {
		return r.opts.Applier.Apply(ctx, buildPath)
	}); err != nil {
		return result.fail(err)
	}

	r.recordApplied(context.WithoutCancel(ctx), fetched)
	result.Code = outcome.Success
	return result
}

func (r *Runner) revert(ctx context.Context) (result Result) {
	defer func() { r.finish("revert", &result) }()

	path := filepath.Join(r.opts.StagingDir, revertFile)
	defer r.discard(path)

	if err := r.stage("apply", func() error {
		return r.opts.Applier.Revert(ctx, path)
	}); err != nil {
		return result.fail(err)
	}
	r.opts.Metrics.SetDocument(0, 0)
	result.Code = outcome.Success
	return result
}

func (r *Runner) checkStatus(ctx context.Context) status.Report {
	sources, err := r.opts.Store.EnabledSources(ctx)
	if err != nil {
		return storeFailure(fmt.Errorf("load sources: %w", err))
	}
	lastApplied, err := r.opts.Store.LastApplied(ctx)
	if err != nil {
		return storeFailure(fmt.Errorf("load last applied: %w", err))
	}
	for i := range sources {
		if auth, ok := r.opts.Credentials[sources[i].ID]; ok {
			sources[i].Auth = auth
		}
	}

	report := r.opts.Checker.Check(ctx, sources, lastApplied)
	r.opts.Metrics.RecordRun("status", report.Code)
	r.log.Info("status checked", "code", report.Code, "url", report.URL,
		"remote_modified", report.RemoteModified, "last_applied", lastApplied)
	return report
}

// recordApplied stores the baseline used by later status checks. The
// newest remote modification time is used when the servers reported one,
// the current time otherwise. The document is already installed, so
// failures are logged and do not change the outcome.
func (r *Runner) recordApplied(ctx context.Context, fetched *blocklist.FetchResult) {
	applied := fetched.LastModified
	if applied.IsZero() {
		applied = r.now().UTC()
	}
	if err := r.opts.Store.SetLastApplied(ctx, applied); err != nil {
		r.log.Error("failed to record last applied time", "error", err)
	}
	if err := r.opts.Store.MarkSourcesApplied(ctx, fetched.Sources); err != nil {
		r.log.Error("failed to record applied sources", "error", err)
	}
	r.opts.Metrics.MarkSuccess(r.now())
}

func (r *Runner) stage(name string, run func() error) error {
	start := time.Now()
	err := run()
	elapsed := time.Since(start)
	r.opts.Metrics.ObserveStage(name, elapsed)
	r.log.Debug("stage finished", "stage", name, "duration", elapsed, "error", err)
	return err
}

func (r *Runner) finish(operation string, result *Result) {
	r.opts.Metrics.RecordRun(operation, result.Code)
	r.opts.Metrics.AddDownloaded(result.Bytes)
	r.opts.Metrics.AddInvalid(result.Invalid)
	if err := r.opts.Metrics.WriteTextfile(r.opts.MetricsFile); err != nil {
		r.log.Warn("failed to export metrics", "error", err)
	}

	if result.Err != nil {
		r.log.Error(operation+" failed", "code", result.Code, "url", result.URL, "error", result.Err)
		return
	}
	r.log.Info(operation+" finished", "code", result.Code, "blocked", result.Blocked,
		"redirected", result.Redirected, "bytes", result.Bytes)
}

func (r *Runner) discard(paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("failed to remove staging file", "path", path, "error", err)
		}
	}
}

func (res Result) fail(err error) Result {
	res.Code = outcome.CodeOf(err, outcome.ApplyFailed)
	res.URL = outcome.URLOf(err)
	res.Err = err
	return res
}

func storeFailure(err error) status.Report {
	return status.Report{
		Code: outcome.PrivateFileFail,
		Err:  outcome.New(outcome.PrivateFileFail, err),
	}
}
