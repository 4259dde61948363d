// Package apply installs a built hosts document into its protected target
// location.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"hostsblock/pkg/blocklist"
	"hostsblock/pkg/outcome"
	"hostsblock/pkg/privileged"
)

// System is the privileged capability the Applier needs.
type System interface {
	MountMode(ctx context.Context, path string) (privileged.MountMode, error)
	Remount(ctx context.Context, path string, mode privileged.MountMode) error
	Copy(ctx context.Context, src, dst string) (string, error)
	Chown(ctx context.Context, path string) (string, error)
	Chmod(ctx context.Context, path string) (string, error)
	FreeSpace(path string) (uint64, error)
	Installed(ctx context.Context, path string) (bool, error)
}

// Options configures an Applier.
type Options struct {
	Target string
	// Remount makes the target filesystem writable for the duration of the
	// copy when it is mounted read-only.
	Remount       bool
	LineSeparator string
	Log           *slog.Logger
}

// Applier copies documents over the target under elevated privileges.
type Applier struct {
	sys       System
	target    string
	remount   bool
	separator string
	log       *slog.Logger
}

// New constructs an Applier.
func New(sys System, opts Options) *Applier {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Applier{
		sys:       sys,
		target:    opts.Target,
		remount:   opts.Remount,
		separator: opts.LineSeparator,
		log:       log,
	}
}

// Apply installs the document at staged and then checks that blocking is
// active. Every failure is reported as APPLY_FAILED. Once started the
// privileged section ignores cancellation of ctx.
func (a *Applier) Apply(ctx context.Context, staged string) error {
	ctx = context.WithoutCancel(ctx)
	if err := a.install(ctx, staged); err != nil {
		return err
	}

	active, err := a.sys.Installed(ctx, a.target)
	if err != nil {
		return outcome.New(outcome.ApplyFailed, fmt.Errorf("verify %s: %w", a.target, err))
	}
	if !active {
		return outcome.New(outcome.ApplyFailed, fmt.Errorf("%s is not active after apply", a.target))
	}
	a.log.Info("hosts file applied", "target", a.target)
	return nil
}

// Revert installs a document holding only the localhost entry, written to
// staged first.
func (a *Applier) Revert(ctx context.Context, staged string) error {
	if err := blocklist.WriteLocalhostDocument(staged, a.separator); err != nil {
		return err
	}
	if err := a.install(context.WithoutCancel(ctx), staged); err != nil {
		return err
	}
	a.log.Info("hosts file reverted", "target", a.target)
	return nil
}

func (a *Applier) install(ctx context.Context, staged string) (err error) {
	info, err := os.Stat(staged)
	if err != nil {
		return outcome.New(outcome.ApplyFailed, fmt.Errorf("stat staged document: %w", err))
	}
	size := uint64(info.Size()) // #nosec G115 -- file sizes are non-negative.

	free, err := a.sys.FreeSpace(filepath.Dir(a.target))
	if err != nil {
		return outcome.New(outcome.ApplyFailed, fmt.Errorf("check free space: %w", err))
	}
	a.log.Debug("checked free space", "target", a.target, "size", size, "free", free)
	if free < size {
		return outcome.New(outcome.ApplyFailed, fmt.Errorf("not enough space for %d bytes at %s (%d free)", size, a.target, free))
	}

	restore, err := a.makeWritable(ctx)
	if err != nil {
		return outcome.New(outcome.ApplyFailed, err)
	}
	defer func() {
		if restoreErr := restore(); restoreErr != nil {
			a.log.Error("failed to restore mount mode", "target", a.target, "error", restoreErr)
			err = errors.Join(err, outcome.New(outcome.ApplyFailed, restoreErr))
		}
	}()

	steps := []struct {
		name string
		run  func() (string, error)
	}{
		{"copy", func() (string, error) { return a.sys.Copy(ctx, staged, a.target) }},
		{"chown", func() (string, error) { return a.sys.Chown(ctx, a.target) }},
		{"chmod", func() (string, error) { return a.sys.Chmod(ctx, a.target) }},
	}
	for _, step := range steps {
		output, stepErr := step.run()
		a.log.Debug("privileged step finished", "step", step.name, "target", a.target, "output", output)
		if stepErr != nil {
			return outcome.New(outcome.ApplyFailed, fmt.Errorf("%s: %w", step.name, stepErr))
		}
	}
	return nil
}

// makeWritable remounts the target filesystem read-write when needed and
// returns the function that puts the original mode back.
func (a *Applier) makeWritable(ctx context.Context) (func() error, error) {
	noop := func() error { return nil }
	if !a.remount {
		return noop, nil
	}

	mode, err := a.sys.MountMode(ctx, a.target)
	if err != nil {
		return nil, fmt.Errorf("read mount mode: %w", err)
	}
	if mode == privileged.ReadWrite {
		return noop, nil
	}

	// A failed attempt may have left the filesystem writable, so restore
	// even when the remount reports an error.
	restore := func() error { return a.sys.Remount(ctx, a.target, mode) }
	if err := a.sys.Remount(ctx, a.target, privileged.ReadWrite); err != nil {
		if restoreErr := restore(); restoreErr != nil {
			a.log.Error("failed to restore mount mode", "target", a.target, "error", restoreErr)
		}
		return nil, fmt.Errorf("remount read-write: %w", err)
	}
	return restore, nil
}
