// Package privileged runs the commands that install a hosts file into a
// protected location: remounting, copying and normalizing ownership and
// permissions.
package privileged

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"hostsblock/pkg/blocklist"
)

// MountMode is the access mode of a mounted filesystem.
type MountMode string

const (
	ReadWrite MountMode = "rw"
	ReadOnly  MountMode = "ro"
)

const (
	defaultOwner      = "0:0"
	defaultMode       = "644"
	defaultMountsFile = "/proc/mounts"
	headerReadLimit   = 4096
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Options configures a Shell.
type Options struct {
	// Prefix is prepended to every command, e.g. ["sudo", "-n"]. Empty
	// means the process already runs with the required privileges.
	Prefix     []string
	Owner      string
	Mode       string
	MountsFile string
	Runner     Runner
	Log        *slog.Logger
}

// Shell performs privileged operations through external commands.
type Shell struct {
	prefix     []string
	owner      string
	mode       string
	mountsFile string
	run        Runner
	log        *slog.Logger
}

// NewShell constructs a Shell.
func NewShell(opts Options) *Shell {
	s := &Shell{
		prefix:     opts.Prefix,
		owner:      opts.Owner,
		mode:       opts.Mode,
		mountsFile: opts.MountsFile,
		run:        opts.Runner,
		log:        opts.Log,
	}
	if s.owner == "" {
		s.owner = defaultOwner
	}
	if s.mode == "" {
		s.mode = defaultMode
	}
	if s.mountsFile == "" {
		s.mountsFile = defaultMountsFile
	}
	if s.run == nil {
		s.run = execRunner
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() // #nosec G204 -- commands are fixed, arguments come from configuration.
}

func (s *Shell) exec(ctx context.Context, args ...string) (string, error) {
	argv := append(append([]string{}, s.prefix...), args...)
	s.log.Debug("running privileged command", "command", strings.Join(argv, " "))
	out, err := s.run(ctx, argv[0], argv[1:]...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		if output != "" {
			return output, fmt.Errorf("%s: %w: %s", args[0], err, output)
		}
		return output, fmt.Errorf("%s: %w", args[0], err)
	}
	return output, nil
}

// MountMode reports whether the filesystem holding path is mounted
// read-only or read-write.
func (s *Shell) MountMode(_ context.Context, path string) (MountMode, error) {
	entry, err := findMount(s.mountsFile, path)
	if err != nil {
		return "", err
	}
	return entry.mode(), nil
}

// Remount changes the mode of the filesystem holding path.
func (s *Shell) Remount(ctx context.Context, path string, mode MountMode) error {
	entry, err := findMount(s.mountsFile, path)
	if err != nil {
		return err
	}
	out, err := s.exec(ctx, "mount", "-o", "remount,"+string(mode), entry.MountPoint)
	s.log.Info("remounted filesystem", "mount_point", entry.MountPoint, "mode", mode, "output", out, "error", err)
	return err
}

// Copy copies src over dst.
func (s *Shell) Copy(ctx context.Context, src, dst string) (string, error) {
	return s.exec(ctx, "cp", src, dst)
}

// Chown sets the configured owner on path.
func (s *Shell) Chown(ctx context.Context, path string) (string, error) {
	return s.exec(ctx, "chown", s.owner, path)
}

// Chmod sets the configured permissions on path.
func (s *Shell) Chmod(ctx context.Context, path string) (string, error) {
	return s.exec(ctx, "chmod", s.mode, path)
}

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func (s *Shell) FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil // #nosec G115 -- block size is positive.
}

// Installed reports whether the file at path is a generated hosts document.
// A missing file is not an error.
func (s *Shell) Installed(_ context.Context, path string) (bool, error) {
	return IsGenerated(path)
}

// IsGenerated reports whether the first line of the file at path is the
// generated document header. Only the start of the file is read.
func IsGenerated(path string) (bool, error) {
	file, err := os.Open(path) // #nosec G304 -- target path comes from configuration.
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(io.LimitReader(file, headerReadLimit))
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, fmt.Errorf("read %s: %w", path, err)
		}
		return false, nil
	}
	return strings.TrimSpace(scanner.Text()) == blocklist.HeaderLine1, nil
}
