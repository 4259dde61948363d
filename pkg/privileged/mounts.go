package privileged

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type mountEntry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    []string
}

func (e mountEntry) mode() MountMode {
	for _, opt := range e.Options {
		if opt == string(ReadOnly) {
			return ReadOnly
		}
	}
	return ReadWrite
}

// findMount returns the mounts-file entry with the longest mount point
// containing path. Later entries shadow earlier ones on the same point.
func findMount(mountsFile, path string) (mountEntry, error) {
	entries, err := readMounts(mountsFile)
	if err != nil {
		return mountEntry{}, err
	}

	target := resolvePath(path)
	var best mountEntry
	found := false
	for _, e := range entries {
		if !within(target, e.MountPoint) {
			continue
		}
		if !found || len(e.MountPoint) >= len(best.MountPoint) {
			best = e
			found = true
		}
	}
	if !found {
		return mountEntry{}, fmt.Errorf("no mount point found for %s", path)
	}
	return best, nil
}

func readMounts(mountsFile string) ([]mountEntry, error) {
	file, err := os.Open(mountsFile) // #nosec G304 -- mounts file comes from configuration.
	if err != nil {
		return nil, fmt.Errorf("open mounts: %w", err)
	}
	defer file.Close()

	var entries []mountEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, mountEntry{
			Device:     fields[0],
			MountPoint: unescapeMount(fields[1]),
			FSType:     fields[2],
			Options:    strings.Split(fields[3], ","),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mounts: %w", err)
	}
	return entries, nil
}

// resolvePath follows symlinks of the longest existing parent so that e.g.
// /etc/hosts on Android resolves into /system.
func resolvePath(path string) string {
	clean := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		return resolved
	}
	dir, base := filepath.Split(clean)
	if dir == "" || dir == clean {
		return clean
	}
	return filepath.Join(resolvePath(filepath.Clean(dir)), base)
}

func within(path, mountPoint string) bool {
	if mountPoint == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

// unescapeMount decodes the octal escapes (\040 for space) used in
// /proc/mounts.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
