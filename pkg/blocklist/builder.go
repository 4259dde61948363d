package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"hostsblock/pkg/outcome"
)

const (
	// HeaderLine1 opens every generated document and marks it as ours.
	HeaderLine1 = "# This hosts file is generated by hostsblock."
	// HeaderLine2 is the second header line.
	HeaderLine2 = "# Do not edit it: changes are overwritten on the next apply."
	// CommentHeader introduces the comments preserved from the sources.
	CommentHeader = "# Comments preserved from the source lists:"

	LocalhostIP   = "127.0.0.1"
	LocalhostName = "localhost"

	DefaultLineSeparator = "\n"

	commentMarker = "#"
)

// BuildOptions configures Build.
type BuildOptions struct {
	StripComments bool
	LineSeparator string
}

func isGeneratedLine(line string) bool {
	return line == HeaderLine1 || line == HeaderLine2 || line == CommentHeader
}

// Build writes the canonical document for m: the header, the preserved
// comments unless stripped, the localhost entry, the blocked hosts and
// then the redirected hosts.
func Build(w io.Writer, m Mapping, comments []string, opts BuildOptions) error {
	sep := opts.LineSeparator
	if sep == "" {
		sep = DefaultLineSeparator
	}

	bw := bufio.NewWriter(w)
	writeLine := func(line string) {
		_, _ = bw.WriteString(line)
		_, _ = bw.WriteString(sep)
	}

	writeLine(HeaderLine1)
	writeLine(HeaderLine2)
	if !opts.StripComments {
		writeLine(CommentHeader)
		for _, comment := range comments {
			writeLine(commentMarker + comment)
		}
	}
	writeLine(LocalhostIP + " " + LocalhostName)
	for _, host := range m.Blocked.Names() {
		writeLine(m.BlockIP + " " + host)
	}
	for _, item := range m.Redirected.Items() {
		writeLine(item.IP + " " + item.Host)
	}

	return bw.Flush()
}

// WriteDocument builds the document into path, replacing any previous
// content. Failures are reported as PRIVATE_FILE_FAIL.
func WriteDocument(path string, m Mapping, comments []string, opts BuildOptions) error {
	return writeFile(path, func(w io.Writer) error {
		return Build(w, m, comments, opts)
	})
}

// WriteLocalhostDocument writes the minimal document used to disable
// blocking: just the localhost entry.
func WriteLocalhostDocument(path string, lineSeparator string) error {
	if lineSeparator == "" {
		lineSeparator = DefaultLineSeparator
	}
	return writeFile(path, func(w io.Writer) error {
		_, err := io.WriteString(w, LocalhostIP+" "+LocalhostName+lineSeparator)
		return err
	})
}

func writeFile(path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return outcome.New(outcome.PrivateFileFail, fmt.Errorf("create staging dir: %w", err))
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) // #nosec G304 -- staging path is derived from configuration.
	if err != nil {
		return outcome.New(outcome.PrivateFileFail, fmt.Errorf("create hosts document: %w", err))
	}
	if err := fill(file); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return outcome.New(outcome.PrivateFileFail, fmt.Errorf("write hosts document: %w", err))
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return outcome.New(outcome.PrivateFileFail, fmt.Errorf("close hosts document: %w", err))
	}
	return nil
}
