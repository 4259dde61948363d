package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

const maxLineLength = 1024 * 1024

// ParseOptions configures Parse.
type ParseOptions struct {
	ListID        string
	Logger        *slog.Logger
	ErrorLimit    int
	StripComments bool
}

// ParseResult holds the host names and comments collected from a list.
type ParseResult struct {
	Hosts    *HostSet
	Comments []string
	Stats    ParseStats
}

type errorLimiter struct {
	limit int
	count int
}

var loopbackNames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"local":                 {},
	"broadcasthost":         {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
	"ip6-localnet":          {},
	"ip6-mcastprefix":       {},
	"ip6-allnodes":          {},
	"ip6-allrouters":        {},
	"ip6-allhosts":          {},
}

// IsLoopbackName reports whether host is one of the local names a hosts
// file maps on its own. They are never blocked or redirected.
func IsLoopbackName(host string) bool {
	_, ok := loopbackNames[host]
	return ok
}

// ParseFile parses the hosts list stored at path.
func ParseFile(path string, opts ParseOptions) (*ParseResult, error) {
	file, err := os.Open(path) // #nosec G304 -- staging path is derived from configuration.
	if err != nil {
		return nil, fmt.Errorf("open staged list: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			loggerOrDefault(opts.Logger).Warn("failed to close staged list", "path", path, "error", err)
		}
	}()
	return Parse(file, opts)
}

// Parse reads hosts-format text. Lines of the form "<ip> <host>" contribute
// the host, "#" lines contribute a comment and anything else is skipped.
// Only read errors are returned.
func Parse(r io.Reader, opts ParseOptions) (*ParseResult, error) {
	logger := loggerOrDefault(opts.Logger)

	result := &ParseResult{Hosts: NewHostSet(), Comments: []string{}}
	limiter := errorLimiter{limit: opts.ErrorLimit}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		result.Stats.TotalLines++
		line := strings.TrimSpace(stripBOM(scanner.Text()))
		if line == "" || isGeneratedLine(line) {
			continue
		}
		if strings.HasPrefix(line, commentMarker) {
			result.Stats.Comments++
			if !opts.StripComments {
				result.Comments = append(result.Comments, strings.TrimPrefix(line, commentMarker))
			}
			continue
		}

		host, err := parseEntry(line)
		if err != nil {
			result.Stats.Invalid++
			limiter.log(logger, opts.ListID, lineNum, line, err)
			continue
		}
		if host == "" {
			continue
		}
		if result.Hosts.Add(host) {
			result.Stats.Hosts++
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan list: %w", err)
	}

	limiter.summary(logger, opts.ListID, result.Stats.Invalid)
	logger.Info("parsed hosts list", "list", opts.ListID, "hosts", result.Stats.Hosts,
		"comments", len(result.Comments), "invalid", result.Stats.Invalid)
	return result, nil
}

// parseEntry returns the host of an "<ip> <host>" line. Loopback names
// yield an empty host and no error.
func parseEntry(line string) (string, error) {
	if idx := strings.Index(line, commentMarker); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", fmt.Errorf("expected 2 fields, got %d", len(fields))
	}
	if ip := net.ParseIP(fields[0]); ip == nil {
		return "", fmt.Errorf("invalid address")
	}
	host, err := NormalizeHost(fields[1])
	if err != nil {
		return "", err
	}
	if IsLoopbackName(host) {
		return "", nil
	}
	return host, nil
}

// NormalizeHost validates a host name and returns its canonical form:
// lower case, no trailing dot, internationalized names in punycode.
func NormalizeHost(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("empty host")
	}
	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "/") || strings.ContainsAny(trimmed, ": \t") {
		return "", fmt.Errorf("invalid hostname")
	}
	if ip := net.ParseIP(trimmed); ip != nil {
		return "", fmt.Errorf("ip literals are not hosts")
	}
	lower := strings.ToLower(strings.TrimSuffix(trimmed, "."))
	if lower == "" {
		return "", fmt.Errorf("empty host")
	}
	if !isASCII(lower) {
		ascii, err := idna.Lookup.ToASCII(lower)
		if err != nil {
			return "", fmt.Errorf("invalid internationalized host: %w", err)
		}
		lower = ascii
	}
	if _, ok := dns.IsDomainName(lower); !ok {
		return "", fmt.Errorf("invalid hostname")
	}
	return lower, nil
}

func (l *errorLimiter) log(logger *slog.Logger, listID string, lineNum int, entry string, err error) {
	if l.limit == 0 {
		return
	}
	if l.limit > 0 && l.count >= l.limit {
		l.count++
		return
	}
	l.count++
	logger.Debug("invalid hosts entry", "list", listID, "line", lineNum, "entry", entry, "error", err)
}

func (l *errorLimiter) summary(logger *slog.Logger, listID string, invalid int) {
	if l.limit <= 0 {
		return
	}
	if invalid > l.limit {
		logger.Debug("hosts parsing errors suppressed", "list", listID, "errors", invalid, "logged", l.limit)
	}
}

func stripBOM(line string) string {
	return strings.TrimPrefix(line, "\ufeff")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func loggerOrDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
