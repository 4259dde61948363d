package blocklist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hostsblock/pkg/outcome"
)

const (
	defaultHTTPTimeout = 20 * time.Second
	defaultUserAgent   = "hostsblock"
	chunkSize          = 32 * 1024

	// IndeterminateProgress is reported while reading a source that did
	// not declare its length.
	IndeterminateProgress = 50
)

// Connectivity reports whether the network is usable at all.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Progress describes the state of the source currently being downloaded.
type Progress struct {
	URL           string
	Index         int
	Total         int
	Percent       int
	Indeterminate bool
	Bytes         int64
}

// ProgressFunc receives download progress. It is called from the fetching
// goroutine and must not block.
type ProgressFunc func(Progress)

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Client        *http.Client
	Timeout       time.Duration
	UserAgent     string
	LineSeparator string
	Connectivity  Connectivity
	Progress      ProgressFunc
	Log           *slog.Logger
}

// Fetcher downloads sources into a single staging file.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	separator    string
	connectivity Connectivity
	progress     ProgressFunc
	log          *slog.Logger
}

// FetchResult describes a completed fetch.
type FetchResult struct {
	Path string
	// Sources are the fetched sources with RemoteModified filled in.
	Sources      []Source
	LastModified time.Time
	Bytes        int64
}

// NewFetcher constructs a Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	separator := opts.LineSeparator
	if separator == "" {
		separator = DefaultLineSeparator
	}
	return &Fetcher{
		client:       client,
		userAgent:    userAgent,
		separator:    separator,
		connectivity: opts.Connectivity,
		progress:     opts.Progress,
		log:          loggerOrDefault(opts.Log),
	}
}

// Fetch downloads every enabled source, in order, into stagingPath. The
// first failing source aborts the fetch. On any failure, including
// cancellation, the staging file is removed.
func (f *Fetcher) Fetch(ctx context.Context, sources []Source, stagingPath string) (*FetchResult, error) {
	if f.connectivity != nil && !f.connectivity.Online(ctx) {
		return nil, outcome.New(outcome.NoConnection, errors.New("network unavailable"))
	}

	if err := os.MkdirAll(filepath.Dir(stagingPath), 0o750); err != nil {
		return nil, outcome.New(outcome.PrivateFileFail, fmt.Errorf("create staging dir: %w", err))
	}
	out, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- staging path is derived from configuration.
	if err != nil {
		return nil, outcome.New(outcome.PrivateFileFail, fmt.Errorf("create staging file: %w", err))
	}

	result, err := f.fetchAll(ctx, sources, out)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = outcome.New(outcome.PrivateFileFail, fmt.Errorf("close staging file: %w", closeErr))
	}
	if err != nil {
		if rmErr := os.Remove(stagingPath); rmErr != nil && !os.IsNotExist(rmErr) {
			f.log.Warn("failed to discard staging file", "path", stagingPath, "error", rmErr)
		}
		return nil, err
	}

	result.Path = stagingPath
	return result, nil
}

func (f *Fetcher) fetchAll(ctx context.Context, sources []Source, out io.Writer) (*FetchResult, error) {
	result := &FetchResult{}
	enabled := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	for i, source := range enabled {
		if err := ctx.Err(); err != nil {
			return nil, outcome.New(outcome.Cancelled, err)
		}

		f.log.Info("downloading hosts source", "url", source.URL)
		n, modified, err := f.fetchOne(ctx, source, i, len(enabled), out)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(out, f.separator); err != nil {
			return nil, outcome.New(outcome.PrivateFileFail, fmt.Errorf("write staging file: %w", err))
		}

		source.RemoteModified = modified
		if modified.After(result.LastModified) {
			result.LastModified = modified
		}
		result.Bytes += n
		result.Sources = append(result.Sources, source)
		f.log.Debug("downloaded hosts source", "url", source.URL, "bytes", n, "last_modified", modified)
	}

	return result, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, source Source, index, total int, out io.Writer) (int64, time.Time, error) {
	resp, err := f.do(ctx, http.MethodGet, source)
	if err != nil {
		return 0, time.Time{}, sourceError(ctx, source.URL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.log.Warn("failed to close hosts response body", "url", source.URL, "error", err)
		}
	}()

	length := resp.ContentLength
	state := Progress{URL: source.URL, Index: index, Total: total, Indeterminate: length < 0}
	f.report(state)

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return state.Bytes, time.Time{}, outcome.New(outcome.Cancelled, err)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return state.Bytes, time.Time{}, outcome.New(outcome.PrivateFileFail, fmt.Errorf("write staging file: %w", err))
			}
			state.Bytes += int64(n)
			if length > 0 {
				state.Percent = int(state.Bytes * 100 / length)
			} else {
				state.Percent = IndeterminateProgress
			}
			f.report(state)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return state.Bytes, time.Time{}, sourceError(ctx, source.URL, fmt.Errorf("read body: %w", readErr))
		}
	}

	return state.Bytes, lastModified(resp), nil
}

// Probe checks that source is reachable and returns its Last-Modified time
// without downloading the body. Servers that refuse HEAD are asked with GET
// and the body is discarded unread.
func (f *Fetcher) Probe(ctx context.Context, source Source) (time.Time, error) {
	resp, err := f.do(ctx, http.MethodHead, source)
	if err != nil {
		var status *statusError
		if !errors.As(err, &status) || status.code != http.StatusMethodNotAllowed {
			return time.Time{}, sourceError(ctx, source.URL, err)
		}
		resp, err = f.do(ctx, http.MethodGet, source)
		if err != nil {
			return time.Time{}, sourceError(ctx, source.URL, err)
		}
	}
	if err := resp.Body.Close(); err != nil {
		f.log.Debug("failed to close probe response body", "url", source.URL, "error", err)
	}
	return lastModified(resp), nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (f *Fetcher) do(ctx context.Context, method string, source Source) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, source.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	applyAuth(req, source.Auth)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_ = resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode}
	}
	return resp, nil
}

func (f *Fetcher) report(p Progress) {
	if f.progress != nil {
		f.progress(p)
	}
}

func sourceError(ctx context.Context, url string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome.ForURL(outcome.Cancelled, url, ctxErr)
	}
	return outcome.ForURL(outcome.DownloadFail, url, err)
}

func lastModified(resp *http.Response) time.Time {
	raw := resp.Header.Get("Last-Modified")
	if raw == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func applyAuth(req *http.Request, auth AuthConfig) {
	if auth.Username != "" || auth.Password != "" {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	if auth.Token != "" {
		header := auth.Header
		if header == "" {
			header = "Authorization"
		}
		scheme := auth.Scheme
		if scheme == "" {
			scheme = "Bearer"
		}
		req.Header.Set(header, strings.TrimSpace(scheme+" "+auth.Token))
	}
}
