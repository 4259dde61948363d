package blocklist

import (
	"bytes"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseHostsAndComments(t *testing.T) {
	input := strings.Join([]string{
		"\ufeff# Title: test list",
		"#",
		"127.0.0.1 localhost",
		"::1 ip6-localhost",
		"127.0.0.1 Bad.Example.com",
		"0.0.0.0 also.bad.example.com # trailing comment",
		"  10.1.1.1\ttabbed.example.org  ",
		"0.0.0.0 bad.example.com",
		"",
	}, "\n")

	result, err := Parse(strings.NewReader(input), ParseOptions{ListID: "test", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	wantHosts := []string{"bad.example.com", "also.bad.example.com", "tabbed.example.org"}
	if got := result.Hosts.Names(); !reflect.DeepEqual(got, wantHosts) {
		t.Errorf("hosts = %v, want %v", got, wantHosts)
	}
	wantComments := []string{" Title: test list", ""}
	if !reflect.DeepEqual(result.Comments, wantComments) {
		t.Errorf("comments = %q, want %q", result.Comments, wantComments)
	}
	if result.Stats.Invalid != 0 {
		t.Errorf("expected no invalid lines, got %d", result.Stats.Invalid)
	}
}

func TestParseStripComments(t *testing.T) {
	input := "# one\n127.0.0.1 ads.example.com\n# two\n"
	result, err := Parse(strings.NewReader(input), ParseOptions{StripComments: true, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(result.Comments) != 0 {
		t.Errorf("expected comments to be stripped, got %q", result.Comments)
	}
	if result.Stats.Comments != 2 {
		t.Errorf("expected 2 comment lines counted, got %d", result.Stats.Comments)
	}
	if !result.Hosts.Contains("ads.example.com") {
		t.Error("expected ads.example.com")
	}
}

func TestParseSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		"good.example.com",
		"127.0.0.1 a.example.com b.example.com",
		"300.1.1.1 bad-ip.example.com",
		"127.0.0.1 http://bad.example.com",
		"127.0.0.1 1.2.3.4",
		"127.0.0.1 bad..example.com",
		"127.0.0.1 ok.example.com",
	}, "\n")

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	result, err := Parse(strings.NewReader(input), ParseOptions{ListID: "test", Logger: logger, ErrorLimit: 2})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if got := result.Hosts.Names(); !reflect.DeepEqual(got, []string{"ok.example.com"}) {
		t.Errorf("hosts = %v", got)
	}
	if result.Stats.Invalid != 6 {
		t.Errorf("expected 6 invalid lines, got %d", result.Stats.Invalid)
	}
	logText := logBuf.String()
	if got := strings.Count(logText, "invalid hosts entry"); got != 2 {
		t.Fatalf("expected 2 invalid entry logs, got %d", got)
	}
	if !strings.Contains(logText, "hosts parsing errors suppressed") {
		t.Error("expected summary log for suppressed errors")
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"Ads.Example.COM.", "ads.example.com", false},
		{"bücher.example", "xn--bcher-kva.example", false},
		{"_dmarc.example.com", "_dmarc.example.com", false},
		{"", "", true},
		{"10.0.0.1", "", true},
		{"example.com/path", "", true},
		{"bad..example.com", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeHost(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeHost(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
