package blocklist

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func buildString(t *testing.T, m Mapping, comments []string, opts BuildOptions) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Build(&buf, m, comments, opts); err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return buf.String()
}

func documentLines(doc string) []string {
	return strings.Split(strings.TrimSuffix(doc, "\n"), "\n")
}

func entryLines(doc string) []string {
	var entries []string
	for _, line := range documentLines(doc) {
		if !strings.HasPrefix(line, "#") {
			entries = append(entries, line)
		}
	}
	return entries
}

func TestMergeScenarios(t *testing.T) {
	fetched := func() *HostSet { return NewHostSet("ads.example.com", "track.example.com") }

	tests := []struct {
		name string
		ov   Overrides
		want []string
	}{
		{
			name: "no overrides",
			want: []string{
				"127.0.0.1 localhost",
				"127.0.0.1 ads.example.com",
				"127.0.0.1 track.example.com",
			},
		},
		{
			name: "whitelist",
			ov:   Overrides{Whitelist: NewHostSet("track.example.com")},
			want: []string{
				"127.0.0.1 localhost",
				"127.0.0.1 ads.example.com",
			},
		},
		{
			name: "blacklist",
			ov:   Overrides{Blacklist: NewHostSet("extra.example.com")},
			want: []string{
				"127.0.0.1 localhost",
				"127.0.0.1 ads.example.com",
				"127.0.0.1 track.example.com",
				"127.0.0.1 extra.example.com",
			},
		},
		{
			name: "redirection",
			ov:   Overrides{Redirections: NewRedirections(Redirection{Host: "ads.example.com", IP: "0.0.0.0"})},
			want: []string{
				"127.0.0.1 localhost",
				"127.0.0.1 track.example.com",
				"0.0.0.0 ads.example.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Merge(fetched(), tt.ov, "127.0.0.1")
			doc := buildString(t, m, nil, BuildOptions{StripComments: true})
			if got := entryLines(doc); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("entries = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeOverridePrecedence(t *testing.T) {
	hosts := NewHostSet("a.example.com", "b.example.com", "c.example.com", "r.example.com")
	ov := Overrides{
		Whitelist: NewHostSet("a.example.com", "b.example.com", "r.example.com"),
		Blacklist: NewHostSet("b.example.com", "r.example.com", "new.example.com"),
		Redirections: NewRedirections(
			Redirection{Host: "r.example.com", IP: "10.0.0.1"},
			Redirection{Host: "x.example.com", IP: "10.0.0.2"},
		),
	}
	m := Merge(hosts, ov, "0.0.0.0")

	for _, host := range ov.Blacklist.Names() {
		if _, redirected := ov.Redirections.Get(host); redirected {
			continue
		}
		if ip, ok := m.Lookup(host); !ok || ip != "0.0.0.0" {
			t.Errorf("blacklisted %s: got %q, %v", host, ip, ok)
		}
	}
	if m.Blocked.Contains("a.example.com") {
		t.Error("whitelisted a.example.com must not be blocked")
	}
	for _, item := range ov.Redirections.Items() {
		if m.Blocked.Contains(item.Host) {
			t.Errorf("redirected %s must not carry the block address", item.Host)
		}
		if ip, ok := m.Lookup(item.Host); !ok || ip != item.IP {
			t.Errorf("redirected %s: got %q, want %q", item.Host, ip, item.IP)
		}
	}
	if hosts.Len() != 4 || !hosts.Contains("a.example.com") {
		t.Error("Merge must not modify its input")
	}

	doc := buildString(t, m, nil, BuildOptions{StripComments: true})
	if got := strings.Count(doc, " r.example.com\n"); got != 1 {
		t.Errorf("expected r.example.com exactly once, got %d", got)
	}
}

func TestMergeEmpty(t *testing.T) {
	m := Merge(nil, Overrides{}, "127.0.0.1")
	if m.Len() != 0 {
		t.Fatalf("expected empty mapping, got %d", m.Len())
	}
	doc := buildString(t, m, nil, BuildOptions{StripComments: true})
	if got := entryLines(doc); !reflect.DeepEqual(got, []string{"127.0.0.1 localhost"}) {
		t.Errorf("entries = %q", got)
	}
}

func TestMergeKeepsLocalhostSynthetic(t *testing.T) {
	tests := []struct {
		name string
		ov   Overrides
	}{
		{"whitelist", Overrides{Whitelist: NewHostSet("localhost")}},
		{"blacklist", Overrides{Blacklist: NewHostSet("localhost", "broadcasthost")}},
		{"redirection", Overrides{Redirections: NewRedirections(Redirection{Host: "localhost", IP: "0.0.0.0"})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Merge(NewHostSet("ads.example.com"), tt.ov, "127.0.0.1")
			if _, ok := m.Lookup("localhost"); ok {
				t.Error("localhost must not be part of the merged mapping")
			}
			doc := buildString(t, m, nil, BuildOptions{StripComments: true})
			want := []string{"127.0.0.1 localhost", "127.0.0.1 ads.example.com"}
			if got := entryLines(doc); !reflect.DeepEqual(got, want) {
				t.Errorf("entries = %q, want %q", got, want)
			}
		})
	}
}

func TestMergeLeavesRedirectionsUntouched(t *testing.T) {
	ov := Overrides{Redirections: NewRedirections(
		Redirection{Host: "localhost", IP: "0.0.0.0"},
		Redirection{Host: "nas.example.com", IP: "10.0.0.5"},
	)}
	m := Merge(NewHostSet(), ov, "127.0.0.1")
	m.Redirected.Set("other.example.com", "10.0.0.6")

	if ov.Redirections.Len() != 2 {
		t.Errorf("input redirections changed: %+v", ov.Redirections.Items())
	}
	if m.Redirected.Len() != 2 {
		t.Errorf("redirected = %+v", m.Redirected.Items())
	}
}

func TestBuildLayout(t *testing.T) {
	m := Merge(NewHostSet("ads.example.com"), Overrides{
		Redirections: NewRedirections(Redirection{Host: "home.example.com", IP: "192.168.1.10"}),
	}, "0.0.0.0")
	doc := buildString(t, m, []string{" from list one", ""}, BuildOptions{LineSeparator: "\r\n"})

	want := HeaderLine1 + "\r\n" +
		HeaderLine2 + "\r\n" +
		CommentHeader + "\r\n" +
		"# from list one\r\n" +
		"#\r\n" +
		"127.0.0.1 localhost\r\n" +
		"0.0.0.0 ads.example.com\r\n" +
		"192.168.1.10 home.example.com\r\n"
	if doc != want {
		t.Errorf("document mismatch:\n%q\nwant\n%q", doc, want)
	}
}

func TestBuildIdempotent(t *testing.T) {
	build := func() string {
		hosts := NewHostSet("z.example.com", "a.example.com", "m.example.com")
		ov := Overrides{
			Whitelist:    NewHostSet("m.example.com"),
			Blacklist:    NewHostSet("q.example.com"),
			Redirections: NewRedirections(Redirection{Host: "r.example.com", IP: "10.0.0.1"}),
		}
		return buildString(t, Merge(hosts, ov, "127.0.0.1"), []string{" c1", " c2"}, BuildOptions{})
	}
	first := build()
	for i := 0; i < 5; i++ {
		if got := build(); got != first {
			t.Fatalf("build %d differs from first build", i)
		}
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	hosts := NewHostSet("ads.example.com", "track.example.com", "pixel.example.net")
	comments := []string{" Title: list", "", "  indented", " 127.0.0.1 commented.example.com"}
	m := Merge(hosts, Overrides{
		Redirections: NewRedirections(Redirection{Host: "redirect.example.com", IP: "10.0.0.1"}),
	}, "127.0.0.1")

	doc := buildString(t, m, comments, BuildOptions{})
	parsed, err := Parse(strings.NewReader(doc), ParseOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !reflect.DeepEqual(parsed.Comments, comments) {
		t.Errorf("comments = %q, want %q", parsed.Comments, comments)
	}

	wantHosts := append(m.Blocked.Names(), "redirect.example.com")
	if got := parsed.Hosts.Names(); !reflect.DeepEqual(got, wantHosts) {
		t.Errorf("hosts = %v, want %v", got, wantHosts)
	}
	for _, host := range m.Blocked.Names() {
		if !parsed.Hosts.Contains(host) {
			t.Errorf("expected %s after round trip", host)
		}
	}
}

func TestWriteDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging", "hosts")

	m := Merge(NewHostSet("ads.example.com"), Overrides{}, "127.0.0.1")
	if err := WriteDocument(path, m, nil, BuildOptions{StripComments: true}); err != nil {
		t.Fatalf("WriteDocument returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), HeaderLine1+"\n") || !strings.HasSuffix(string(data), "127.0.0.1 ads.example.com\n") {
		t.Errorf("unexpected document %q", data)
	}

	if err := WriteLocalhostDocument(path, ""); err != nil {
		t.Fatalf("WriteLocalhostDocument returned error: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "127.0.0.1 localhost\n" {
		t.Errorf("unexpected revert document %q", data)
	}
}
