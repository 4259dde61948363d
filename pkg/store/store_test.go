package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"hostsblock/pkg/blocklist"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "hostsblock.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSourcesSyncAndApply(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.SyncSources(ctx, []blocklist.Source{
		{ID: "adaway", URL: "https://adaway.org/hosts.txt", Enabled: true},
		{ID: "off", URL: "https://off.example/hosts", Enabled: false},
		{ID: "yoyo", URL: "https://pgl.yoyo.org/hosts", Enabled: true},
	})
	if err != nil {
		t.Fatalf("SyncSources returned error: %v", err)
	}

	enabled, err := s.EnabledSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 2 || enabled[0].ID != "adaway" || enabled[1].ID != "yoyo" {
		t.Fatalf("unexpected enabled sources: %+v", enabled)
	}

	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	enabled[0].RemoteModified = modified
	if err := s.MarkSourcesApplied(ctx, enabled[:1]); err != nil {
		t.Fatal(err)
	}
	enabled, _ = s.EnabledSources(ctx)
	if !enabled[0].AppliedModified.Equal(modified) || !enabled[1].AppliedModified.IsZero() {
		t.Errorf("applied times = %v, %v", enabled[0].AppliedModified, enabled[1].AppliedModified)
	}

	// A changed URL forgets the applied time; an unchanged one keeps it.
	err = s.SyncSources(ctx, []blocklist.Source{
		{ID: "adaway", URL: "https://adaway.org/hosts.txt", Enabled: true},
		{ID: "yoyo", URL: "https://pgl.yoyo.org/other", Enabled: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	all, _ := s.Sources(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 stored sources, got %d", len(all))
	}
	if !all[0].AppliedModified.Equal(modified) {
		t.Error("unchanged source lost its applied time")
	}
	if all[2].Enabled || all[2].URL != "https://pgl.yoyo.org/other" {
		t.Errorf("yoyo not updated: %+v", all[2])
	}

	if err := s.SetSourceEnabled(ctx, "off", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSourceEnabled(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOverrideLists(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, host := range []string{"Keep.Example.com", "other.example.com"} {
		if err := s.AddHost(ctx, Whitelist, host); err != nil {
			t.Fatalf("AddHost(%s) returned error: %v", host, err)
		}
	}
	if err := s.AddHost(ctx, Blacklist, "extra.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddHost(ctx, Blacklist, "not a host"); err == nil {
		t.Error("expected invalid host to be rejected")
	}
	if err := s.AddHost(ctx, Redirection, "x.example.com"); err == nil {
		t.Error("expected AddHost to refuse the redirection list")
	}
	if err := s.SetHostEnabled(ctx, Whitelist, "other.example.com", false); err != nil {
		t.Fatal(err)
	}

	wl, err := s.Whitelist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := wl.Names(); !reflect.DeepEqual(got, []string{"keep.example.com"}) {
		t.Errorf("whitelist = %v", got)
	}
	bl, _ := s.Blacklist(ctx)
	if !bl.Contains("extra.example.com") {
		t.Error("blacklist missing extra.example.com")
	}

	entries, _ := s.Entries(ctx, Whitelist)
	if len(entries) != 2 || entries[1].Enabled {
		t.Errorf("entries = %+v", entries)
	}

	if err := s.RemoveHost(ctx, Whitelist, "keep.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveHost(ctx, Whitelist, "keep.example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestRedirectionsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	steps := []struct{ host, ip string }{
		{"ads.example.com", "0.0.0.0"},
		{"tv.example.com", "192.168.1.10"},
		{"ads.example.com", "10.0.0.1"},
	}
	for _, st := range steps {
		if err := s.AddRedirection(ctx, st.host, st.ip); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddRedirection(ctx, "bad.example.com", "not-an-ip"); err == nil {
		t.Error("expected invalid IP to be rejected")
	}

	r, err := s.Redirections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []blocklist.Redirection{
		{Host: "ads.example.com", IP: "10.0.0.1"},
		{Host: "tv.example.com", IP: "192.168.1.10"},
	}
	if got := r.Items(); !reflect.DeepEqual(got, want) {
		t.Errorf("redirections = %v, want %v", got, want)
	}
}

func TestLastApplied(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	got, err := s.LastApplied(ctx)
	if err != nil || !got.IsZero() {
		t.Fatalf("LastApplied() = %v, %v, want zero time", got, err)
	}
	when := time.Date(2024, 7, 4, 8, 30, 0, 0, time.UTC)
	if err := s.SetLastApplied(ctx, when); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLastApplied(ctx, when.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LastApplied(ctx)
	if !got.Equal(when.Add(time.Hour)) {
		t.Errorf("LastApplied() = %v", got)
	}
}

func TestOverridesFeedMerge(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_ = s.AddHost(ctx, Whitelist, "track.example.com")
	_ = s.AddHost(ctx, Blacklist, "extra.example.com")
	_ = s.AddRedirection(ctx, "ads.example.com", "0.0.0.0")

	ov, err := s.Overrides(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m := blocklist.Merge(blocklist.NewHostSet("ads.example.com", "track.example.com"), ov, "127.0.0.1")
	if got := m.Blocked.Names(); !reflect.DeepEqual(got, []string{"extra.example.com"}) {
		t.Errorf("blocked = %v", got)
	}
	if ip, ok := m.Lookup("ads.example.com"); !ok || ip != "0.0.0.0" {
		t.Errorf("ads.example.com -> %q, %v", ip, ok)
	}
}

func TestImportExport(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	input := `
sources:
  - id: adaway
    url: https://adaway.org/hosts.txt
  - id: mine
    url: https://lists.example.com/hosts
    disabled: true
whitelist:
  - host: track.example.com
blacklist:
  - host: extra.example.com
  - host: old.example.com
    disabled: true
redirections:
  - host: ads.example.com
    ip: 0.0.0.0
`
	stats, err := s.Import(ctx, strings.NewReader(input))
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	if stats != (ImportStats{Sources: 2, Whitelist: 1, Blacklist: 2, Redirections: 1}) {
		t.Errorf("stats = %+v", stats)
	}

	var out bytes.Buffer
	if err := s.Export(ctx, &out); err != nil {
		t.Fatalf("Export returned error: %v", err)
	}

	other := openTestStore(t)
	if _, err := other.Import(ctx, &out); err != nil {
		t.Fatalf("re-import returned error: %v", err)
	}
	for _, list := range []List{Whitelist, Blacklist, Redirection} {
		a, _ := s.Entries(ctx, list)
		b, _ := other.Entries(ctx, list)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("%s differs after export/import: %+v vs %+v", list, a, b)
		}
	}
	srcA, _ := s.Sources(ctx)
	srcB, _ := other.Sources(ctx)
	if !reflect.DeepEqual(srcA, srcB) {
		t.Errorf("sources differ after export/import: %+v vs %+v", srcA, srcB)
	}
}

func TestImportRejectsBadEntries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	tests := []string{
		"whitelist:\n  - host: \"bad host\"\n",
		"redirections:\n  - host: a.example.com\n    ip: nope\n",
		"sources:\n  - id: x\n",
		"blacklist:\n  - host: localhost\n",
		"redirections:\n  - host: localhost\n    ip: 0.0.0.0\n",
		"unknown: true\n",
	}
	for _, input := range tests {
		if _, err := s.Import(ctx, strings.NewReader(input)); err == nil {
			t.Errorf("expected error importing %q", input)
		}
	}
	entries, _ := s.Entries(ctx, Whitelist)
	if len(entries) != 0 {
		t.Errorf("failed import must not leave entries: %+v", entries)
	}
}

func TestLoopbackNamesRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, list := range []List{Whitelist, Blacklist} {
		if err := s.AddHost(ctx, list, "localhost"); err == nil {
			t.Errorf("AddHost(%s, localhost) succeeded", list)
		}
	}
	if err := s.AddHost(ctx, Blacklist, "LOCALHOST."); err == nil {
		t.Error("AddHost accepted a non-canonical localhost")
	}
	if err := s.AddRedirection(ctx, "localhost", "0.0.0.0"); err == nil {
		t.Error("AddRedirection(localhost) succeeded")
	}

	ov, err := s.Overrides(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ov.Blacklist.Len() != 0 || ov.Redirections.Len() != 0 {
		t.Errorf("loopback entries were stored: %v %+v", ov.Blacklist.Names(), ov.Redirections.Items())
	}
}

func TestParseList(t *testing.T) {
	if l, err := ParseList(" Blacklist "); err != nil || l != Blacklist {
		t.Errorf("ParseList() = %q, %v", l, err)
	}
	if _, err := ParseList("greylist"); err == nil {
		t.Error("expected error for unknown list")
	}
}
