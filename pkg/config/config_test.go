package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hostsblock/pkg/blocklist"
)

func TestValidateLogLevel(t *testing.T) {
	validLevels := []string{"debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR"}
	for _, level := range validLevels {
		if err := ValidateLogLevel(level); err != nil {
			t.Errorf("ValidateLogLevel(%s) returned error: %v", level, err)
		}
	}

	invalidLevels := []string{"", "trace", "fatal", "invalid", "debugging"}
	for _, level := range invalidLevels {
		if err := ValidateLogLevel(level); err == nil {
			t.Errorf("ValidateLogLevel(%s) should return error", level)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	validAddresses := []string{
		"127.0.0.1:53",
		"0.0.0.0:5300",
		"8.8.8.8:53",
		"192.168.1.1:5353",
	}
	for _, addr := range validAddresses {
		if err := ValidateAddress(addr); err != nil {
			t.Errorf("ValidateAddress(%s) returned error: %v", addr, err)
		}
	}

	invalidAddresses := []string{
		"localhost:53",       // not IP
		"127.0.0.1",          // no port
		"256.256.256.256:53", // invalid IP
		"8.8.8.8:999999",     // invalid port
		"8.8.8.8:-1",         // negative port
		":53",                // missing IP
		"127.0.0.1:",         // missing port
	}
	for _, addr := range invalidAddresses {
		if err := ValidateAddress(addr); err == nil {
			t.Errorf("ValidateAddress(%s) should return error", addr)
		}
	}
}

func TestParseUpstream(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"8.8.8.8", "8.8.8.8:53"},
		{"8.8.8.8:5353", "8.8.8.8:5353"},
		{"1.1.1.1", "1.1.1.1:53"},
		{"9.9.9.9:53", "9.9.9.9:53"},
		{"8.8.4.4", "8.8.4.4:53"},
		{"208.67.222.222", "208.67.222.222:53"},
		{"208.67.222.222:5353", "208.67.222.222:5353"},
	}

	for _, tt := range tests {
		result := ParseUpstream(tt.input)
		if result != tt.expected {
			t.Errorf("ParseUpstream(%s) = %s, want %s", tt.input, result, tt.expected)
		}
	}
}

func TestParseUpstreamIPv6(t *testing.T) {
	if got := ParseUpstream("2001:db8::1"); got != "[2001:db8::1]:53" {
		t.Errorf("ParseUpstream(2001:db8::1) = %s", got)
	}
	if got := ParseUpstream("[::1]:5353"); got != "[::1]:5353" {
		t.Errorf("ParseUpstream([::1]:5353) = %s", got)
	}
}

func TestValidateMode(t *testing.T) {
	for _, mode := range []string{"644", "0644", "600", "4755"} {
		if err := ValidateMode(mode); err != nil {
			t.Errorf("ValidateMode(%s) returned error: %v", mode, err)
		}
	}
	for _, mode := range []string{"", "rw-r--r--", "999", "77777"} {
		if err := ValidateMode(mode); err == nil {
			t.Errorf("ValidateMode(%s) should return error", mode)
		}
	}
}

func TestValidateSourceURL(t *testing.T) {
	for _, raw := range []string{"https://adaway.org/hosts.txt", "http://example.com/hosts"} {
		if err := ValidateSourceURL(raw); err != nil {
			t.Errorf("ValidateSourceURL(%s) returned error: %v", raw, err)
		}
	}
	for _, raw := range []string{"", "ftp://example.com/hosts", "example.com/hosts", "https://"} {
		if err := ValidateSourceURL(raw); err == nil {
			t.Errorf("ValidateSourceURL(%s) should return error", raw)
		}
	}
}

func TestParseLineSeparator(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"", "\n", false},
		{"lf", "\n", false},
		{"CRLF", "\r\n", false},
		{"\r\n", "\r\n", false},
		{"cr", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLineSeparator(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLineSeparator(%q) = %q, %v", tt.input, got, err)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostsblock.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSetupDefaults(t *testing.T) {
	cfg, err := Setup(writeConfig(t, "[sources.adaway]\nenabled = true\n"))
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	if cfg.Logging.Level != "info" || cfg.Logging.File != "stdout" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Hosts.Target != "/etc/hosts" || cfg.Hosts.RedirectionIP != "127.0.0.1" || cfg.Hosts.LineSeparator != "\n" {
		t.Errorf("hosts defaults = %+v", cfg.Hosts)
	}
	if !cfg.Apply.Remount || cfg.Apply.Owner != "0:0" || cfg.Apply.Mode != "644" {
		t.Errorf("apply defaults = %+v", cfg.Apply)
	}
	if !cfg.Check.UpdateCheck || cfg.Check.ProbeTimeout != 2*time.Second || cfg.Check.Interval != 6*time.Hour {
		t.Errorf("check defaults = %+v", cfg.Check)
	}
	if got := strings.Join(cfg.Check.ProbeServers, ","); got != "1.1.1.1:53,8.8.8.8:53" {
		t.Errorf("probe servers = %s", got)
	}

	sources := cfg.SourceList()
	if len(sources) != 1 || sources[0].URL != blocklist.Catalog["adaway"].URL {
		t.Errorf("sources = %+v", sources)
	}
}

func TestSetupFull(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"

[hosts]
target = "/system/etc/hosts"
redirection_ip = "0.0.0.0"
strip_comments = true
line_separator = "crlf"

[apply]
privilege_prefix = ["sudo", "-n"]
mode = "0644"

[check]
probe_servers = ["9.9.9.9:5353"]
interval = "30m"
auto_apply = true

[sources]
custom = ["https://custom.example.com/hosts"]

[sources.yoyo]
enabled = false

[sources.private]
enabled = true
url = "https://lists.example.com/hosts"
token = "abc"
`)
	cfg, err := Setup(path)
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if cfg.Hosts.RedirectionIP != "0.0.0.0" || !cfg.Hosts.StripComments || cfg.Hosts.LineSeparator != "\r\n" {
		t.Errorf("hosts = %+v", cfg.Hosts)
	}
	if strings.Join(cfg.Apply.PrivilegePrefix, " ") != "sudo -n" {
		t.Errorf("privilege prefix = %v", cfg.Apply.PrivilegePrefix)
	}
	if cfg.Check.Interval != 30*time.Minute || !cfg.Check.AutoApply {
		t.Errorf("check = %+v", cfg.Check)
	}

	var ids []string
	for _, s := range cfg.SourceList() {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "private,yoyo,custom_1" {
		t.Errorf("source ids = %s", got)
	}
	creds := cfg.Credentials()
	if len(creds) != 1 || creds["private"].Token != "abc" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestSetupFromEnv(t *testing.T) {
	t.Setenv(configEnvVar, writeConfig(t, "[logging]\nlevel = \"warn\"\n"))
	cfg, err := Setup("")
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
}

func TestSetupRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"log level":      "[logging]\nlevel = \"trace\"\n",
		"relative":       "[hosts]\ntarget = \"hosts\"\n",
		"redirection ip": "[hosts]\nredirection_ip = \"localhost\"\n",
		"separator":      "[hosts]\nline_separator = \"cr\"\n",
		"mode":           "[apply]\nmode = \"rw\"\n",
		"probe server":   "[check]\nprobe_servers = [\"dns.example\"]\n",
		"no probes":      "[check]\nupdate_check = false\nprobe_servers = []\n",
		"parallel":       "[check]\nparallel = 0\n",
		"interval":       "[check]\ninterval = \"soon\"\n",
		"unknown list":   "[sources.mine]\nenabled = true\n",
		"bad url":        "[sources.mine]\nurl = \"ftp://x/hosts\"\n",
		"not a table":    "[sources]\nadaway = true\n",
		"custom url":     "[sources]\ncustom = [\"nope\"]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Setup(writeConfig(t, content)); err == nil {
				t.Errorf("Setup should reject %q", content)
			}
		})
	}
}

func TestSetupMissingFile(t *testing.T) {
	if _, err := Setup(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Error("expected error for missing config file")
	}
}
