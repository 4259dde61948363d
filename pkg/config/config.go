// Package config loads configuration for hostsblock.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"hostsblock/pkg/blocklist"
)

const (
	defaultConfigPath = "/etc/hostsblock/hostsblock.conf"
	configEnvVar      = "HOSTSBLOCK_CONFIG"
)

// Config contains all runtime options.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Hosts   HostsConfig   `mapstructure:"hosts"`
	Apply   ApplyConfig   `mapstructure:"apply"`
	Check   CheckConfig   `mapstructure:"check"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Sources SourcesConfig `mapstructure:"sources"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level           string `mapstructure:"level"`
	File            string `mapstructure:"file"`
	ParseErrorLimit int    `mapstructure:"parse_error_limit"`
}

// HostsConfig describes the generated document and where it goes.
type HostsConfig struct {
	Target        string `mapstructure:"target"`
	RedirectionIP string `mapstructure:"redirection_ip"`
	StripComments bool   `mapstructure:"strip_comments"`
	StagingDir    string `mapstructure:"staging_dir"`
	LineSeparator string `mapstructure:"line_separator"`
}

// ApplyConfig holds the privileged install settings.
type ApplyConfig struct {
	Remount         bool     `mapstructure:"remount"`
	PrivilegePrefix []string `mapstructure:"privilege_prefix"`
	Owner           string   `mapstructure:"owner"`
	Mode            string   `mapstructure:"mode"`
	MountsFile      string   `mapstructure:"mounts_file"`
}

// CheckConfig holds status and download settings.
type CheckConfig struct {
	UpdateCheck  bool          `mapstructure:"update_check"`
	ProbeServers []string      `mapstructure:"probe_servers"`
	ProbeName    string        `mapstructure:"probe_name"`
	ProbeTimeout time.Duration `mapstructure:"-"`
	HTTPTimeout  time.Duration `mapstructure:"-"`
	UserAgent    string        `mapstructure:"user_agent"`
	Parallel     int           `mapstructure:"parallel"`
	Interval     time.Duration `mapstructure:"-"`
	AutoApply    bool          `mapstructure:"auto_apply"`
}

// StoreConfig locates the override database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the metrics export settings.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// SourcesConfig holds the remote lists. Every table under [sources] other
// than "custom" configures one list, either from the built-in catalog or
// with its own url.
type SourcesConfig struct {
	Custom []string                        `mapstructure:"custom"`
	Lists  map[string]blocklist.ListConfig `mapstructure:"-"`
}

// ValidateLogLevel ensures the user-provided log level matches the supported set.
func ValidateLogLevel(level string) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
	}
	return nil
}

// ValidateAddress confirms that an address string has a valid host and UDP port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if port == "" {
		return errors.New("invalid port")
	}
	if err != nil {
		return fmt.Errorf("invalid address format %s: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("invalid IP address: %s", host)
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return fmt.Errorf("invalid port: %s", port)
	}
	return nil
}

// ParseUpstream adds the default DNS port when a server is given without one.
func ParseUpstream(upstream string) string {
	if strings.HasPrefix(upstream, "[") || strings.Count(upstream, ":") == 1 {
		return upstream
	}
	return net.JoinHostPort(upstream, "53")
}

// ValidateIP checks a redirection address.
func ValidateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address: %s", ip)
	}
	return nil
}

// ValidateMode checks an octal permission string such as "644".
func ValidateMode(mode string) error {
	v, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || v > 0o7777 {
		return fmt.Errorf("invalid file mode: %s", mode)
	}
	return nil
}

// ValidateSourceURL accepts absolute http and https URLs.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %s: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %s: must be http or https", raw)
	}
	return nil
}

// ParseLineSeparator maps the configured separator name to its bytes.
func ParseLineSeparator(raw string) (string, error) {
	switch strings.ToLower(raw) {
	case "", "lf", "\n":
		return "\n", nil
	case "crlf", "\r\n":
		return "\r\n", nil
	default:
		return "", fmt.Errorf("invalid line separator %q (must be lf or crlf)", raw)
	}
}

// Setup loads the TOML configuration file and produces a Config instance.
// An empty path falls back to $HOSTSBLOCK_CONFIG and then to the default
// location.
func Setup(path string) (*Config, error) {
	cfg, err := loadConfig(resolvePath(path))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// SourceList returns the configured sources in fetch order.
func (c *Config) SourceList() []blocklist.Source {
	return blocklist.BuildSources(blocklist.Catalog, c.Sources.Lists, c.Sources.Custom)
}

// Credentials returns the configured source authentication by source id.
func (c *Config) Credentials() map[string]blocklist.AuthConfig {
	creds := make(map[string]blocklist.AuthConfig)
	for _, s := range c.SourceList() {
		if s.Auth != (blocklist.AuthConfig{}) {
			creds[s.ID] = s.Auth
		}
	}
	return creds
}

func resolvePath(path string) string {
	if path = strings.TrimSpace(path); path != "" {
		return path
	}
	if fromEnv := strings.TrimSpace(os.Getenv(configEnvVar)); fromEnv != "" {
		return fromEnv
	}
	return defaultConfigPath
}

func loadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	listConfigs, err := parseListConfigs(v)
	if err != nil {
		return nil, err
	}
	cfg.Sources.Lists = listConfigs

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"check.probe_timeout", &cfg.Check.ProbeTimeout},
		{"check.http_timeout", &cfg.Check.HTTPTimeout},
		{"check.interval", &cfg.Check.Interval},
	}
	for _, d := range durations {
		*d.dst, err = parseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "stdout")
	v.SetDefault("logging.parse_error_limit", 20)
	v.SetDefault("hosts.target", "/etc/hosts")
	v.SetDefault("hosts.redirection_ip", blocklist.LocalhostIP)
	v.SetDefault("hosts.strip_comments", false)
	v.SetDefault("hosts.staging_dir", "/var/cache/hostsblock")
	v.SetDefault("hosts.line_separator", "lf")
	v.SetDefault("apply.remount", true)
	v.SetDefault("apply.owner", "0:0")
	v.SetDefault("apply.mode", "644")
	v.SetDefault("apply.mounts_file", "/proc/mounts")
	v.SetDefault("check.update_check", true)
	v.SetDefault("check.probe_servers", []string{"1.1.1.1", "8.8.8.8"})
	v.SetDefault("check.probe_name", "example.com.")
	v.SetDefault("check.probe_timeout", "2s")
	v.SetDefault("check.http_timeout", "20s")
	v.SetDefault("check.user_agent", "hostsblock")
	v.SetDefault("check.parallel", 4)
	v.SetDefault("check.interval", "6h")
	v.SetDefault("check.auto_apply", false)
	v.SetDefault("store.path", "/var/lib/hostsblock/hostsblock.db")
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

func validateConfig(cfg *Config) error {
	if err := ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Logging.ParseErrorLimit < 0 {
		return errors.New("logging.parse_error_limit must be >= 0")
	}

	if cfg.Hosts.Target == "" || !filepath.IsAbs(cfg.Hosts.Target) {
		return errors.New("hosts.target must be an absolute path")
	}
	if err := ValidateIP(cfg.Hosts.RedirectionIP); err != nil {
		return fmt.Errorf("invalid hosts.redirection_ip: %w", err)
	}
	if cfg.Hosts.StagingDir == "" {
		return errors.New("hosts.staging_dir is required")
	}
	sep, err := ParseLineSeparator(cfg.Hosts.LineSeparator)
	if err != nil {
		return fmt.Errorf("invalid hosts.line_separator: %w", err)
	}
	cfg.Hosts.LineSeparator = sep

	if err := ValidateMode(cfg.Apply.Mode); err != nil {
		return fmt.Errorf("invalid apply.mode: %w", err)
	}
	if cfg.Apply.Owner == "" {
		return errors.New("apply.owner is required")
	}

	// Downloads are gated on the connectivity probe even without update checks.
	if len(cfg.Check.ProbeServers) == 0 {
		return errors.New("check.probe_servers must contain at least one entry")
	}
	parsedServers := make([]string, len(cfg.Check.ProbeServers))
	for i, addr := range cfg.Check.ProbeServers {
		parsed := ParseUpstream(addr)
		if err := ValidateAddress(parsed); err != nil {
			return fmt.Errorf("invalid probe server %s: %w", addr, err)
		}
		parsedServers[i] = parsed
	}
	cfg.Check.ProbeServers = parsedServers
	if cfg.Check.Parallel < 1 {
		return errors.New("check.parallel must be >= 1")
	}
	if cfg.Check.ProbeTimeout == 0 {
		return errors.New("check.probe_timeout must be positive")
	}

	if cfg.Store.Path == "" {
		return errors.New("store.path is required")
	}

	for id, list := range cfg.Sources.Lists {
		if list.URL == "" {
			if _, ok := blocklist.Catalog[id]; !ok {
				return fmt.Errorf("sources.%s needs a url: it is not a built-in list", id)
			}
			continue
		}
		if err := ValidateSourceURL(list.URL); err != nil {
			return fmt.Errorf("invalid sources.%s: %w", id, err)
		}
	}
	for _, entry := range cfg.Sources.Custom {
		if err := ValidateSourceURL(strings.TrimSpace(entry)); err != nil {
			return fmt.Errorf("invalid sources.custom entry: %w", err)
		}
	}

	return nil
}

func parseListConfigs(v *viper.Viper) (map[string]blocklist.ListConfig, error) {
	raw := v.GetStringMap("sources")
	if len(raw) == 0 {
		return map[string]blocklist.ListConfig{}, nil
	}

	ignored := map[string]bool{
		"custom": true,
	}

	listConfigs := make(map[string]blocklist.ListConfig)
	for key, value := range raw {
		if ignored[key] {
			continue
		}
		subMap, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("sources.%s must be a table", key)
		}
		var cfg blocklist.ListConfig
		if err := mapstructure.Decode(subMap, &cfg); err != nil {
			return nil, fmt.Errorf("parse sources.%s: %w", key, err)
		}
		listConfigs[strings.ToLower(key)] = cfg
	}

	return listConfigs, nil
}
