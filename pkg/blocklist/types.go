package blocklist

import "time"

// Source describes a remote hosts list.
type Source struct {
	ID      string
	URL     string
	Enabled bool
	Auth    AuthConfig
	// RemoteModified is the Last-Modified time reported by the server on
	// the most recent fetch or probe.
	RemoteModified time.Time
	// AppliedModified is the remote modification time that was in effect
	// when this source was last applied successfully.
	AppliedModified time.Time
}

// AuthConfig defines optional authentication for a source.
type AuthConfig struct {
	Username string
	Password string
	Token    string
	Header   string
	Scheme   string
}

// ListConfig defines a source configuration entry.
type ListConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	Header   string `mapstructure:"header"`
	Scheme   string `mapstructure:"scheme"`
}

// ParseStats summarises list parsing results.
type ParseStats struct {
	TotalLines int
	Hosts      int
	Comments   int
	Invalid    int
}

// Overrides holds the user-defined adjustments applied on top of the
// fetched lists.
type Overrides struct {
	Whitelist    *HostSet
	Blacklist    *HostSet
	Redirections *Redirections
}
