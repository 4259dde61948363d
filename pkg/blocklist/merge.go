package blocklist

// Mapping is the final host to address association. Blocked hosts resolve
// to BlockIP and Redirected hosts to their own address; no host is in both.
type Mapping struct {
	Blocked    *HostSet
	BlockIP    string
	Redirected *Redirections
}

// Merge applies the overrides to hosts in a fixed order: whitelisted hosts
// are removed, blacklisted hosts are added (so the blacklist wins over the
// whitelist), and redirected hosts are removed from the blocked part.
// Loopback names are dropped from both parts because the document always
// carries its own localhost entry. Neither hosts nor ov is modified.
func Merge(hosts *HostSet, ov Overrides, blockIP string) Mapping {
	blocked := NewHostSet()
	if hosts != nil {
		blocked = hosts.Clone()
	}

	blocked.RemoveAll(ov.Whitelist)
	blocked.Merge(ov.Blacklist)

	redirected := NewRedirections()
	for _, item := range ov.Redirections.Items() {
		if IsLoopbackName(item.Host) {
			continue
		}
		redirected.Set(item.Host, item.IP)
	}
	blocked.RemoveAll(redirected.Hosts())

	for name := range loopbackNames {
		blocked.Remove(name)
	}

	return Mapping{
		Blocked:    blocked,
		BlockIP:    blockIP,
		Redirected: redirected,
	}
}

// Len returns the number of mapped hosts.
func (m Mapping) Len() int {
	return m.Blocked.Len() + m.Redirected.Len()
}

// Lookup returns the address host is mapped to.
func (m Mapping) Lookup(host string) (string, bool) {
	if ip, ok := m.Redirected.Get(host); ok {
		return ip, true
	}
	if m.Blocked.Contains(host) {
		return m.BlockIP, true
	}
	return "", false
}
