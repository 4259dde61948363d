package blocklist

// HostSet stores distinct host names and remembers first-insertion order.
type HostSet struct {
	index map[string]int
	order []string
	live  int
}

// NewHostSet creates a HostSet holding names in order.
func NewHostSet(names ...string) *HostSet {
	s := &HostSet{index: make(map[string]int, len(names))}
	for _, name := range names {
		s.Add(name)
	}
	return s
}

// Add inserts name. It reports false when name was already present.
func (s *HostSet) Add(name string) bool {
	if name == "" {
		return false
	}
	if _, ok := s.index[name]; ok {
		return false
	}
	s.index[name] = len(s.order)
	s.order = append(s.order, name)
	s.live++
	return true
}

// Remove deletes name. A later Add places it at the end.
func (s *HostSet) Remove(name string) bool {
	pos, ok := s.index[name]
	if !ok {
		return false
	}
	delete(s.index, name)
	s.order[pos] = ""
	s.live--
	return true
}

// Contains reports whether name is in the set.
func (s *HostSet) Contains(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[name]
	return ok
}

// Len returns the number of names in the set.
func (s *HostSet) Len() int {
	if s == nil {
		return 0
	}
	return s.live
}

// Names returns the names in insertion order.
func (s *HostSet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, s.live)
	for _, name := range s.order {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Merge adds every name of other, in other's order.
func (s *HostSet) Merge(other *HostSet) {
	for _, name := range other.Names() {
		s.Add(name)
	}
}

// RemoveAll deletes every name of other.
func (s *HostSet) RemoveAll(other *HostSet) {
	for _, name := range other.Names() {
		s.Remove(name)
	}
}

// Clone returns an independent copy with compacted order.
func (s *HostSet) Clone() *HostSet {
	return NewHostSet(s.Names()...)
}

// Redirection maps one host to a custom address.
type Redirection struct {
	Host string
	IP   string
}

// Redirections is an ordered host to IP mapping with unique keys. Setting an
// existing host keeps its position and replaces the IP.
type Redirections struct {
	index map[string]int
	items []Redirection
}

// NewRedirections creates a mapping from items; later duplicates win.
func NewRedirections(items ...Redirection) *Redirections {
	r := &Redirections{index: make(map[string]int, len(items))}
	for _, item := range items {
		r.Set(item.Host, item.IP)
	}
	return r
}

// Set maps host to ip.
func (r *Redirections) Set(host, ip string) {
	if host == "" {
		return
	}
	if pos, ok := r.index[host]; ok {
		r.items[pos].IP = ip
		return
	}
	r.index[host] = len(r.items)
	r.items = append(r.items, Redirection{Host: host, IP: ip})
}

// Get returns the IP for host.
func (r *Redirections) Get(host string) (string, bool) {
	if r == nil {
		return "", false
	}
	pos, ok := r.index[host]
	if !ok {
		return "", false
	}
	return r.items[pos].IP, true
}

// Len returns the number of redirected hosts.
func (r *Redirections) Len() int {
	if r == nil {
		return 0
	}
	return len(r.items)
}

// Items returns the redirections in insertion order.
func (r *Redirections) Items() []Redirection {
	if r == nil {
		return nil
	}
	items := make([]Redirection, len(r.items))
	copy(items, r.items)
	return items
}

// Hosts returns the redirected host names as a set.
func (r *Redirections) Hosts() *HostSet {
	set := NewHostSet()
	for _, item := range r.Items() {
		set.Add(item.Host)
	}
	return set
}
