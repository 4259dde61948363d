// Package netcheck decides whether the network is usable by sending a DNS
// query to known resolvers.
package netcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultName    = "example.com."
	defaultTimeout = 2 * time.Second
)

// Prober sends a single A query to each server in turn until one replies.
type Prober struct {
	servers []string
	name    string
	client  *dns.Client
	log     *slog.Logger
}

// New creates a Prober for servers ("ip:port"). name is the question sent;
// any reply, whatever its rcode, counts as connectivity.
func New(servers []string, name string, timeout time.Duration, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	if name == "" {
		name = defaultName
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{
		servers: servers,
		name:    dns.Fqdn(name),
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		log:     log,
	}
}

// Online reports whether any configured server answered.
func (p *Prober) Online(ctx context.Context) bool {
	m := new(dns.Msg)
	m.SetQuestion(p.name, dns.TypeA)
	m.RecursionDesired = true

	for _, server := range p.servers {
		if ctx.Err() != nil {
			return false
		}
		msg, rtt, err := p.client.ExchangeContext(ctx, m, server)
		if err == nil && msg != nil {
			p.log.Debug("connectivity probe answered", "server", server, "rtt", rtt, "rcode", dns.RcodeToString[msg.Rcode])
			return true
		}
		p.log.Debug("connectivity probe failed, trying next server", "server", server, "error", err)
	}

	p.log.Warn("no connectivity probe server answered", "servers", p.servers)
	return false
}
