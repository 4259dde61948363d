// Package testutil provides a local DNS server for connectivity tests.
package testutil

import (
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// DNSStub is a UDP DNS server bound to a random loopback port.
type DNSStub struct {
	Addr    string
	queries atomic.Int64
	server  *dns.Server
}

// StartDNSStub starts a UDP DNS server answering with handler and stops it
// when the test ends.
func StartDNSStub(t *testing.T, handler dns.Handler) *DNSStub {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	stub := &DNSStub{Addr: conn.LocalAddr().String()}
	started := make(chan struct{})
	stub.server = &dns.Server{
		PacketConn:        conn,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			stub.queries.Add(1)
			handler.ServeDNS(w, r)
		}),
	}

	go func() { _ = stub.server.ActivateAndServe() }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		_ = conn.Close()
		t.Fatal("dns stub did not start")
	}

	t.Cleanup(stub.Close)
	return stub
}

// Queries returns the number of queries the stub has received.
func (s *DNSStub) Queries() int64 {
	return s.queries.Load()
}

// Close shuts down the stub.
func (s *DNSStub) Close() {
	if s.server != nil {
		_ = s.server.Shutdown()
	}
}

// AnswerA replies to every A question with ip and to anything else with
// NXDOMAIN.
func AnswerA(ip string) dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		reply := new(dns.Msg)
		if r == nil || len(r.Question) == 0 {
			reply.Rcode = dns.RcodeFormatError
			_ = w.WriteMsg(reply)
			return
		}
		reply.SetReply(r)
		q := r.Question[0]
		if q.Qtype != dns.TypeA {
			reply.Rcode = dns.RcodeNameError
			_ = w.WriteMsg(reply)
			return
		}
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: strings.ToLower(q.Name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(ip),
		})
		_ = w.WriteMsg(reply)
	})
}

// Rcode replies to every question with an empty answer and rcode.
func Rcode(rcode int) dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		reply := new(dns.Msg)
		reply.SetRcode(r, rcode)
		_ = w.WriteMsg(reply)
	})
}

// Silent never replies, which looks like an unreachable resolver.
func Silent() dns.Handler {
	return dns.HandlerFunc(func(dns.ResponseWriter, *dns.Msg) {})
}
