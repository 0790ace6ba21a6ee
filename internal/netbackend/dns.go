package netbackend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const dnsTTL = 60

// dnsResponder answers A queries from the guest on the gateway address.
type dnsResponder struct {
	log     *slog.Logger
	hosts   map[string]netip.Addr
	forward bool
	server  *dns.Server
}

func newDNSResponder(logger *slog.Logger, hosts map[string]netip.Addr, forward bool, conn net.PacketConn) *dnsResponder {
	r := &dnsResponder{
		log:     logger,
		hosts:   make(map[string]netip.Addr, len(hosts)),
		forward: forward,
	}
	for name, addr := range hosts {
		r.hosts[dns.Fqdn(strings.ToLower(name))] = addr
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.serveDNS)
	r.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	return r
}

func (r *dnsResponder) start() {
	go func() {
		if err := r.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.log.Error("dns: server exited", "error", err)
		}
	}()
}

func (r *dnsResponder) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = r.server.ShutdownContext(ctx)
	if r.server.PacketConn != nil {
		_ = r.server.PacketConn.Close()
	}
}

func (r *dnsResponder) serveDNS(w dns.ResponseWriter, req *dns.Msg) {
	if err := w.WriteMsg(r.answer(req)); err != nil {
		r.log.Debug("dns: write reply", "error", err)
	}
}

func (r *dnsResponder) answer(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.RecursionAvailable = r.forward

	for _, q := range req.Question {
		if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
			continue
		}
		addr, ok := r.lookup(q.Name)
		if !ok {
			m.SetRcode(req, dns.RcodeNameError)
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: dnsTTL},
			A:   net.IP(addr.AsSlice()),
		})
	}
	return m
}

func (r *dnsResponder) lookup(name string) (netip.Addr, bool) {
	if addr, ok := r.hosts[strings.ToLower(name)]; ok {
		return addr, true
	}
	if !r.forward {
		return netip.Addr{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", strings.TrimSuffix(name, "."))
	if err != nil || len(addrs) == 0 {
		r.log.Debug("dns: lookup failed", "name", name, "error", err)
		return netip.Addr{}, false
	}
	return addrs[0].Unmap(), true
}
