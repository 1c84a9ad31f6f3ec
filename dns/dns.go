// Package dns answers A and AAAA queries for the addresses of active clients, named <username><suffix>.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Resolver returns the addresses of an active client. *engine.Engine is a Resolver.
type Resolver interface {
	LookupName(username string) ([]netip.Addr, bool)
}

type Server struct {
	resolver Resolver
	suffix   string
	ttl      uint32
}

// NewServer returns a server answering for names ending in suffix, which must start with a dot and must not end
// with one (e.g. ".vpn.internal").
func NewServer(resolver Resolver, suffix string, ttl uint32) (*Server, error) {
	if suffix == "" {
		return nil, errors.New("no suffix")
	}
	if suffix[0] != '.' {
		return nil, fmt.Errorf("suffix %q must start with a dot", suffix)
	}
	if suffix[len(suffix)-1] == '.' {
		return nil, fmt.Errorf("suffix %q must not end with a period (trailing period should not be used)", suffix)
	}
	return &Server{resolver: resolver, suffix: strings.ToLower(suffix), ttl: ttl}, nil
}

// ListenDNS serves DNS over UDP on addr until ctx is done.
func (s *Server) ListenDNS(ctx context.Context, addr string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)
	server := &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	zap.S().Infof("listening for DNS on %s.", addr)
	select {
	case err := <-errCh:
		return fmt.Errorf("dns ListenAndServe failed: %w", err)
	case <-ctx.Done():
		err := server.ShutdownContext(context.WithoutCancel(ctx))
		if err != nil {
			zap.S().Errorf("dns shutdown: %s", err)
		}
		return ctx.Err()
	}
}

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	switch r.Opcode {
	case dns.OpcodeQuery:
		m.MsgHdr.Rcode = s.handleQuery(m)
	}
	w.WriteMsg(m)
}

func (s *Server) handleQuery(m *dns.Msg) (rcode int) {
	for _, q := range m.Question {
		name := strings.ToLower(strings.TrimSuffix(q.Name, "."))
		if !strings.HasSuffix(name, s.suffix) {
			zap.S().Debugf("%s is not under %s, refuse.", q.Name, s.suffix)
			return dns.RcodeRefused
		}
		username := strings.TrimSuffix(name, s.suffix)
		addrs, ok := s.resolver.LookupName(username)
		if !ok {
			zap.S().Debugf("%s not found.", username)
			return dns.RcodeNameError
		}
		switch q.Qtype {
		case dns.TypeA, dns.TypeAAAA:
			s.returnAddresses(m, q, addrs)
		}
	}
	return dns.RcodeSuccess
}

func (s *Server) returnAddresses(m *dns.Msg, q dns.Question, addrs []netip.Addr) {
	for _, addr := range addrs {
		hdr := dns.RR_Header{
			Name:   q.Name,
			Rrtype: q.Qtype,
			Class:  dns.ClassINET,
			Ttl:    s.ttl,
		}
		switch {
		case q.Qtype == dns.TypeA && addr.Is4():
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: addr.AsSlice()})
		case q.Qtype == dns.TypeAAAA && addr.Is6():
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()})
		}
	}
}
