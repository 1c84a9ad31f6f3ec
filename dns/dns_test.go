package dns

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupName(username string) ([]netip.Addr, bool) {
	addrs, ok := f[username]
	return addrs, ok
}

func TestNewServer(t *testing.T) {
	for _, suffix := range []string{"", "vpn.internal", ".vpn.internal."} {
		if _, err := NewServer(fakeResolver{}, suffix, 0); err == nil {
			t.Fatalf("suffix %q accepted", suffix)
		}
	}
}

func TestHandleQuery(t *testing.T) {
	s, err := NewServer(fakeResolver{
		"alice": {netip.MustParseAddr("10.8.0.2"), netip.MustParseAddr("fd00:8::2")},
	}, ".vpn.internal", 60)
	if err != nil {
		t.Fatal(err)
	}
	type test struct {
		name    string
		qtype   uint16
		rcode   int
		answers []string
	}
	tests := []test{
		{"alice.vpn.internal.", dns.TypeA, dns.RcodeSuccess, []string{"10.8.0.2"}},
		{"Alice.VPN.internal.", dns.TypeAAAA, dns.RcodeSuccess, []string{"fd00:8::2"}},
		{"alice.vpn.internal.", dns.TypeMX, dns.RcodeSuccess, nil},
		{"bob.vpn.internal.", dns.TypeA, dns.RcodeNameError, nil},
		{"example.com.", dns.TypeA, dns.RcodeRefused, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(dns.Msg)
			m.SetQuestion(tt.name, tt.qtype)
			rcode := s.handleQuery(m)
			if rcode != tt.rcode {
				t.Fatalf("rcode = %s", dns.RcodeToString[rcode])
			}
			if len(m.Answer) != len(tt.answers) {
				t.Fatalf("answers = %v", m.Answer)
			}
			for i, rr := range m.Answer {
				var got string
				switch rr := rr.(type) {
				case *dns.A:
					got = rr.A.String()
				case *dns.AAAA:
					got = rr.AAAA.String()
				}
				if got != tt.answers[i] {
					t.Fatalf("answer %d = %s", i, rr)
				}
				if rr.Header().Ttl != 60 {
					t.Fatalf("TTL = %d", rr.Header().Ttl)
				}
			}
		})
	}
}
