package goal

import (
	"bytes"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mustParseCIDR(addr string) IPNet {
	_, ret, err := net.ParseCIDR(addr)
	if err != nil {
		panic(err)
	}
	return IPNet(*ret)
}

func TestDiffInterfacePeer(t *testing.T) {
	psk := Key{2}
	a := InterfacePeer{
		Name:                "alice",
		PublicKey:           Key{1},
		PresharedKey:        &psk,
		Endpoint:            "vpn.example.com:51820",
		PersistentKeepalive: 0,
		AllowedIPs: []IPNet{
			mustParseCIDR("10.8.0.2/32"),
			mustParseCIDR("fd00:8::2/128"),
		},
	}
	b := InterfacePeer{
		Name:                "alice",
		PublicKey:           Key{0},
		PresharedKey:        nil,
		Endpoint:            "203.0.113.1:51820",
		PersistentKeepalive: Duration(25 * time.Second),
		AllowedIPs: []IPNet{
			mustParseCIDR("fd00:8::2/128"),
			mustParseCIDR("10.8.0.3/32"),
		},
	}
	got := DiffInterfacePeer(&a, &b)
	want := InterfacePeerDiff{
		PublicKeyChanged:           true,
		PresharedKeyChanged:        true,
		EndpointChanged:            true,
		PersistentKeepaliveChanged: true,
		AllowedIPsChanged: []Change[IPNet]{
			{ChangeOpRemove, mustParseCIDR("10.8.0.2/32")},
			{ChangeOpNoChange, mustParseCIDR("fd00:8::2/128")},
			{ChangeOpAdd, mustParseCIDR("10.8.0.3/32")},
		},
		AllowedIPsNoChange: false,
	}
	if got.NoChange() {
		t.Fatal("NoChange on a changed peer")
	}
	sort.Slice(got.AllowedIPsChanged, func(i, j int) bool {
		return bytes.Compare(got.AllowedIPsChanged[i].Value.IP, got.AllowedIPsChanged[j].Value.IP) < 0
	})
	sort.Slice(want.AllowedIPsChanged, func(i, j int) bool {
		return bytes.Compare(want.AllowedIPsChanged[i].Value.IP, want.AllowedIPsChanged[j].Value.IP) < 0
	})
	if !cmp.Equal(got, want) {
		t.Log(cmp.Diff(got, want))
		t.Fatal("mismatch")
	}
}

func TestDiffInterface(t *testing.T) {
	alice := InterfacePeer{Name: "alice", PublicKey: Key{1}, AllowedIPs: []IPNet{mustParseCIDR("10.8.0.2/32")}}
	bob := InterfacePeer{Name: "bob", PublicKey: Key{2}, AllowedIPs: []IPNet{mustParseCIDR("10.8.0.3/32")}}
	carol := InterfacePeer{Name: "carol", PublicKey: Key{3}, AllowedIPs: []IPNet{mustParseCIDR("10.8.0.4/32")}}
	bob2 := bob
	bob2.Endpoint = "203.0.113.1:51820"

	a := Interface{Name: "wg0", ListenPort: 51820, Peers: []InterfacePeer{alice, bob}}
	b := Interface{Name: "wg0", ListenPort: 51821, Peers: []InterfacePeer{bob2, carol}}
	got := DiffInterface(&a, &b)
	want := InterfaceDiff{
		ListenPortChanged: true,
		AddressesAdded:    []IPNet{},
		AddressesRemoved:  []IPNet{},
		PeersAdded:        []InterfacePeer{carol},
		PeersRemoved:      []InterfacePeer{alice},
		PeersChanged:      []string{"bob"},
	}
	if !cmp.Equal(got, want) {
		t.Log(cmp.Diff(got, want))
		t.Fatal("mismatch")
	}
	if got.NoChange() {
		t.Fatal("NoChange on differing interfaces")
	}
	if !a.Equal(&a) {
		t.Fatal("interface not equal to itself")
	}
	if a.Equal(&b) {
		t.Fatal("differing interfaces reported equal")
	}
}
