package goal

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func mustKey(t *testing.T) Key {
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return Key(k)
}

func TestConfigRoundTrip(t *testing.T) {
	psk := mustKey(t)
	iface := Interface{
		Name:       "wg0",
		PrivateKey: mustKey(t),
		ListenPort: 51820,
		Addresses:  []IPNet{mustParseIPNet("10.8.0.1/24"), mustParseIPNet("fd00::1/64")},
		MTU:        1420,
		Extra:      []string{"PostUp = iptables -A FORWARD -i %i -j ACCEPT"},
		Peers: []InterfacePeer{
			{
				Name:         "alice",
				PublicKey:    mustKey(t).PublicKey(),
				PresharedKey: &psk,
				AllowedIPs:   []IPNet{mustParseIPNet("10.8.0.2/32")},
			},
			{
				Name:                "bob",
				PublicKey:           mustKey(t).PublicKey(),
				Endpoint:            "vpn.example.com:51820",
				PersistentKeepalive: Duration(25 * time.Second),
				AllowedIPs:          []IPNet{mustParseIPNet("10.8.0.3/32"), mustParseIPNet("fd00::3/128")},
			},
		},
	}
	data := MarshalConfig(iface)
	got, err := ParseConfig("wg0", data)
	if err != nil {
		t.Fatalf("ParseConfig: %s\n%s", err, data)
	}
	if !got.Equal(&iface) {
		t.Log(string(data))
		t.Log(cmp.Diff(DiffInterface(&got, &iface), InterfaceDiff{}))
		t.Fatal("mismatch")
	}
	if !strings.Contains(string(data), "# alice\n") {
		t.Fatalf("peer name comment missing:\n%s", data)
	}
}

func TestParseConfigPeerName(t *testing.T) {
	pub := mustKey(t).PublicKey()
	data := "[Interface]\nPrivateKey = " + mustKey(t).String() + "\n\n" +
		"[Peer]\n# alice [added 2024-01-01]\n# ignored\nPublicKey = " + pub.String() + "\nAllowedIPs = 10.8.0.2/32\nPersistentKeepalive = off\nFoo = bar\n"
	iface, err := ParseConfig("wg0", []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(iface.Peers) != 1 {
		t.Fatalf("got %d peers", len(iface.Peers))
	}
	if iface.Peers[0].Name != "alice" {
		t.Fatalf("name = %q", iface.Peers[0].Name)
	}
	if iface.Peers[0].PublicKey != pub {
		t.Fatal("public key mismatch")
	}
}

func TestParseConfigInvalid(t *testing.T) {
	priv := "PrivateKey = " + mustKey(t).String() + "\n"
	tests := map[string]string{
		"empty":            "",
		"no interface":     "[Peer]\nPublicKey = " + mustKey(t).String() + "\n",
		"duplicate":        "[Interface]\n" + priv + "[Interface]\n" + priv,
		"unknown section":  "[Interface]\n" + priv + "[Wat]\n",
		"no equals":        "[Interface]\n" + priv + "garbage\n",
		"outside section":  priv,
		"no private key":   "[Interface]\nListenPort = 51820\n",
		"bad key":          "[Interface]\nPrivateKey = abc\n",
		"peer without key": "[Interface]\n" + priv + "[Peer]\nAllowedIPs = 10.8.0.2/32\n",
		"bad allowed ips":  "[Interface]\n" + priv + "[Peer]\nPublicKey = " + mustKey(t).String() + "\nAllowedIPs = 10.8.0.2\n",
		"bad listen port":  "[Interface]\n" + priv + "ListenPort = high\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig("wg0", []byte(data))
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMarshalClientConfig(t *testing.T) {
	server := mustKey(t)
	client := mustKey(t)
	psk := mustKey(t)
	cc := ClientConfig{
		ServerName:          "gateway",
		ServerPublicKey:     server.PublicKey(),
		Endpoint:            "203.0.113.1:51820",
		DNS:                 []string{"1.1.1.1"},
		PersistentKeepalive: Duration(25 * time.Second),
		Extra:               []string{"Jc = 4", "Jmin = 40"},
	}
	data := MarshalClientConfig(cc, "alice", client, &psk, []IPNet{mustParseIPNet("10.8.0.2/32")})
	got, err := ParseConfig("alice", data)
	if err != nil {
		t.Fatalf("ParseConfig: %s\n%s", err, data)
	}
	want := cc.ClientInterface("alice", client, &psk, []IPNet{mustParseIPNet("10.8.0.2/32")})
	if !got.Equal(&want) {
		t.Log(string(data))
		t.Fatal("mismatch")
	}
	for _, line := range []string{"AllowedIPs = 0.0.0.0/0, ::/0\n", "Jc = 4\n", "DNS = 1.1.1.1\n", "PersistentKeepalive = 25\n"} {
		if !strings.Contains(string(data), line) {
			t.Fatalf("missing %q:\n%s", line, data)
		}
	}
}
