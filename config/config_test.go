package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/util"
)

const tokenHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func testConfig(t *testing.T, privateKey string) string {
	return `
interface:
  privateKey: ` + privateKey + `
  addresses: [10.8.0.1/24, "fd00:8::1/120"]
  extra: ["Jc = 4"]
pools:
  ipv4: 10.8.0.0/24
  ipv6: "fd00:8::/120"
stateDir: ` + t.TempDir() + `
applier:
  mode: docker
  command: awg-quick
  container: amnezia-awg
  containerPath: /opt/amnezia/awg/wg0.conf
probe:
  source: docker
  command: awg
  interval: 30s
dns:
  listen: 127.0.0.1:5353
http:
  tokenHashes: [` + tokenHash + `]
artifact:
  endpoint: 203.0.113.1:51820
  dns: [1.1.1.1]
  persistentKeepalive: 25s
  allowedIPs: [0.0.0.0/0]
`
}

func TestParse(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	c, err := Parse([]byte(testConfig(t, priv.String())))
	if err != nil {
		t.Fatal(err)
	}
	hash, err := util.ParseTokenHash(tokenHash)
	if err != nil {
		t.Fatal(err)
	}
	if c.Interface.Name != "wg0" || c.Interface.ListenPort != 51820 {
		t.Fatalf("defaults not kept: %+v", c.Interface)
	}
	if c.Probe.Interval != goal.Duration(30*time.Second) || c.SweepInterval != goal.Duration(time.Minute) {
		t.Fatalf("intervals: %v %v", c.Probe.Interval, c.SweepInterval)
	}
	if !cmp.Equal(c.HTTP.TokenHashes, []util.TokenHash{hash}) {
		t.Log(cmp.Diff(c.HTTP.TokenHashes, []util.TokenHash{hash}))
		t.Fatal("mismatch")
	}

	base, err := c.BaseInterface()
	if err != nil {
		t.Fatal(err)
	}
	if base.PrivateKey != goal.Key(priv) || len(base.Addresses) != 2 || base.Addresses[0].String() != "10.8.0.1/24" {
		t.Fatalf("BaseInterface = %+v", base)
	}
	cc, err := c.ClientConfig(base.PrivateKey.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if cc.ServerName != "gateway" || cc.PersistentKeepalive != goal.Duration(25*time.Second) || len(cc.AllowedIPs) != 1 {
		t.Fatalf("ClientConfig = %+v", cc)
	}
	reserved := c.Reserved()
	if len(reserved) != 2 || reserved[0].String() != "10.8.0.1" || reserved[1].String() != "fd00:8::1" {
		t.Fatalf("Reserved = %v", reserved)
	}
}

func TestPrivateKeyPath(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "private.key")
	err = os.WriteFile(path, []byte(priv.String()+"\n"), 0600)
	if err != nil {
		t.Fatal(err)
	}
	c := Default()
	c.Interface.PrivateKeyPath = path
	k, err := c.PrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	if k != goal.Key(priv) {
		t.Fatal("mismatch")
	}
}

func TestValidate(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	valid := testConfig(t, priv.String())
	testCases := map[string]struct {
		old, new string
		msg      string
	}{
		"bad key":         {"privateKey: " + priv.String(), "privateKey: nope", "interface.privateKey"},
		"bad pool":        {"ipv4: 10.8.0.0/24", "ipv4: 10.8.0.0/33", "pools.ipv4"},
		"swapped pool":    {"ipv4: 10.8.0.0/24", "ipv4: \"fd00:9::/120\"", "wrong address family"},
		"unknown applier": {"mode: docker", "mode: ssh", "applier.mode"},
		"unknown probe":   {"source: docker", "source: snmp", "probe.source"},
		"no endpoint":     {"endpoint: 203.0.113.1:51820", "endpoint: \"\"", "artifact.endpoint"},
		"no tokens":       {"tokenHashes: [" + tokenHash + "]", "tokenHashes: []", "tokenHashes"},
		"bad token hash":  {"tokenHashes: [" + tokenHash + "]", "tokenHashes: [abc]", "token hash"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			data := strings.Replace(valid, tc.old, tc.new, 1)
			if data == valid {
				t.Fatal("test case did not change the configuration")
			}
			_, err := Parse([]byte(data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("error %q does not mention %q", err, tc.msg)
			}
		})
	}
}
