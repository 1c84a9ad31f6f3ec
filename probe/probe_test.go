package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/store"
)

type fakeSource struct {
	peers []wgtypes.Peer
}

func (f *fakeSource) Peers(ctx context.Context) ([]wgtypes.Peer, error) {
	return f.peers, nil
}

type sample struct {
	username string
	in, out  uint64
}

type fakeSink struct {
	clients     []store.ClientRecord
	samples     []sample
	connections map[string]string
	generation  uint64
}

func (f *fakeSink) List() ([]store.ClientRecord, error) {
	return f.clients, nil
}

func (f *fakeSink) AccumulateSample(username string, in, out uint64) (store.TrafficRecord, error) {
	f.samples = append(f.samples, sample{username, in, out})
	return store.TrafficRecord{}, nil
}

func (f *fakeSink) ObserveConnection(username, ip string, handshake time.Time) error {
	f.connections[username] = ip
	return nil
}

func (f *fakeSink) Generation() uint64 {
	return f.generation
}

func mustKey(t *testing.T) wgtypes.Key {
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k.PublicKey()
}

func TestStep(t *testing.T) {
	ctx := context.Background()
	alice, bob, stranger := mustKey(t), mustKey(t), mustKey(t)
	sink := &fakeSink{
		clients: []store.ClientRecord{
			{Username: "alice", PublicKey: goal.Key(alice)},
			{Username: "bob", PublicKey: goal.Key(bob)},
		},
		connections: map[string]string{},
	}
	endpoint := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}
	source := &fakeSource{peers: []wgtypes.Peer{
		{PublicKey: alice, ReceiveBytes: 1000, TransmitBytes: 100, Endpoint: endpoint, LastHandshakeTime: time.Now()},
		{PublicKey: stranger, ReceiveBytes: 5, TransmitBytes: 5},
	}}
	p := New(source, sink)

	// baseline
	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.samples) != 0 {
		t.Fatalf("samples on the first step: %v", sink.samples)
	}
	if sink.connections["alice"] != "203.0.113.5" {
		t.Fatalf("connections = %v", sink.connections)
	}

	source.peers = []wgtypes.Peer{
		{PublicKey: alice, ReceiveBytes: 1500, TransmitBytes: 300},
		{PublicKey: bob, ReceiveBytes: 70, TransmitBytes: 7},
		{PublicKey: stranger, ReceiveBytes: 50, TransmitBytes: 50},
	}
	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}
	// the interface was cycled: counters restart
	source.peers = []wgtypes.Peer{
		{PublicKey: alice, ReceiveBytes: 200, TransmitBytes: 20},
		{PublicKey: bob, ReceiveBytes: 70, TransmitBytes: 7},
	}
	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}
	want := []sample{
		{"alice", 500, 200},
		{"bob", 70, 7},
		{"alice", 200, 20},
	}
	if !cmp.Equal(sink.samples, want, cmp.AllowUnexported(sample{})) {
		t.Log(cmp.Diff(sink.samples, want, cmp.AllowUnexported(sample{})))
		t.Fatal("mismatch")
	}
}

func TestStepAfterCycle(t *testing.T) {
	ctx := context.Background()
	alice := mustKey(t)
	sink := &fakeSink{
		clients:     []store.ClientRecord{{Username: "alice", PublicKey: goal.Key(alice)}},
		connections: map[string]string{},
	}
	source := &fakeSource{peers: []wgtypes.Peer{{PublicKey: alice, ReceiveBytes: 1000, TransmitBytes: 100}}}
	p := New(source, sink)
	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}

	// being cycled: readings are not usable
	sink.generation = 1
	source.peers = []wgtypes.Peer{{PublicKey: alice, ReceiveBytes: 10, TransmitBytes: 1}}
	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.samples) != 0 {
		t.Fatalf("samples while cycling: %v", sink.samples)
	}

	// cycled, and counters have grown past the previous reading since
	sink.generation = 2
	source.peers = []wgtypes.Peer{{PublicKey: alice, ReceiveBytes: 1500, TransmitBytes: 300}}
	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}
	source.peers = []wgtypes.Peer{{PublicKey: alice, ReceiveBytes: 1600, TransmitBytes: 300}}
	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}
	want := []sample{
		{"alice", 1500, 300},
		{"alice", 100, 0},
	}
	if !cmp.Equal(sink.samples, want, cmp.AllowUnexported(sample{})) {
		t.Log(cmp.Diff(sink.samples, want, cmp.AllowUnexported(sample{})))
		t.Fatal("mismatch")
	}
}

func TestParseDump(t *testing.T) {
	alice, bob := mustKey(t), mustKey(t)
	priv, _ := wgtypes.GeneratePrivateKey()
	dump := priv.String() + "\t" + priv.PublicKey().String() + "\t51820\toff\n" +
		alice.String() + "\t(none)\t203.0.113.5:40000\t10.8.0.2/32\t1700000000\t1024\t2048\t25\n" +
		bob.String() + "\t(none)\t(none)\t10.8.0.3/32,fd00:8::3/128\t0\t0\t0\toff\n"
	peers, err := ParseDump([]byte(dump))
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers", len(peers))
	}
	a, b := peers[0], peers[1]
	if a.PublicKey != alice || a.Endpoint.String() != "203.0.113.5:40000" || a.ReceiveBytes != 1024 || a.TransmitBytes != 2048 {
		t.Fatalf("alice = %+v", a)
	}
	if !a.LastHandshakeTime.Equal(time.Unix(1700000000, 0)) || a.PersistentKeepaliveInterval != 25*time.Second {
		t.Fatalf("alice = %+v", a)
	}
	if b.Endpoint != nil || !b.LastHandshakeTime.IsZero() || len(b.AllowedIPs) != 2 {
		t.Fatalf("bob = %+v", b)
	}

	if _, err := ParseDump([]byte("")); err == nil {
		t.Fatal("empty dump accepted")
	}
	if _, err := ParseDump([]byte(dump + "garbage\n")); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestDockerDump(t *testing.T) {
	var got []string
	d := &DockerDump{
		Container: "amnezia-awg",
		Device:    "wg0",
		Command:   "awg",
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			got = append([]string{name}, args...)
			return []byte("key\tkey\t51820\toff\n"), nil
		},
	}
	peers, err := d.Peers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("peers = %v", peers)
	}
	want := []string{"docker", "exec", "amnezia-awg", "awg", "show", "wg0", "dump"}
	if !cmp.Equal(got, want) {
		t.Fatalf("ran %v", got)
	}
}
