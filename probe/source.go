package probe

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Source reads the peers of the live interface.
type Source interface {
	Peers(ctx context.Context) ([]wgtypes.Peer, error)
}

// WGCtrl reads a device on this host through wgctrl.
type WGCtrl struct {
	Client *wgctrl.Client
	Device string
}

func (w *WGCtrl) Peers(ctx context.Context) ([]wgtypes.Peer, error) {
	d, err := w.Client.Device(w.Device)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", w.Device, err)
	}
	return d.Peers, nil
}

// DockerDump reads a device inside a container with `wg show <device> dump`.
type DockerDump struct {
	Container string
	Device    string
	// Command is "wg" if empty; AmneziaWG containers ship "awg".
	Command string
	// Run runs a command and returns its standard output. Defaults to os/exec.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (d *DockerDump) Peers(ctx context.Context) ([]wgtypes.Peer, error) {
	command := d.Command
	if command == "" {
		command = "wg"
	}
	run := d.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	out, err := run(ctx, "docker", "exec", d.Container, command, "show", d.Device, "dump")
	if err != nil {
		return nil, fmt.Errorf("%s show %s dump: %w", command, d.Device, err)
	}
	return ParseDump(out)
}

// ParseDump parses the output of `wg show <device> dump`: one tab-separated line for the interface, then one
// line per peer.
func ParseDump(data []byte) ([]wgtypes.Peer, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty dump")
	}
	peers := make([]wgtypes.Peer, 0, len(lines)-1)
	for i, line := range lines[1:] {
		peer, err := parseDumpPeer(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func parseDumpPeer(line string) (peer wgtypes.Peer, err error) {
	// public-key preshared-key endpoint allowed-ips latest-handshake transfer-rx transfer-tx persistent-keepalive
	fields := strings.Split(line, "\t")
	if len(fields) != 8 {
		return wgtypes.Peer{}, fmt.Errorf("expected 8 fields, got %d", len(fields))
	}
	peer.PublicKey, err = wgtypes.ParseKey(fields[0])
	if err != nil {
		return wgtypes.Peer{}, fmt.Errorf("public key: %w", err)
	}
	if fields[2] != "(none)" {
		peer.Endpoint, err = net.ResolveUDPAddr("udp", fields[2])
		if err != nil {
			return wgtypes.Peer{}, fmt.Errorf("endpoint: %w", err)
		}
	}
	if fields[3] != "(none)" {
		for _, s := range strings.Split(fields[3], ",") {
			_, ipNet, err := net.ParseCIDR(s)
			if err != nil {
				return wgtypes.Peer{}, fmt.Errorf("allowed ips: %w", err)
			}
			peer.AllowedIPs = append(peer.AllowedIPs, *ipNet)
		}
	}
	handshake, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return wgtypes.Peer{}, fmt.Errorf("latest handshake: %w", err)
	}
	if handshake != 0 {
		peer.LastHandshakeTime = time.Unix(handshake, 0)
	}
	peer.ReceiveBytes, err = strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return wgtypes.Peer{}, fmt.Errorf("transfer rx: %w", err)
	}
	peer.TransmitBytes, err = strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return wgtypes.Peer{}, fmt.Errorf("transfer tx: %w", err)
	}
	if fields[7] != "off" {
		secs, err := strconv.Atoi(fields[7])
		if err != nil {
			return wgtypes.Peer{}, fmt.Errorf("persistent keepalive: %w", err)
		}
		peer.PersistentKeepaliveInterval = time.Duration(secs) * time.Second
	}
	return peer, nil
}
