//go:build linux

package goal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type Handle = netlink.Handle

func NewHandle() (*Handle, error) {
	h, err := netlink.NewHandle()
	return h, err
}

// ReplaceInterface brings the link named iface.Name down (deleting it) and creates it again from iface.
// All tunnels through the link are dropped in between.
func ReplaceInterface(iface Interface, client *wgctrl.Client, handle *Handle) error {
	err := DeleteInterface(iface.Name, handle)
	if err != nil {
		return fmt.Errorf("bring %s down: %w", iface.Name, err)
	}
	err = CreateInterface(iface, client, handle)
	if err != nil {
		return fmt.Errorf("bring %s up: %w", iface.Name, err)
	}
	return nil
}

// DeleteInterface deletes the link named name. A missing link is not an error.
func DeleteInterface(name string, handle *Handle) error {
	link, err := handle.LinkByName(name)
	if errors.As(err, new(netlink.LinkNotFoundError)) {
		zap.S().Debugf("link %s not found, nothing to delete.", name)
		return nil
	}
	if err != nil {
		return err
	}
	zap.S().Debugf("deleting link %s.", name)
	return handle.LinkDel(link)
}

func CreateInterface(iface Interface, client *wgctrl.Client, handle *Handle) (err error) {
	// Steps:
	// - add link
	// - configure wg interface
	// - add addresses
	// - set up link
	// - add routes for peers' AllowedIPs

	if len(iface.Name) > 15 {
		return errors.New("interface name too long (max 15)")
	}

	// === add link ===
	// ip link add dev <iface.Name> type wireguard
	zap.S().Debugf("adding link %s.", iface.Name)
	attrs := netlink.LinkAttrs{Name: iface.Name, MTU: iface.MTU}
	err = handle.LinkAdd(&netlink.GenericLink{LinkAttrs: attrs, LinkType: "wireguard"})
	if err != nil {
		return fmt.Errorf("adding link %s: %w", iface.Name, err)
	}
	// CLEANUP: a half-configured link is removed so the next attempt starts clean
	defer func() {
		if err == nil {
			return
		}
		err2 := DeleteInterface(iface.Name, handle)
		if err2 != nil {
			zap.S().Infof("cleanup: undoing: adding link %s failed: %s", iface.Name, err2)
		}
	}()
	link, err := handle.LinkByName(iface.Name)
	if err != nil {
		return err
	}

	// === configure wg interface ===
	cfg, err := deviceConfig(iface)
	if err != nil {
		return err
	}
	data, _ := json.MarshalIndent(cfg, "  ", "  ")
	zap.S().Debugf("wg interface configuration:\n%s", data)
	err = client.ConfigureDevice(iface.Name, cfg)
	if err != nil {
		return fmt.Errorf("configuring wg interface: %w", err)
	}

	// === add addresses ===
	for _, addr := range iface.Addresses {
		zap.S().Debugf("adding address %s to wg interface.", addr)
		err = handle.AddrAdd(link, &netlink.Addr{IPNet: (*net.IPNet)(&addr)})
		if err != nil {
			return fmt.Errorf("adding address %s to wg interface failed: %w", addr, err)
		}
	}

	zap.S().Debug("set up link.")
	err = handle.LinkSetUp(link)
	if err != nil {
		return fmt.Errorf("link set up: %w", err)
	}

	// === add routes ===
	for _, peer := range iface.Peers {
		for _, allowedIP := range peer.AllowedIPs {
			err = handle.RouteReplace(&netlink.Route{
				LinkIndex: link.Attrs().Index,
				Dst:       (*net.IPNet)(&allowedIP),
			})
			if err != nil {
				return fmt.Errorf("adding route %s for peer %s failed: %w", allowedIP, peer.Name, err)
			}
		}
	}
	zap.S().Debugf("created interface %s with %d peers.", iface.Name, len(iface.Peers))
	return nil
}

func deviceConfig(iface Interface) (wgtypes.Config, error) {
	peers := make([]wgtypes.PeerConfig, len(iface.Peers))
	for i, peer := range iface.Peers {
		var endpoint *net.UDPAddr
		if peer.Endpoint != "" {
			zap.S().Debugf("resolving %s for peer %s.", peer.Endpoint, peer.Name)
			var err error
			endpoint, err = net.ResolveUDPAddr("udp", peer.Endpoint)
			if err != nil {
				return wgtypes.Config{}, fmt.Errorf("resolving %s for peer %s: %w", peer.Endpoint, peer.Name, err)
			}
		}
		var keepalive *time.Duration
		if peer.PersistentKeepalive != 0 {
			d := time.Duration(peer.PersistentKeepalive)
			keepalive = &d
		}
		peers[i] = wgtypes.PeerConfig{
			PublicKey:                   wgtypes.Key(peer.PublicKey),
			PresharedKey:                (*wgtypes.Key)(peer.PresharedKey),
			Endpoint:                    endpoint,
			PersistentKeepaliveInterval: keepalive,
			ReplaceAllowedIPs:           true,
			AllowedIPs:                  ipNetUtilToStd(peer.AllowedIPs),
		}
	}
	cfg := wgtypes.Config{
		PrivateKey:   (*wgtypes.Key)(&iface.PrivateKey),
		ReplacePeers: true,
		Peers:        peers,
	}
	if iface.ListenPort != 0 {
		cfg.ListenPort = &iface.ListenPort
	}
	return cfg, nil
}
