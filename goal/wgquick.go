package goal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MarshalConfig renders iface as a wg-quick(8) compatible configuration.
// Each peer is preceded by a "# <name>" comment so that the file can be read back by ParseConfig with names intact.
func MarshalConfig(iface Interface) []byte {
	var b bytes.Buffer
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", iface.PrivateKey)
	if len(iface.Addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", joinIPNets(iface.Addresses))
	}
	if iface.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", iface.ListenPort)
	}
	if iface.MTU != 0 {
		fmt.Fprintf(&b, "MTU = %d\n", iface.MTU)
	}
	if len(iface.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(iface.DNS, ", "))
	}
	for _, line := range iface.Extra {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, peer := range iface.Peers {
		b.WriteString("\n[Peer]\n")
		if peer.Name != "" {
			fmt.Fprintf(&b, "# %s\n", peer.Name)
		}
		fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
		if peer.PresharedKey != nil {
			fmt.Fprintf(&b, "PresharedKey = %s\n", *peer.PresharedKey)
		}
		if peer.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", peer.Endpoint)
		}
		if len(peer.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", joinIPNets(peer.AllowedIPs))
		}
		if peer.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", int(time.Duration(peer.PersistentKeepalive)/time.Second))
		}
	}
	return b.Bytes()
}

func joinIPNets(ipNets []IPNet) string {
	ss := make([]string, len(ipNets))
	for i, ipNet := range ipNets {
		ss[i] = ipNet.String()
	}
	return strings.Join(ss, ", ")
}

// ParseConfig parses a wg-quick(8) configuration.
// Unknown [Interface] keys are kept in Interface.Extra; unknown [Peer] keys are ignored.
// The first comment inside a [Peer] section is used as the peer's name.
func ParseConfig(name string, data []byte) (Interface, error) {
	iface := Interface{Name: name}
	var (
		section      string
		sawInterface bool
		sawKey       bool
		peer         *InterfacePeer
	)
	flush := func() {
		if peer != nil {
			iface.Peers = append(iface.Peers, *peer)
			peer = nil
		}
	}
	s := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "["):
			flush()
			switch strings.ToLower(line) {
			case "[interface]":
				if sawInterface {
					return Interface{}, fmt.Errorf("line %d: duplicate [Interface] section", lineNo)
				}
				sawInterface = true
				section = "interface"
			case "[peer]":
				section = "peer"
				peer = new(InterfacePeer)
			default:
				return Interface{}, fmt.Errorf("line %d: unknown section %s", lineNo, line)
			}
			continue
		case strings.HasPrefix(line, "#"):
			if section == "peer" && peer.Name == "" {
				peer.Name = parsePeerName(strings.TrimPrefix(line, "#"))
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Interface{}, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		var err error
		switch section {
		case "interface":
			err = parseInterfaceKey(&iface, key, value, &sawKey)
		case "peer":
			err = parsePeerKey(peer, key, value)
		default:
			return Interface{}, fmt.Errorf("line %d: key %s outside of a section", lineNo, key)
		}
		if err != nil {
			return Interface{}, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}
	}
	if err := s.Err(); err != nil {
		return Interface{}, err
	}
	flush()
	if !sawInterface {
		return Interface{}, errors.New("no [Interface] section")
	}
	if !sawKey {
		return Interface{}, errors.New("[Interface] has no PrivateKey")
	}
	for i, peer := range iface.Peers {
		if peer.PublicKey == (Key{}) {
			return Interface{}, fmt.Errorf("peer %d (%s) has no PublicKey", i, peer.Name)
		}
	}
	return iface, nil
}

// parsePeerName strips a trailing bracketed annotation, e.g. "alice [2024-01-01]" is "alice".
func parsePeerName(comment string) string {
	name, _, _ := strings.Cut(comment, "[")
	return strings.TrimSpace(name)
}

func parseInterfaceKey(iface *Interface, key, value string, sawKey *bool) (err error) {
	switch strings.ToLower(key) {
	case "privatekey":
		iface.PrivateKey, err = ParseKey(value)
		*sawKey = err == nil
	case "address":
		var addrs []IPNet
		addrs, err = parseIPNetList(value)
		iface.Addresses = append(iface.Addresses, addrs...)
	case "listenport":
		iface.ListenPort, err = strconv.Atoi(value)
	case "mtu":
		iface.MTU, err = strconv.Atoi(value)
	case "dns":
		for _, s := range strings.Split(value, ",") {
			iface.DNS = append(iface.DNS, strings.TrimSpace(s))
		}
	default:
		iface.Extra = append(iface.Extra, fmt.Sprintf("%s = %s", key, value))
	}
	return
}

func parsePeerKey(peer *InterfacePeer, key, value string) (err error) {
	switch strings.ToLower(key) {
	case "publickey":
		peer.PublicKey, err = ParseKey(value)
	case "presharedkey":
		var k Key
		k, err = ParseKey(value)
		peer.PresharedKey = &k
	case "endpoint":
		peer.Endpoint = value
	case "allowedips":
		var ips []IPNet
		ips, err = parseIPNetList(value)
		peer.AllowedIPs = append(peer.AllowedIPs, ips...)
	case "persistentkeepalive":
		if value == "off" {
			return nil
		}
		var secs int
		secs, err = strconv.Atoi(value)
		peer.PersistentKeepalive = Duration(time.Duration(secs) * time.Second)
	}
	return
}

func parseIPNetList(value string) ([]IPNet, error) {
	var result []IPNet
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ipNet, err := ParseIPNet(s)
		if err != nil {
			return nil, err
		}
		result = append(result, ipNet)
	}
	return result, nil
}
