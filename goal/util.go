package goal

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// IPNet is an address with its prefix length. Unlike net.ParseCIDR's network, the host part is kept.
type IPNet net.IPNet

// ParseIPNet parses s ("10.8.1.1/24") keeping the host part of the address.
func ParseIPNet(s string) (IPNet, error) {
	ip, in, err := net.ParseCIDR(s)
	if err != nil {
		return IPNet{}, fmt.Errorf("parsing CIDR: %w", err)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return IPNet{IP: ip, Mask: in.Mask}, nil
}

// IPNetFromPrefix converts a netip.Prefix.
func IPNetFromPrefix(p netip.Prefix) IPNet {
	return IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func (in IPNet) String() string {
	return (*net.IPNet)(&in).String()
}

func (in *IPNet) UnmarshalJSON(data []byte) error {
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	in2, err := ParseIPNet(s)
	if err != nil {
		return err
	}
	*in = in2
	return nil
}

func (in IPNet) MarshalJSON() ([]byte, error) {
	return json.Marshal(in.String())
}

func ipNetEqual(a, b IPNet) bool {
	return a.IP.Equal(b.IP) && bytes.Equal(a.Mask, b.Mask)
}

func ipNetUtilToStd(s []IPNet) []net.IPNet {
	s2 := make([]net.IPNet, len(s))
	for i := range s {
		s2[i] = net.IPNet(s[i])
	}
	return s2
}

// setDifference returns the elements of a that are not in b, in a's order.
func setDifference(a, b []IPNet) []IPNet {
	result := make([]IPNet, 0, len(a))
outer:
	for _, x := range a {
		for _, y := range b {
			if ipNetEqual(x, y) {
				continue outer
			}
		}
		result = append(result, x)
	}
	return result
}

type Key wgtypes.Key

// ParseKey parses a base64-encoded key.
func ParseKey(s string) (Key, error) {
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return Key{}, err
	}
	return Key(k), nil
}

func (k Key) String() string {
	return wgtypes.Key(k).String()
}

// PublicKey returns the public key of k, which must be a private key.
func (k Key) PublicKey() Key {
	return Key(wgtypes.Key(k).PublicKey())
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	k2, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(k2) != len(k) {
		return fmt.Errorf("key length must be %d but was %d", len(k), len(k2))
	}
	*k = Key(k2)
	return nil
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(wgtypes.Key(k).String())
}
