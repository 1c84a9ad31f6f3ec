package goal

import (
	"slices"
)

type ChangeOp int

const (
	ChangeOpNoChange ChangeOp = iota
	ChangeOpAdd
	ChangeOpRemove
)

type Change[T any] struct {
	Op    ChangeOp
	Value T
}

type InterfaceDiff struct {
	PrivateKeyChanged bool
	ListenPortChanged bool
	MTUChanged        bool
	DNSChanged        bool
	ExtraChanged      bool
	AddressesAdded    []IPNet
	AddressesRemoved  []IPNet
	PeersAdded        []InterfacePeer
	PeersRemoved      []InterfacePeer
	// PeersChanged lists the names of peers present in both interfaces with different settings.
	PeersChanged []string
}

// NoChange reports whether the diff is empty.
func (id InterfaceDiff) NoChange() bool {
	return !id.PrivateKeyChanged && !id.ListenPortChanged && !id.MTUChanged && !id.DNSChanged && !id.ExtraChanged &&
		len(id.AddressesAdded) == 0 && len(id.AddressesRemoved) == 0 &&
		len(id.PeersAdded) == 0 && len(id.PeersRemoved) == 0 && len(id.PeersChanged) == 0
}

// DiffInterface returns the changes needed to go from a to b.
// Peers are matched by name.
func DiffInterface(a, b *Interface) InterfaceDiff {
	id := InterfaceDiff{
		PrivateKeyChanged: a.PrivateKey != b.PrivateKey,
		ListenPortChanged: a.ListenPort != b.ListenPort,
		MTUChanged:        a.MTU != b.MTU,
		DNSChanged:        !slices.Equal(a.DNS, b.DNS),
		ExtraChanged:      !slices.Equal(a.Extra, b.Extra),
		AddressesAdded:    setDifference(b.Addresses, a.Addresses),
		AddressesRemoved:  setDifference(a.Addresses, b.Addresses),
	}
	for _, peerA := range a.Peers {
		i := slices.IndexFunc(b.Peers, func(peer InterfacePeer) bool { return peer.Name == peerA.Name })
		if i == -1 {
			id.PeersRemoved = append(id.PeersRemoved, peerA)
			continue
		}
		if !DiffInterfacePeer(&peerA, &b.Peers[i]).NoChange() {
			id.PeersChanged = append(id.PeersChanged, peerA.Name)
		}
	}
	for _, peerB := range b.Peers {
		if !slices.ContainsFunc(a.Peers, func(peer InterfacePeer) bool { return peer.Name == peerB.Name }) {
			id.PeersAdded = append(id.PeersAdded, peerB)
		}
	}
	return id
}

type InterfacePeerDiff struct {
	PublicKeyChanged           bool
	PresharedKeyChanged        bool
	EndpointChanged            bool
	PersistentKeepaliveChanged bool
	AllowedIPsChanged          []Change[IPNet]
	// AllowedIPsNoChange is true if every change in AllowedIPsChanged is ChangeOpNoChange.
	AllowedIPsNoChange bool
}

func (pd InterfacePeerDiff) NoChange() bool {
	return !pd.PublicKeyChanged && !pd.PresharedKeyChanged && !pd.EndpointChanged && !pd.PersistentKeepaliveChanged && pd.AllowedIPsNoChange
}

func DiffInterfacePeer(a, b *InterfacePeer) InterfacePeerDiff {
	pd := InterfacePeerDiff{
		PublicKeyChanged:           a.PublicKey != b.PublicKey,
		PresharedKeyChanged:        !keyPtrEqual(a.PresharedKey, b.PresharedKey),
		EndpointChanged:            a.Endpoint != b.Endpoint,
		PersistentKeepaliveChanged: a.PersistentKeepalive != b.PersistentKeepalive,
		AllowedIPsNoChange:         true,
	}
	for _, ip := range a.AllowedIPs {
		if slices.ContainsFunc(b.AllowedIPs, func(ip2 IPNet) bool { return ipNetEqual(ip, ip2) }) {
			pd.AllowedIPsChanged = append(pd.AllowedIPsChanged, Change[IPNet]{ChangeOpNoChange, ip})
		} else {
			pd.AllowedIPsChanged = append(pd.AllowedIPsChanged, Change[IPNet]{ChangeOpRemove, ip})
			pd.AllowedIPsNoChange = false
		}
	}
	for _, ip := range setDifference(b.AllowedIPs, a.AllowedIPs) {
		pd.AllowedIPsChanged = append(pd.AllowedIPsChanged, Change[IPNet]{ChangeOpAdd, ip})
		pd.AllowedIPsNoChange = false
	}
	return pd
}

func keyPtrEqual(a, b *Key) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
