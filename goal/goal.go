// Package goal describes the desired state of a WireGuard interface and applies it.
//
// An Interface is rendered as a wg-quick(8) compatible file by MarshalConfig and read back by ParseConfig.
// The same type describes the gateway's own interface and the client-side configuration handed to each client.
package goal

type Interface struct {
	Name string

	PrivateKey Key

	// ListenPort is the device's listening port. Set to 0 for nothing.
	ListenPort int

	Addresses []IPNet

	// MTU is the link MTU. Set to 0 to let the system decide.
	MTU int

	// DNS is only meaningful for client-side configurations.
	DNS []string

	// Extra holds additional [Interface] lines (e.g. "PostUp = ..." or AmneziaWG "Jc = 4") in order.
	Extra []string

	Peers []InterfacePeer
}

type InterfacePeer struct {
	// Name is written as a comment above the peer's keys.
	Name string

	PublicKey Key

	PresharedKey *Key

	// Endpoint as a string that will be looked up.
	// Set to an empty string for nothing.
	Endpoint string

	// PersistentKeepalive specifies how often a packet is sent to keep a connection alive.
	// Set to 0 to disable persistent keepalive.
	PersistentKeepalive Duration

	AllowedIPs []IPNet
}

// Equal reports whether a and b would render to the same configuration.
func (a *Interface) Equal(b *Interface) bool {
	if a.Name != b.Name {
		return false
	}
	return DiffInterface(a, b).NoChange()
}
