package goal

// ClientConfig is the gateway as seen from its clients.
type ClientConfig struct {
	// ServerName is written as the name of the gateway's [Peer].
	ServerName      string
	ServerPublicKey Key
	// Endpoint is the gateway's public host:port.
	Endpoint            string
	DNS                 []string
	MTU                 int
	PersistentKeepalive Duration
	// AllowedIPs routed through the tunnel. Defaults to everything.
	AllowedIPs []IPNet
	// Extra is copied into the client's [Interface], e.g. AmneziaWG junk packet parameters which must match the gateway.
	Extra []string
}

// ClientInterface returns the interface a client with the given keys and addresses should configure.
func (cc ClientConfig) ClientInterface(name string, privateKey Key, presharedKey *Key, addresses []IPNet) Interface {
	allowedIPs := cc.AllowedIPs
	if len(allowedIPs) == 0 {
		allowedIPs = []IPNet{mustParseIPNet("0.0.0.0/0"), mustParseIPNet("::/0")}
	}
	return Interface{
		Name:       name,
		PrivateKey: privateKey,
		Addresses:  addresses,
		MTU:        cc.MTU,
		DNS:        cc.DNS,
		Extra:      cc.Extra,
		Peers: []InterfacePeer{{
			Name:                cc.ServerName,
			PublicKey:           cc.ServerPublicKey,
			PresharedKey:        presharedKey,
			Endpoint:            cc.Endpoint,
			PersistentKeepalive: cc.PersistentKeepalive,
			AllowedIPs:          allowedIPs,
		}},
	}
}

// MarshalClientConfig renders the wg-quick configuration handed to a client.
func MarshalClientConfig(cc ClientConfig, name string, privateKey Key, presharedKey *Key, addresses []IPNet) []byte {
	return MarshalConfig(cc.ClientInterface(name, privateKey, presharedKey, addresses))
}

func mustParseIPNet(s string) IPNet {
	ipNet, err := ParseIPNet(s)
	if err != nil {
		panic(err)
	}
	return ipNet
}
