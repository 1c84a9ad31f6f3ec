// Package config loads the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nyiyui/wgledger/goal"
	"github.com/nyiyui/wgledger/util"
)

type ApplierMode string

const (
	ApplierWGQuick ApplierMode = "wg-quick"
	ApplierDocker  ApplierMode = "docker"
	ApplierNetlink ApplierMode = "netlink"
)

type ProbeSource string

const (
	ProbeNone   ProbeSource = "none"
	ProbeWGCtrl ProbeSource = "wgctrl"
	ProbeDocker ProbeSource = "docker"
)

type Config struct {
	Interface Interface `yaml:"interface"`
	Pools     Pools     `yaml:"pools"`
	// StateDir holds the ledgers, the address pool and the interface configuration.
	// Defaults to $STATE_DIRECTORY.
	StateDir string   `yaml:"stateDir"`
	Applier  Applier  `yaml:"applier"`
	Probe    Probe    `yaml:"probe"`
	DNS      DNS      `yaml:"dns"`
	HTTP     HTTP     `yaml:"http"`
	Artifact Artifact `yaml:"artifact"`
	// SweepInterval is how often expiry and quotas are enforced.
	SweepInterval goal.Duration `yaml:"sweepInterval"`
}

type Interface struct {
	Name       string `yaml:"name"`
	ListenPort int    `yaml:"listenPort"`
	// PrivateKey is base64. PrivateKeyPath is read if PrivateKey is empty.
	PrivateKey     string   `yaml:"privateKey"`
	PrivateKeyPath string   `yaml:"privateKeyPath"`
	Addresses      []string `yaml:"addresses"`
	MTU            int      `yaml:"mtu"`
	Extra          []string `yaml:"extra"`
}

// Pools are the networks client addresses are taken from. Either may be empty.
type Pools struct {
	IPv4 string `yaml:"ipv4"`
	IPv6 string `yaml:"ipv6"`
}

type Applier struct {
	Mode ApplierMode `yaml:"mode"`
	// Command is the wg-quick binary, e.g. "awg-quick".
	Command string `yaml:"command"`
	// Container and ContainerPath are used in docker mode.
	Container     string `yaml:"container"`
	ContainerPath string `yaml:"containerPath"`
}

type Probe struct {
	Source ProbeSource `yaml:"source"`
	// Command is the wg binary inside the container in docker mode, e.g. "awg".
	Command  string        `yaml:"command"`
	Interval goal.Duration `yaml:"interval"`
}

type DNS struct {
	// Listen is the UDP address to answer on. Empty disables DNS.
	Listen string        `yaml:"listen"`
	Suffix string        `yaml:"suffix"`
	TTL    goal.Duration `yaml:"ttl"`
}

type HTTP struct {
	Listen      string           `yaml:"listen"`
	TokenHashes []util.TokenHash `yaml:"tokenHashes"`
}

// Artifact describes the gateway in the configurations handed to clients.
type Artifact struct {
	ServerName          string        `yaml:"serverName"`
	Endpoint            string        `yaml:"endpoint"`
	DNS                 []string      `yaml:"dns"`
	MTU                 int           `yaml:"mtu"`
	PersistentKeepalive goal.Duration `yaml:"persistentKeepalive"`
	AllowedIPs          []string      `yaml:"allowedIPs"`
	Extra               []string      `yaml:"extra"`
}

var interfaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_=+.-]{1,15}$`)

func Default() Config {
	return Config{
		Interface: Interface{
			Name:       "wg0",
			ListenPort: 51820,
		},
		StateDir: os.Getenv("STATE_DIRECTORY"),
		Applier:  Applier{Mode: ApplierWGQuick},
		Probe: Probe{
			Source:   ProbeWGCtrl,
			Interval: goal.Duration(time.Minute),
		},
		DNS: DNS{
			Suffix: ".wg.internal",
			TTL:    goal.Duration(time.Minute),
		},
		HTTP:          HTTP{Listen: "127.0.0.1:8080"},
		Artifact:      Artifact{ServerName: "gateway"},
		SweepInterval: goal.Duration(time.Minute),
	}
}

// Load reads the file at path over Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading failed: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	c := Default()
	err := yaml.Unmarshal(data, &c)
	if err != nil {
		return Config{}, fmt.Errorf("parsing failed: %w", err)
	}
	err = c.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("validation failed: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if !interfaceNamePattern.MatchString(c.Interface.Name) {
		return fmt.Errorf("interface.name: invalid name %q", c.Interface.Name)
	}
	if c.Interface.PrivateKey == "" && c.Interface.PrivateKeyPath == "" {
		return errors.New("interface: privateKey or privateKeyPath required")
	}
	if c.Interface.PrivateKey != "" {
		_, err := goal.ParseKey(c.Interface.PrivateKey)
		if err != nil {
			return fmt.Errorf("interface.privateKey: %w", err)
		}
	}
	_, err := parseIPNets(c.Interface.Addresses)
	if err != nil {
		return fmt.Errorf("interface.addresses: %w", err)
	}
	if c.Pools.IPv4 == "" && c.Pools.IPv6 == "" {
		return errors.New("pools: at least one pool required")
	}
	for name, cidr := range map[string]string{"ipv4": c.Pools.IPv4, "ipv6": c.Pools.IPv6} {
		if cidr == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("pools.%s: %w", name, err)
		}
		if (name == "ipv4") != prefix.Addr().Is4() {
			return fmt.Errorf("pools.%s: wrong address family", name)
		}
	}
	if c.StateDir == "" {
		return errors.New("stateDir required")
	}
	switch c.Applier.Mode {
	case ApplierWGQuick, ApplierNetlink:
	case ApplierDocker:
		if c.Applier.Container == "" || c.Applier.ContainerPath == "" {
			return errors.New("applier: docker mode requires container and containerPath")
		}
	default:
		return fmt.Errorf("applier.mode: unknown mode %q", c.Applier.Mode)
	}
	switch c.Probe.Source {
	case ProbeNone, ProbeWGCtrl:
	case ProbeDocker:
		if c.Applier.Container == "" {
			return errors.New("probe: docker source requires applier.container")
		}
	default:
		return fmt.Errorf("probe.source: unknown source %q", c.Probe.Source)
	}
	if c.Probe.Source != ProbeNone && c.Probe.Interval <= 0 {
		return errors.New("probe.interval must be positive")
	}
	if c.DNS.Listen != "" && !strings.HasPrefix(c.DNS.Suffix, ".") {
		return fmt.Errorf("dns.suffix: %q must start with a dot", c.DNS.Suffix)
	}
	if c.HTTP.Listen != "" && len(c.HTTP.TokenHashes) == 0 {
		return errors.New("http: tokenHashes required")
	}
	if c.Artifact.Endpoint == "" {
		return errors.New("artifact.endpoint required")
	}
	_, err = parseIPNets(c.Artifact.AllowedIPs)
	if err != nil {
		return fmt.Errorf("artifact.allowedIPs: %w", err)
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweepInterval must be positive")
	}
	return nil
}

// PrivateKey returns the inline private key, or reads it from PrivateKeyPath.
func (c Config) PrivateKey() (goal.Key, error) {
	s := c.Interface.PrivateKey
	if s == "" {
		data, err := os.ReadFile(c.Interface.PrivateKeyPath)
		if err != nil {
			return goal.Key{}, fmt.Errorf("reading private key: %w", err)
		}
		s = strings.TrimSpace(string(data))
	}
	k, err := goal.ParseKey(s)
	if err != nil {
		return goal.Key{}, fmt.Errorf("parsing private key: %w", err)
	}
	return k, nil
}

// BaseInterface returns the gateway's interface without peers.
func (c Config) BaseInterface() (goal.Interface, error) {
	priv, err := c.PrivateKey()
	if err != nil {
		return goal.Interface{}, err
	}
	addrs, err := parseIPNets(c.Interface.Addresses)
	if err != nil {
		return goal.Interface{}, err
	}
	return goal.Interface{
		Name:       c.Interface.Name,
		PrivateKey: priv,
		ListenPort: c.Interface.ListenPort,
		Addresses:  addrs,
		MTU:        c.Interface.MTU,
		Extra:      c.Interface.Extra,
	}, nil
}

// ClientConfig returns the artifact settings for a gateway with the given public key.
func (c Config) ClientConfig(serverPublicKey goal.Key) (goal.ClientConfig, error) {
	allowedIPs, err := parseIPNets(c.Artifact.AllowedIPs)
	if err != nil {
		return goal.ClientConfig{}, err
	}
	return goal.ClientConfig{
		ServerName:          c.Artifact.ServerName,
		ServerPublicKey:     serverPublicKey,
		Endpoint:            c.Artifact.Endpoint,
		DNS:                 c.Artifact.DNS,
		MTU:                 c.Artifact.MTU,
		PersistentKeepalive: c.Artifact.PersistentKeepalive,
		AllowedIPs:          allowedIPs,
		Extra:               c.Artifact.Extra,
	}, nil
}

// Reserved returns the gateway's own addresses, which are never handed to clients.
func (c Config) Reserved() []netip.Addr {
	var addrs []netip.Addr
	for _, s := range c.Interface.Addresses {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, prefix.Addr())
	}
	return addrs
}

func parseIPNets(ss []string) ([]goal.IPNet, error) {
	ins := make([]goal.IPNet, 0, len(ss))
	for _, s := range ss {
		in, err := goal.ParseIPNet(s)
		if err != nil {
			return nil, err
		}
		ins = append(ins, in)
	}
	return ins, nil
}
