package store

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	goipam "github.com/metal-stack/go-ipam"
	"go.uber.org/zap"

	"github.com/nyiyui/wgledger/errkind"
)

// Family selects which address families a client is assigned.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
	FamilyDual Family = "dual"
)

func (f Family) Valid() bool {
	switch f {
	case FamilyIPv4, FamilyIPv6, FamilyDual:
		return true
	}
	return false
}

// Pool hands out single-address prefixes from the gateway's IPv4 and IPv6 client networks.
type Pool struct {
	ipamer goipam.Ipamer
	v4, v6 string
}

// NewPool creates the client networks v4 and v6 in ipamer (either may be empty) and reserves the reserved addresses,
// typically the gateway's own.
func NewPool(ctx context.Context, ipamer goipam.Ipamer, v4, v6 string, reserved []netip.Addr) (*Pool, error) {
	p := &Pool{ipamer: ipamer, v4: v4, v6: v6}
	for _, cidr := range []string{v4, v6} {
		if cidr == "" {
			continue
		}
		_, err := ipamer.PrefixFrom(ctx, cidr)
		if errors.Is(err, goipam.ErrNotFound) {
			zap.S().Debugf("creating prefix %s.", cidr)
			_, err = ipamer.NewPrefix(ctx, cidr)
		}
		if err != nil {
			return nil, fmt.Errorf("prefix %s: %w", cidr, err)
		}
	}
	for _, addr := range reserved {
		err := p.reserve(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("reserving %s: %w", addr, err)
		}
	}
	return p, nil
}

func (p *Pool) cidrFor(addr netip.Addr) (string, error) {
	cidr := p.v4
	if addr.Is6() && !addr.Is4In6() {
		cidr = p.v6
	}
	if cidr == "" {
		return "", fmt.Errorf("no pool for %s", addr)
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", err
	}
	if !prefix.Contains(addr) {
		return "", fmt.Errorf("%s is outside of %s", addr, cidr)
	}
	return cidr, nil
}

// reserve marks addr as used. Addresses outside of the pool and addresses already in use are ignored.
func (p *Pool) reserve(ctx context.Context, addr netip.Addr) error {
	cidr, err := p.cidrFor(addr)
	if err != nil {
		zap.S().Debugf("not reserving %s: %s", addr, err)
		return nil
	}
	_, err = p.ipamer.AcquireSpecificIP(ctx, cidr, addr.String())
	if errors.Is(err, goipam.ErrAlreadyAllocated) {
		return nil
	}
	return err
}

// Acquire allocates one address per family in f. On failure nothing stays allocated.
func (p *Pool) Acquire(ctx context.Context, f Family) (prefixes []netip.Prefix, err error) {
	var cidrs []string
	switch f {
	case FamilyIPv4:
		cidrs = []string{p.v4}
	case FamilyIPv6:
		cidrs = []string{p.v6}
	case FamilyDual:
		cidrs = []string{p.v4, p.v6}
	default:
		return nil, errkind.New(errkind.InvalidState, "acquire address", "unknown address family %q", f)
	}
	defer func() {
		if err != nil {
			p.Release(ctx, prefixes)
			prefixes = nil
		}
	}()
	for _, cidr := range cidrs {
		if cidr == "" {
			return prefixes, errkind.New(errkind.InvalidState, "acquire address", "no %s pool configured", f)
		}
		var ip *goipam.IP
		ip, err = p.ipamer.AcquireIP(ctx, cidr)
		if err != nil {
			return prefixes, fmt.Errorf("acquire address from %s: %w", cidr, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(ip.IP, ip.IP.BitLen()))
	}
	return prefixes, nil
}

// Release returns the addresses of prefixes to the pool. Errors are logged.
func (p *Pool) Release(ctx context.Context, prefixes []netip.Prefix) {
	for _, prefix := range prefixes {
		cidr, err := p.cidrFor(prefix.Addr())
		if err != nil {
			zap.S().Infof("release %s: %s", prefix, err)
			continue
		}
		err = p.ipamer.ReleaseIPFromPrefix(ctx, cidr, prefix.Addr().String())
		if err != nil && !errors.Is(err, goipam.ErrNotFound) {
			zap.S().Infof("release %s: %s", prefix, err)
		}
	}
}
