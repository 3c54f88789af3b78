package forward

import (
	"fmt"
	"net/netip"
	"strings"
)

// AccessList restricts which client addresses may use a forward listener.
// An empty list allows everyone.
type AccessList struct {
	v4  []netip.Prefix
	v6  []netip.Prefix
	ips map[netip.Addr]struct{}
}

// NewAccessList parses IPv4 prefixes, IPv6 prefixes and single addresses.
func NewAccessList(v4, v6, ips []string) (*AccessList, error) {
	a := &AccessList{ips: make(map[netip.Addr]struct{})}
	for _, raw := range v4 {
		p, err := parsePrefix(raw, true)
		if err != nil {
			return nil, err
		}
		if p.IsValid() {
			a.v4 = append(a.v4, p)
		}
	}
	for _, raw := range v6 {
		p, err := parsePrefix(raw, false)
		if err != nil {
			return nil, err
		}
		if p.IsValid() {
			a.v6 = append(a.v6, p)
		}
	}
	for _, raw := range ips {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("parse allowed ip %q: %w", raw, err)
		}
		a.ips[ip.Unmap()] = struct{}{}
	}
	return a, nil
}

func parsePrefix(raw string, wantV4 bool) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse subnet %q: %w", raw, err)
	}
	if p.Addr().Is4() != wantV4 {
		family := "IPv6"
		if wantV4 {
			family = "IPv4"
		}
		return netip.Prefix{}, fmt.Errorf("subnet %q is not %s", raw, family)
	}
	return p.Masked(), nil
}

// Empty reports whether no restriction is configured.
func (a *AccessList) Empty() bool {
	return a == nil || (len(a.v4) == 0 && len(a.v6) == 0 && len(a.ips) == 0)
}

// Allows reports whether ip may connect.
func (a *AccessList) Allows(ip netip.Addr) bool {
	if a.Empty() {
		return true
	}
	ip = ip.Unmap()
	if _, ok := a.ips[ip]; ok {
		return true
	}
	prefixes := a.v6
	if ip.Is4() {
		prefixes = a.v4
	}
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
