// Package addrpool hands out random source addresses from an IPv6 prefix,
// keeping one stable address per destination host.
package addrpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strings"
	"sync"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/storage"
)

var ErrNotIPv6 = errors.New("addrpool: prefix must be an IPv6 network")

// Pool is safe for concurrent use. Assignments for one host are
// serialized; different hosts never wait on each other's store I/O.
type Pool struct {
	prefix netip.Prefix
	store  storage.Store
	rand   func() uint64

	mu    sync.Mutex
	hosts map[string]*hostLock
}

type hostLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a pool over prefix. A nil store never remembers assignments.
func New(prefix netip.Prefix, store storage.Store) (*Pool, error) {
	if !prefix.IsValid() || !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
		return nil, ErrNotIPv6
	}
	if prefix.Bits() < 1 {
		return nil, fmt.Errorf("addrpool: prefix length %d out of range", prefix.Bits())
	}
	return &Pool{prefix: prefix.Masked(), store: store, rand: rand.Uint64, hosts: make(map[string]*hostLock)}, nil
}

// Parse parses cidr (e.g. "2001:db8::/64") and returns a pool over it.
func Parse(cidr string, store storage.Store) (*Pool, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return nil, fmt.Errorf("invalid IPv6 subnet %q: %w", cidr, err)
	}
	return New(prefix, store)
}

// Prefix returns the masked network the pool draws from.
func (p *Pool) Prefix() netip.Prefix { return p.prefix }

// Random returns a fresh address inside the prefix without recording it.
func (p *Pool) Random() netip.Addr {
	net16 := p.prefix.Addr().As16()
	var host [16]byte
	binary.BigEndian.PutUint64(host[:8], p.rand())
	binary.BigEndian.PutUint64(host[8:], p.rand())

	bits := p.prefix.Bits()
	var out [16]byte
	for i := 0; i < 16; i++ {
		mask := prefixMask(bits, i)
		out[i] = net16[i]&mask | host[i]&^mask
	}
	return netip.AddrFrom16(out)
}

// prefixMask returns the network mask byte at index i for a prefix of
// bits length.
func prefixMask(bits, i int) byte {
	switch {
	case bits >= (i+1)*8:
		return 0xff
	case bits <= i*8:
		return 0
	default:
		return ^byte(0xff >> uint(bits-i*8))
	}
}

// AddressFor returns the address assigned to host, drawing and recording
// a new one when none is stored. fresh reports whether it was just drawn.
func (p *Pool) AddressFor(host string) (addr netip.Addr, fresh bool, err error) {
	host = strings.ToLower(strings.TrimSpace(host))

	unlock := p.lockHost(host)
	defer unlock()

	if p.store != nil {
		stored, found, err := p.store.Lookup(host)
		if err != nil {
			return netip.Addr{}, false, fmt.Errorf("lookup address for %q: %w", host, err)
		}
		if found && p.prefix.Contains(stored) {
			return stored, false, nil
		}
	}

	addr = p.Random()
	if p.store != nil {
		if err := p.store.Assign(host, addr); err != nil {
			return netip.Addr{}, false, fmt.Errorf("assign address for %q: %w", host, err)
		}
	}
	return addr, true, nil
}

// lockHost locks host and returns the matching unlock.
func (p *Pool) lockHost(host string) func() {
	p.mu.Lock()
	l := p.hosts[host]
	if l == nil {
		l = &hostLock{}
		p.hosts[host] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(p.hosts, host)
		}
		p.mu.Unlock()
	}
}
