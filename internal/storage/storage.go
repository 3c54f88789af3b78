// Package storage remembers which source address was handed to which host.
package storage

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Store maps hostnames to the source address assigned to them.
type Store interface {
	Close() error
	Lookup(host string) (netip.Addr, bool, error)
	Assign(host string, addr netip.Addr) error
}

// Options controls retention characteristics for concrete store implementations.
type Options struct {
	AddressTTL      time.Duration
	CleanupInterval time.Duration

	RedisPassword string
	RedisDB       int
}

const (
	defaultAddressTTL      = 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// NewStore creates the configured storage backend. path is the bbolt file
// for "bbolt" and the server address for "redis".
func NewStore(typ, path string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))
	opts = normalizeOptions(opts)

	switch typ {
	case "none", "disabled":
		return noopStore{}, nil
	case "", "memory":
		return newMemoryStore(opts), nil
	case "bbolt":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path, opts)
	case "redis":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("redis storage requires an address")
		}
		return openRedis(path, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

func normalizeOptions(opts Options) Options {
	if opts.AddressTTL <= 0 {
		opts.AddressTTL = defaultAddressTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	return opts
}

// hostKey normalizes a hostname for use as a store key.
func hostKey(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

type noopStore struct{}

func (noopStore) Close() error                            { return nil }
func (noopStore) Lookup(string) (netip.Addr, bool, error) { return netip.Addr{}, false, nil }
func (noopStore) Assign(string, netip.Addr) error         { return nil }
