package storage

import (
	"net/netip"

	"github.com/patrickmn/go-cache"
)

// memoryStore keeps assignments in process memory with a TTL.
type memoryStore struct {
	cache *cache.Cache
}

func newMemoryStore(opts Options) *memoryStore {
	return &memoryStore{cache: cache.New(opts.AddressTTL, opts.CleanupInterval)}
}

func (m *memoryStore) Close() error {
	m.cache.Flush()
	return nil
}

func (m *memoryStore) Lookup(host string) (netip.Addr, bool, error) {
	v, ok := m.cache.Get(hostKey(host))
	if !ok {
		return netip.Addr{}, false, nil
	}
	addr, ok := v.(netip.Addr)
	return addr, ok, nil
}

func (m *memoryStore) Assign(host string, addr netip.Addr) error {
	m.cache.SetDefault(hostKey(host), addr)
	return nil
}
