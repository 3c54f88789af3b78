package storage

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	addressBucket    = "addresses"
	expiryValueBytes = 8
	entryValueBytes  = expiryValueBytes + 16
)

// boltStore implements a Store backed by BoltDB.
type boltStore struct {
	db              *bolt.DB
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	addressTTL      time.Duration
	cleanupInterval time.Duration
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string, opts Options) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(addressBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	store := &boltStore{
		db:              db,
		addressTTL:      opts.AddressTTL,
		cleanupInterval: opts.CleanupInterval,
	}
	store.lastCleanup.Store(time.Now().Unix())
	return store, nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Lookup returns the unexpired address assigned to host.
func (b *boltStore) Lookup(host string) (netip.Addr, bool, error) {
	if b == nil || b.db == nil {
		return netip.Addr{}, false, nil
	}

	now := time.Now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return netip.Addr{}, false, err
	}

	var (
		addr  netip.Addr
		found bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(addressBucket))
		if bucket == nil {
			return fmt.Errorf("address bucket missing")
		}

		key := []byte(hostKey(host))
		value := bucket.Get(key)
		if value == nil {
			return nil
		}

		expiry, stored, ok := decodeEntry(value)
		if !ok || !expiry.After(now) {
			return bucket.Delete(key)
		}

		addr, found = stored, true
		return nil
	})
	return addr, found, err
}

// Assign records addr for host until the TTL elapses.
func (b *boltStore) Assign(host string, addr netip.Addr) error {
	if b == nil || b.db == nil {
		return nil
	}

	now := time.Now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(addressBucket))
		if bucket == nil {
			return fmt.Errorf("address bucket missing")
		}
		return bucket.Put([]byte(hostKey(host)), encodeEntry(now.Add(b.addressTTL), addr))
	})
}

// maybeCleanupExpired removes expired assignments on a fixed cadence to avoid unbounded growth.
func (b *boltStore) maybeCleanupExpired(now time.Time) error {
	if b == nil || b.db == nil {
		return nil
	}

	last := time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()

	last = time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(addressBucket))
		if bucket == nil {
			return fmt.Errorf("address bucket missing")
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			expiry, _, ok := decodeEntry(v)
			if !ok || !expiry.After(now) {
				if err := cursor.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		b.lastCleanup.Store(now.Unix())
	}
	return err
}

// encodeEntry lays out a value as big-endian unix expiry followed by the
// 16-byte address.
func encodeEntry(expiry time.Time, addr netip.Addr) []byte {
	buf := make([]byte, entryValueBytes)
	binary.BigEndian.PutUint64(buf, uint64(expiry.Unix()))
	a16 := addr.As16()
	copy(buf[expiryValueBytes:], a16[:])
	return buf
}

// decodeEntry decodes the expiry time and address from the stored byte slice.
func decodeEntry(value []byte) (time.Time, netip.Addr, bool) {
	if len(value) != entryValueBytes {
		return time.Time{}, netip.Addr{}, false
	}
	unix := int64(binary.BigEndian.Uint64(value))
	if unix <= 0 {
		return time.Time{}, netip.Addr{}, false
	}
	var a16 [16]byte
	copy(a16[:], value[expiryValueBytes:])
	return time.Unix(unix, 0), netip.AddrFrom16(a16).Unmap(), true
}
