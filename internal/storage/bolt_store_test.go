package storage

import (
	"net/netip"
	"testing"
	"time"
)

func TestBoltStoreAssignsAndExpiresAddresses(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		AddressTTL:      1 * time.Second,
		CleanupInterval: 1 * time.Second,
	}

	storeRaw, err := openBolt(dir+"/addresses.db", opts)
	if err != nil {
		t.Fatalf("openBolt: %v", err)
	}
	store := storeRaw.(*boltStore)
	defer store.Close()

	if _, found, err := store.Lookup("example.com"); err != nil || found {
		t.Fatalf("expected no assignment, found=%v err=%v", found, err)
	}

	want := netip.MustParseAddr("2001:db8::1234")
	if err := store.Assign("Example.COM", want); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	got, found, err := store.Lookup("example.com")
	if err != nil || !found || got != want {
		t.Fatalf("Lookup = %v, %v, %v", got, found, err)
	}

	// Fast-forward cleanup cadence and trigger expiry.
	store.lastCleanup.Store(time.Now().Add(-2 * time.Second).Unix())
	time.Sleep(1100 * time.Millisecond)

	if _, found, err = store.Lookup("example.com"); err != nil {
		t.Fatalf("Lookup after expiry: %v", err)
	}
	if found {
		t.Fatalf("expected entry to expire and be removed")
	}
}

func TestBoltStoreKeepsIPv4Addresses(t *testing.T) {
	storeRaw, err := openBolt(t.TempDir()+"/addresses.db", Options{AddressTTL: time.Hour, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatalf("openBolt: %v", err)
	}
	defer storeRaw.Close()

	want := netip.MustParseAddr("192.0.2.7")
	if err := storeRaw.Assign("v4.example", want); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	got, found, _ := storeRaw.Lookup("v4.example")
	if !found || got != want {
		t.Fatalf("Lookup = %v, %v", got, found)
	}
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	if _, _, ok := decodeEntry([]byte("short")); ok {
		t.Fatalf("short value accepted")
	}
	if _, _, ok := decodeEntry(make([]byte, entryValueBytes)); ok {
		t.Fatalf("zero expiry accepted")
	}
}

func TestMemoryStoreAssigns(t *testing.T) {
	store, err := NewStore("memory", "", Options{})
	if err != nil {
		t.Fatalf("NewStore memory: %v", err)
	}
	defer store.Close()

	addr := netip.MustParseAddr("2001:db8::1")
	if err := store.Assign("Host", addr); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	got, found, err := store.Lookup("host")
	if err != nil || !found || got != addr {
		t.Fatalf("Lookup = %v, %v, %v", got, found, err)
	}
}

func TestNewStoreSupportsNoop(t *testing.T) {
	store, err := NewStore("none", "", Options{})
	if err != nil {
		t.Fatalf("NewStore none: %v", err)
	}
	if err := store.Assign("x", netip.MustParseAddr("2001:db8::1")); err != nil {
		t.Fatalf("noop store Assign: %v", err)
	}
	if _, found, _ := store.Lookup("x"); found {
		t.Fatalf("noop store should never remember")
	}
}

func TestNewStoreRejectsUnknownAndIncomplete(t *testing.T) {
	if _, err := NewStore("cassandra", "", Options{}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := NewStore("bbolt", " ", Options{}); err == nil {
		t.Fatalf("expected error for missing bbolt path")
	}
	if _, err := NewStore("redis", "", Options{}); err == nil {
		t.Fatalf("expected error for missing redis address")
	}
}
