package storage

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "ipv6pool:host:"
	redisOpTimeout = 2 * time.Second
)

// redisStore shares assignments between proxy instances.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func openRedis(addr string, opts Options) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &redisStore{client: client, ttl: opts.AddressTTL}, nil
}

func (r *redisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *redisStore) Lookup(host string) (netip.Addr, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, redisKeyPrefix+hostKey(host)).Result()
	if errors.Is(err, redis.Nil) {
		return netip.Addr{}, false, nil
	}
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("redis get: %w", err)
	}
	addr, err := netip.ParseAddr(val)
	if err != nil {
		// unreadable entries are treated as absent and overwritten on Assign
		return netip.Addr{}, false, nil
	}
	return addr, true, nil
}

func (r *redisStore) Assign(host string, addr netip.Addr) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, redisKeyPrefix+hostKey(host), addr.String(), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
