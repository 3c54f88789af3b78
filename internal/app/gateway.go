package app

import (
	"context"
	"fmt"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/addrpool"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/config"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/forward"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/proxy"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/relay"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/storage"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/sysroute"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/publishers"
)

// Gateway is the full runtime: the IPv6 pool proxy plus any configured
// forward listeners, sharing one relay and one set of publishers.
type Gateway struct {
	cfg        *config.Config
	log        logger.Logger
	store      storage.Store
	fanout     *publishers.Fanout
	relay      *relay.Service
	server     *proxy.Server
	forwarders []*forward.Forwarder
}

// NewGateway builds the gateway runtime from cfg.
func NewGateway(ctx context.Context, cfg *config.Config, log logger.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	path := cfg.BBoltPath
	if cfg.StorageType == "redis" {
		path = cfg.RedisAddr
	}
	store, err := storage.NewStore(cfg.StorageType, path, storage.Options{
		AddressTTL:      cfg.AddressTTL,
		CleanupInterval: cfg.StorageCleanupInterval,
		RedisPassword:   cfg.RedisPassword,
		RedisDB:         cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type":                     cfg.StorageType,
		"path":                     path,
		"address_ttl_seconds":      int(cfg.AddressTTL.Seconds()),
		"cleanup_interval_seconds": int(cfg.StorageCleanupInterval.Seconds()),
	})

	pool, err := addrpool.Parse(cfg.IPv6Subnet, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init address pool: %w", err)
	}
	router := sysroute.New(cfg.SystemRoute, cfg.RouteInterface, cfg.RouteGateway, pool.Prefix().Bits(), nil, log)

	fanout, err := loadFanout(ctx, cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc := newRelay(cfg, fanout, log)

	forwarders, err := buildForwarders(cfg, svc, log)
	if err != nil {
		_ = store.Close()
		_ = fanout.Close()
		return nil, err
	}

	log.InfoObj("gateway configured", "gateway_meta", map[string]any{
		"bind":         cfg.Bind,
		"ipv6_subnet":  pool.Prefix().String(),
		"system_route": router.Enabled(),
		"forwards":     len(forwarders),
		"publishers":   fanout.Size(),
	})

	return &Gateway{
		cfg:        cfg,
		log:        log,
		store:      store,
		fanout:     fanout,
		relay:      svc,
		server:     proxy.NewServer(cfg.Bind, proxy.NewHandler(pool, router, svc, log), log),
		forwarders: forwarders,
	}, nil
}

// Run serves the proxy and every forward listener until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if g == nil || g.server == nil {
		return fmt.Errorf("gateway is not initialized")
	}
	defer g.closeStore()
	defer shutdown(g.relay, g.fanout, g.log)

	runs := []func(context.Context) error{g.server.ListenAndServe}
	for _, f := range g.forwarders {
		runs = append(runs, f.ListenAndServe)
	}
	if err := runAll(ctx, runs...); err != nil {
		return err
	}
	g.log.InfoObj("gateway exiting", "reason", ctx.Err())
	return nil
}

// closeStore safely closes the storage backend, logging any errors encountered.
func (g *Gateway) closeStore() {
	if g == nil || g.store == nil {
		return
	}
	if err := g.store.Close(); err != nil {
		g.log.ErrorObj("storage close failed", "error", err)
	}
}
