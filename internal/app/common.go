package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/config"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/forward"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/relay"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/httpclient"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/publishers"
)

// loadFanout builds the transfer event publishers. An empty publishers_file
// yields an empty fanout.
func loadFanout(ctx context.Context, cfg *config.Config, log logger.Logger) (*publishers.Fanout, error) {
	if strings.TrimSpace(cfg.PublishersFile) == "" {
		log.InfoObj("no publishers file configured; transfer events disabled", "publishers_meta", map[string]any{
			"count": 0,
		})
		return publishers.NewFanout(nil), nil
	}

	publisherReg, err := publishers.LoadRegistry(cfg.PublishersFile)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabledPublishers := publisherReg.Enabled()

	pubClients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabledPublishers, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}
	publisherSummaries := make([]map[string]string, 0, len(enabledPublishers))
	for _, pubCfg := range enabledPublishers {
		publisherSummaries = append(publisherSummaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(publisherSummaries),
		"publishers": publisherSummaries,
	})
	return publishers.NewFanout(pubClients), nil
}

func newRelay(cfg *config.Config, fanout *publishers.Fanout, log logger.Logger) *relay.Service {
	engine := httpclient.NewEngine(cfg.TransferTimeout, cfg.UserAgent)
	return relay.NewService(engine, int(cfg.MaxResponseBytes), fanout, log)
}

// buildForwarders parses the configured mappings and the shared access list.
func buildForwarders(cfg *config.Config, svc *relay.Service, log logger.Logger) ([]*forward.Forwarder, error) {
	mappings, err := forward.ParseMappings(cfg.Forwards)
	if err != nil {
		return nil, fmt.Errorf("parse forwards: %w", err)
	}
	if len(mappings) == 0 {
		return nil, nil
	}
	access, err := forward.NewAccessList(cfg.AllowIPv4, cfg.AllowIPv6, cfg.AllowIPs)
	if err != nil {
		return nil, fmt.Errorf("parse access list: %w", err)
	}
	opts := forward.Options{
		AcceptRate:  cfg.AcceptRate,
		AcceptBurst: cfg.AcceptBurst,
		ReadTimeout: cfg.TransferTimeout,
	}

	out := make([]*forward.Forwarder, 0, len(mappings))
	locals := make([]string, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, forward.New(m, access, svc, opts, log))
		locals = append(locals, m.Local)
	}
	log.InfoObj("forward mappings loaded", "forward_meta", map[string]any{
		"count":      len(out),
		"locals":     locals,
		"restricted": !access.Empty(),
	})
	return out, nil
}

// runAll runs every listener until ctx is done or one of them fails.
func runAll(ctx context.Context, runs ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runs {
		g.Go(func() error { return run(gctx) })
	}
	return g.Wait()
}

// shutdown drains pending events and releases the publishers.
func shutdown(svc *relay.Service, fanout *publishers.Fanout, log logger.Logger) {
	svc.Close()
	if err := fanout.Close(); err != nil {
		log.ErrorObj("publishers close failed", "error", err)
	}
}
