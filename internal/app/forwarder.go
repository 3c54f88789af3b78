package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/config"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/forward"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/relay"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/publishers"
)

// ErrNoForwards is returned when the forwarder runtime has nothing to serve.
var ErrNoForwards = errors.New("no forward mappings configured")

// Forwarder runs only the forward listeners.
type Forwarder struct {
	log        logger.Logger
	fanout     *publishers.Fanout
	relay      *relay.Service
	forwarders []*forward.Forwarder
}

// NewForwarder builds the forward-only runtime from cfg.
func NewForwarder(ctx context.Context, cfg *config.Config, log logger.Logger) (*Forwarder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	fanout, err := loadFanout(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	svc := newRelay(cfg, fanout, log)
	forwarders, err := buildForwarders(cfg, svc, log)
	if err != nil {
		_ = fanout.Close()
		return nil, err
	}
	if len(forwarders) == 0 {
		_ = fanout.Close()
		return nil, ErrNoForwards
	}

	return &Forwarder{log: log, fanout: fanout, relay: svc, forwarders: forwarders}, nil
}

// Run serves every forward listener until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	if f == nil || len(f.forwarders) == 0 {
		return fmt.Errorf("forwarder is not initialized")
	}
	defer shutdown(f.relay, f.fanout, f.log)

	f.log.InfoObj("forwarder starting", "forwarder_state", map[string]any{
		"forwards":         len(f.forwarders),
		"publishers_count": f.fanout.Size(),
	})

	runs := make([]func(context.Context) error, 0, len(f.forwarders))
	for _, fw := range f.forwarders {
		runs = append(runs, fw.ListenAndServe)
	}
	if err := runAll(ctx, runs...); err != nil {
		return err
	}
	f.log.InfoObj("forwarder exiting", "reason", ctx.Err())
	return nil
}
