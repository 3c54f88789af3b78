package relay

import (
	"context"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/publishers"
)

// EventPublisher receives one event per relayed transfer.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}
