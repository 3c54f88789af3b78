package publishers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/httpclient"
)

const maxErrorSnippet = 512

// webhookPublisher delivers each transfer event as a JSON document to an
// HTTP endpoint.
type webhookPublisher struct {
	id       string
	endpoint string
	method   string
	extra    map[string]string
	rc       *resty.Client
	log      Logger
}

func newHTTPPublisher(_ context.Context, cfg PublisherConfig, log Logger) (Publisher, error) {
	if cfg.HTTP == nil {
		return nil, fmt.Errorf("publisher %q missing http configuration", cfg.ID)
	}
	timeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second
	return &webhookPublisher{
		id:       cfg.ID,
		endpoint: cfg.HTTP.URL,
		method:   cfg.HTTP.Method,
		extra:    cfg.HTTP.Headers,
		rc:       httpclient.NewRestyHTTPClient(timeout),
		log:      ensureLogger(log),
	}, nil
}

func (w *webhookPublisher) ID() string   { return w.id }
func (w *webhookPublisher) Type() string { return TypeHTTP }

func (w *webhookPublisher) Publish(ctx context.Context, evt Event) error {
	resp, err := w.rc.R().
		SetContext(ctx).
		SetHeaders(w.extra).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Transfer-Source", evt.Source).
		SetHeader("X-Transfer-Status", strconv.Itoa(evt.Status)).
		SetBody(evt).
		Execute(w.method, w.endpoint)
	if err != nil {
		return fmt.Errorf("deliver event to %s: %w", w.endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("event sink answered %d: %s", resp.StatusCode(), errorSnippet(resp.Body()))
	}

	w.log.DebugObj("transfer event delivered", "publisher_http_delivery", map[string]any{
		"publisher_id": w.id,
		"url":          evt.URL,
		"status":       resp.StatusCode(),
	})
	return nil
}

func errorSnippet(body []byte) string {
	if len(body) > maxErrorSnippet {
		body = body[:maxErrorSnippet]
	}
	return strings.TrimSpace(string(body))
}
