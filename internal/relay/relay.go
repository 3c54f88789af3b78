// Package relay runs one upstream transfer into the response accumulators
// and reports it as a transfer event.
package relay

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/accumulator"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/httpclient"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/publishers"
)

const publishTimeout = 5 * time.Second

// Request describes one upstream transfer.
type Request struct {
	Method    string
	URL       string
	Headers   []string
	Body      []byte
	Proxy     string
	LocalAddr netip.Addr
}

// Result is the collected response. HeaderLines hold the raw lines as
// received, including the status line and the blank terminator.
type Result struct {
	Status      int
	HeaderLines []string
	Body        []byte
}

// Header returns the first value of the named header, matched case-insensitively.
func (r *Result) Header(name string) string {
	if r == nil {
		return ""
	}
	for _, line := range r.HeaderLines {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// Service executes transfers and hands their events to a publisher.
type Service struct {
	engine   *httpclient.Engine
	maxBytes int
	events   EventPublisher
	log      logger.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewService wires a relay. maxBytes bounds the memory one response may
// occupy across body and header storage; zero means unbounded.
func NewService(engine *httpclient.Engine, maxBytes int, events EventPublisher, log logger.Logger) *Service {
	if engine == nil {
		engine = httpclient.NewEngine(0, "")
	}
	return &Service{
		engine:   engine,
		maxBytes: maxBytes,
		events:   events,
		log:      logger.Ensure(log),
	}
}

func (s *Service) allocator() accumulator.Allocator {
	if s.maxBytes > 0 {
		return accumulator.NewLimit(s.maxBytes)
	}
	return accumulator.Unbounded
}

// Do performs req and returns the collected response.
func (s *Service) Do(ctx context.Context, req Request) (*Result, error) {
	alloc := s.allocator()
	body, err := accumulator.NewBodyBuffer(alloc, s.log)
	if err != nil {
		return nil, fmt.Errorf("allocate body buffer: %w", err)
	}
	defer body.Release()
	headers, err := accumulator.NewHeaderCollection(alloc, s.log)
	if err != nil {
		return nil, fmt.Errorf("allocate header collection: %w", err)
	}
	defer headers.Release()

	t := s.engine.NewTransfer()
	defer t.Cleanup()
	t.SetURL(req.URL)
	t.SetMethod(req.Method)
	t.SetHeaders(req.Headers)
	t.SetBody(req.Body)
	t.SetProxy(req.Proxy)
	t.SetLocalAddr(req.LocalAddr)
	t.SetWriteFunc(accumulator.WriteCallback, body)
	t.SetHeaderFunc(accumulator.HeaderCallback, headers)

	if err := t.Perform(ctx); err != nil {
		return nil, err
	}
	status, _ := t.ResponseCode()

	return &Result{
		Status:      status,
		HeaderLines: headers.Lines(),
		Body:        append([]byte(nil), body.Bytes()...),
	}, nil
}

// Report publishes the event for a finished transfer in the background.
// res may be nil when the transfer failed.
func (s *Service) Report(source string, req Request, res *Result, transferErr error, started time.Time) {
	if s == nil || s.events == nil {
		return
	}
	evt := publishers.NewEvent(source, req.Method, req.URL, started)
	evt.Proxy = req.Proxy
	if req.LocalAddr.IsValid() {
		evt.LocalAddr = req.LocalAddr.String()
	}
	if transferErr != nil {
		evt.Error = transferErr.Error()
	}
	if res != nil {
		evt.Status = res.Status
		evt.BodyBytes = len(res.Body)
		evt.HeaderLines = len(res.HeaderLines)
		evt.Title = publishers.PageTitle(res.Header("Content-Type"), res.Body)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.log.DebugObj("transfer event dropped after close", "event_dropped", map[string]any{
			"source": source,
			"url":    req.URL,
		})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := s.events.Publish(ctx, evt); err != nil {
			s.log.WarnObj("transfer event publish failed", "event_error", map[string]any{
				"source": source,
				"url":    req.URL,
				"error":  err.Error(),
			})
		}
	}()
}

// Wait blocks until every pending event has been published.
func (s *Service) Wait() {
	if s != nil {
		s.wg.Wait()
	}
}

// Close stops accepting events and waits for the pending ones. Reports
// made afterwards are dropped.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wg.Wait()
}
