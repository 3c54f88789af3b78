// Package forward runs listeners that replay one HTTP request per
// connection against a fixed upstream, optionally through random proxies.
package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/relay"
)

const defaultReadTimeout = 30 * time.Second

// Options tune a Forwarder.
type Options struct {
	// AcceptRate limits accepted connections per second; zero disables it.
	AcceptRate  float64
	AcceptBurst int
	// ReadTimeout bounds reading the client request.
	ReadTimeout time.Duration
}

// Forwarder serves one Mapping.
type Forwarder struct {
	mapping Mapping
	access  *AccessList
	relay   *relay.Service
	limiter *rate.Limiter
	timeout time.Duration
	log     logger.Logger
	pick    func(n int) int
}

// New wires a forwarder. A nil access list allows every client.
func New(m Mapping, access *AccessList, svc *relay.Service, opts Options, log logger.Logger) *Forwarder {
	if svc == nil {
		svc = relay.NewService(nil, 0, nil, log)
	}
	f := &Forwarder{
		mapping: m,
		access:  access,
		relay:   svc,
		timeout: opts.ReadTimeout,
		log:     logger.Ensure(log),
		pick:    rand.IntN,
	}
	if f.timeout <= 0 {
		f.timeout = defaultReadTimeout
	}
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), burst)
	}
	return f
}

// Mapping returns the served mapping.
func (f *Forwarder) Mapping() Mapping { return f.mapping }

// ListenAndServe listens on the mapping's local address until ctx is done.
func (f *Forwarder) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", f.mapping.Local)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", f.mapping.Local, err)
	}
	return f.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done. It closes ln and
// waits for in-flight connections before returning.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	f.log.InfoObj("forward listener started", "forward_meta", map[string]any{
		"local":      ln.Addr().String(),
		"remote":     f.mapping.Remote,
		"sni":        f.mapping.SNI,
		"proxies":    len(f.mapping.Proxies),
		"proxy_type": string(f.mapping.ProxyType),
	})

	for {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", f.mapping.Local, err)
		}

		client := remoteIP(conn)
		if !f.access.Allows(client) {
			f.log.WarnObj("forward connection rejected", "forward_access", map[string]any{
				"local":  f.mapping.Local,
				"client": conn.RemoteAddr().String(),
			})
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			f.ServeConn(ctx, conn)
		}()
	}
}

func remoteIP(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr()
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr()
}

// ServeConn handles exactly one request on conn and closes it.
func (f *Forwarder) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(f.timeout))

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		f.log.WarnObj("forward request unreadable", "forward_error", map[string]any{
			"local": f.mapping.Local,
			"error": err.Error(),
		})
		_, _ = io.WriteString(conn, badRequestResponse)
		return
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		f.log.WarnObj("forward request body unreadable", "forward_error", map[string]any{
			"local": f.mapping.Local,
			"error": err.Error(),
		})
		_, _ = io.WriteString(conn, badRequestResponse)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	out := relay.Request{
		Method:  req.Method,
		URL:     f.targetURL(req),
		Headers: upstreamHeaders(req.Header),
		Body:    body,
		Proxy:   f.pickProxy(),
	}

	started := time.Now()
	res, err := f.relay.Do(ctx, out)
	f.relay.Report("forward:"+f.mapping.Local, out, res, err, started)
	if err != nil {
		f.log.ErrorObj("forward transfer failed", "forward_error", map[string]any{
			"local": f.mapping.Local,
			"url":   out.URL,
			"proxy": out.Proxy,
			"error": err.Error(),
		})
		_, _ = io.WriteString(conn, badGatewayResponse)
		return
	}

	if _, err := io.WriteString(conn, responseHead(res.Status, res.HeaderLines, len(res.Body))); err != nil {
		return
	}
	_, _ = conn.Write(res.Body)

	f.log.DebugObj("forward transfer completed", "forward_meta", map[string]any{
		"local":      f.mapping.Local,
		"url":        out.URL,
		"status":     res.Status,
		"body_bytes": len(res.Body),
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
}

// targetURL keeps an absolute request-target; otherwise the request goes to
// https://<host><path>, where host falls back to the SNI and remote names.
func (f *Forwarder) targetURL(req *http.Request) string {
	uri := req.RequestURI
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	host := req.Host
	if host == "" {
		host = f.mapping.SNI
	}
	if host == "" {
		host = f.mapping.Remote
	}
	return "https://" + host + uri
}

func (f *Forwarder) pickProxy() string {
	if len(f.mapping.Proxies) == 0 || f.mapping.ProxyType == ProxyNone {
		return ""
	}
	return f.mapping.proxyURL(f.mapping.Proxies[f.pick(len(f.mapping.Proxies))])
}
