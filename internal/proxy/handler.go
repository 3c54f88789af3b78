// Package proxy implements the forward HTTP proxy that sends every upstream
// request from a per-host source address of the IPv6 pool.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/addrpool"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/logger"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/relay"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/sysroute"
)

const (
	defaultDialTimeout = 10 * time.Second
	eventSource        = "proxy"
)

var errNoRoute = errors.New("no reachable address")

// hopHeaders are stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler serves proxy requests: CONNECT is tunnelled, everything else is
// relayed through the transfer engine and replayed to the client.
type Handler struct {
	pool        *addrpool.Pool
	router      *sysroute.Router
	relay       *relay.Service
	dialTimeout time.Duration
	resolver    *net.Resolver
	log         logger.Logger
}

// NewHandler wires a proxy handler. A nil pool leaves the source address to
// the operating system; a nil router never touches interfaces.
func NewHandler(pool *addrpool.Pool, router *sysroute.Router, svc *relay.Service, log logger.Logger) *Handler {
	if svc == nil {
		svc = relay.NewService(nil, 0, nil, log)
	}
	return &Handler{
		pool:        pool,
		router:      router,
		relay:       svc,
		dialTimeout: defaultDialTimeout,
		resolver:    net.DefaultResolver,
		log:         logger.Ensure(log),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.serveConnect(w, r)
		return
	}
	h.serveRelay(w, r)
}

// sourceFor returns the source address for host. A freshly drawn address is
// installed on the interface first; the wait is bounded by the dial timeout.
func (h *Handler) sourceFor(ctx context.Context, host string) netip.Addr {
	if h.pool == nil {
		return netip.Addr{}
	}
	addr, fresh, err := h.pool.AddressFor(host)
	if err != nil {
		h.log.WarnObj("address store unavailable, using random source", "proxy_store_error", map[string]any{
			"host":  host,
			"error": err.Error(),
		})
		addr, fresh = h.pool.Random(), true
	}
	if fresh {
		h.awaitInstall(ctx, addr)
	}
	return addr
}

func (h *Handler) awaitInstall(ctx context.Context, addr netip.Addr) {
	done := h.router.Install(addr)
	timer := time.NewTimer(h.dialTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
		h.log.WarnObj("route install still running, dialing anyway", "proxy_route_wait", map[string]any{
			"address": addr.String(),
			"waited":  h.dialTimeout.String(),
		})
	}
}

func (h *Handler) serveRelay(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		http.Error(w, "absolute request URI required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	req := relay.Request{
		Method:    r.Method,
		URL:       r.URL.String(),
		Headers:   requestLines(r.Header),
		Body:      body,
		LocalAddr: h.sourceFor(r.Context(), r.URL.Hostname()),
	}

	started := time.Now()
	res, err := h.relay.Do(r.Context(), req)
	h.relay.Report(eventSource, req, res, err, started)
	if err != nil {
		h.log.ErrorObj("proxy transfer failed", "proxy_error", map[string]any{
			"url":   req.URL,
			"local": sourceString(req.LocalAddr),
			"error": err.Error(),
		})
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	dst := w.Header()
	for _, line := range res.HeaderLines {
		key, value, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ":")
		if !ok || strings.HasPrefix(key, "HTTP/") {
			continue
		}
		dst.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	removeHopHeaders(dst)
	// Responses without a body carry the upstream length as-is.
	bodyless := r.Method == http.MethodHead || res.Status == http.StatusNotModified
	if !bodyless || dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.Itoa(len(res.Body)))
	}
	w.WriteHeader(res.Status)
	if !bodyless {
		_, _ = w.Write(res.Body)
	}

	h.log.DebugObj("proxy transfer completed", "proxy_meta", map[string]any{
		"url":        req.URL,
		"local":      sourceString(req.LocalAddr),
		"status":     res.Status,
		"body_bytes": len(res.Body),
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
}

func (h *Handler) serveConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host, port = target, "443"
	}
	if host == "" {
		http.Error(w, "missing CONNECT target", http.StatusBadRequest)
		return
	}

	source := h.sourceFor(r.Context(), host)
	upstream, err := h.dial(r.Context(), host, port, source)
	if err != nil {
		h.log.ErrorObj("proxy tunnel dial failed", "proxy_error", map[string]any{
			"target": target,
			"local":  sourceString(source),
			"error":  err.Error(),
		})
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "connection hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, rw, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		h.log.ErrorObj("proxy hijack failed", "proxy_error", map[string]any{"error": err.Error()})
		return
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	h.log.DebugObj("proxy tunnel opened", "proxy_meta", map[string]any{
		"target": target,
		"local":  sourceString(source),
	})
	tunnel(r.Context(), client, rw.Reader, upstream)
}

// dial connects to host:port from source. Targets of source's family are
// tried first, in resolver order.
func (h *Handler) dial(ctx context.Context, host, port string, source netip.Addr) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, h.dialTimeout)
	defer cancel()

	addrs, err := h.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", port, err)
	}

	var errs []error
	for _, addr := range orderTargets(addrs, source) {
		d := net.Dialer{}
		if source.IsValid() && addr.Unmap().Is6() == source.Is6() {
			d.LocalAddr = &net.TCPAddr{IP: net.IP(source.AsSlice())}
		}
		conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr.Unmap(), uint16(p)).String())
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w for %s", errNoRoute, host)
	}
	return nil, errors.Join(errs...)
}

func orderTargets(addrs []netip.Addr, source netip.Addr) []netip.Addr {
	if !source.IsValid() {
		return addrs
	}
	same := make([]netip.Addr, 0, len(addrs))
	other := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Unmap().Is6() == source.Is6() {
			same = append(same, a)
		} else {
			other = append(other, a)
		}
	}
	return append(same, other...)
}

// tunnel copies bytes both ways until either side is done, then closes both.
func tunnel(ctx context.Context, client net.Conn, buffered *bufio.Reader, upstream net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, buffered)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	closeBoth()
	<-done
}

// requestLines renders client headers minus hop-by-hop ones as raw lines.
func requestLines(h http.Header) []string {
	h = h.Clone()
	removeHopHeaders(h)
	h.Del("Content-Length")

	var lines []string
	for k, vs := range h {
		for _, v := range vs {
			lines = append(lines, k+": "+v)
		}
	}
	return lines
}

// removeHopHeaders deletes hop-by-hop headers plus any named in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func sourceString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
