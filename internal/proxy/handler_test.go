package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/addrpool"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/relay"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/storage"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/internal/sysroute"
	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/httpclient"
)

func newTestHandler() *Handler {
	svc := relay.NewService(httpclient.NewEngine(2*time.Second, ""), 0, nil, nil)
	return NewHandler(nil, nil, svc, nil)
}

func proxyClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	return &http.Client{
		Timeout:   3 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}
}

func TestHandlerRelaysPlainRequests(t *testing.T) {
	var gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Proxy-Authorization")
		gotPath = r.URL.RequestURI()
		w.Header().Set("X-Up", "1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	proxySrv := httptest.NewServer(newTestHandler())
	defer proxySrv.Close()

	client := proxyClient(t, strings.Replace(proxySrv.URL, "http://", "http://user:pw@", 1))
	resp, err := client.Get(upstream.URL + "/a?b=c")
	if err != nil {
		t.Fatalf("GET via proxy: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted || string(body) != "payload" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Up") != "1" {
		t.Fatalf("upstream header not replayed: %v", resp.Header)
	}
	if resp.ContentLength != int64(len("payload")) {
		t.Fatalf("content length = %d", resp.ContentLength)
	}
	if gotAuth != "" {
		t.Fatalf("Proxy-Authorization leaked upstream: %q", gotAuth)
	}
	if gotPath != "/a?b=c" {
		t.Fatalf("upstream path = %q", gotPath)
	}
}

func TestHandlerKeepsUpstreamLengthForHead(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("upstream method = %s", r.Method)
		}
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxySrv := httptest.NewServer(newTestHandler())
	defer proxySrv.Close()

	resp, err := proxyClient(t, proxySrv.URL).Head(upstream.URL + "/file")
	if err != nil {
		t.Fatalf("HEAD via proxy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.ContentLength != 1234 {
		t.Fatalf("content length = %d, want 1234", resp.ContentLength)
	}
}

func TestHandlerBadGateway(t *testing.T) {
	proxySrv := httptest.NewServer(newTestHandler())
	defer proxySrv.Close()

	resp, err := proxyClient(t, proxySrv.URL).Get("http://127.0.0.1:1/")
	if err != nil {
		t.Fatalf("GET via proxy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestHandlerRejectsOriginFormRequests(t *testing.T) {
	proxySrv := httptest.NewServer(newTestHandler())
	defer proxySrv.Close()

	resp, err := http.Get(proxySrv.URL + "/not-a-proxy-request")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func TestHandlerTunnelsConnect(t *testing.T) {
	echo := echoServer(t)
	defer echo.Close()

	proxySrv := httptest.NewServer(newTestHandler())
	defer proxySrv.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(proxySrv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	target := echo.Addr().String()
	if _, err := io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n"); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "HTTP/1.1 200 Connection established\r\n" {
		t.Fatalf("status line = %q", status)
	}
	if blank, _ := br.ReadString('\n'); blank != "\r\n" {
		t.Fatalf("expected blank line, got %q", blank)
	}

	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q", buf)
	}
}

func TestHandlerConnectFailure(t *testing.T) {
	proxySrv := httptest.NewServer(newTestHandler())
	defer proxySrv.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(proxySrv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	_, _ = io.WriteString(conn, "CONNECT 127.0.0.1:1 HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

type countingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingRunner) Run(_ context.Context, name string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name+" "+strings.Join(args, " "))
	return nil
}

func (c *countingRunner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestSourceForIsStickyAndInstallsOnce(t *testing.T) {
	store, err := storage.NewStore("memory", "", storage.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	pool, err := addrpool.Parse("2001:db8:1::/64", store)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	runner := &countingRunner{}
	router := sysroute.New(true, "eth0", "", 64, runner, nil)
	h := NewHandler(pool, router, nil, nil)

	first := h.sourceFor(context.Background(), "Example.com")
	second := h.sourceFor(context.Background(), "example.com")
	if first != second {
		t.Fatalf("source not sticky: %s vs %s", first, second)
	}
	if !pool.Prefix().Contains(first) {
		t.Fatalf("%s outside pool prefix", first)
	}
	other := h.sourceFor(context.Background(), "other.example")
	if !pool.Prefix().Contains(other) {
		t.Fatalf("%s outside pool prefix", other)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n := runner.count(); n != 2 {
		t.Fatalf("expected 2 installs (one per fresh address), got %d", n)
	}
}

type gatedRunner struct {
	release chan struct{}
}

func (g *gatedRunner) Run(ctx context.Context, _ string, _ ...string) error {
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSourceForWaitsForRouteInstall(t *testing.T) {
	pool, err := addrpool.Parse("2001:db8:2::/64", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	runner := &gatedRunner{release: make(chan struct{})}
	h := NewHandler(pool, sysroute.New(true, "eth0", "", 64, runner, nil), nil, nil)

	got := make(chan netip.Addr, 1)
	go func() { got <- h.sourceFor(context.Background(), "wait.example") }()

	select {
	case addr := <-got:
		t.Fatalf("sourceFor returned %s before the route was installed", addr)
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)
	select {
	case addr := <-got:
		if !pool.Prefix().Contains(addr) {
			t.Fatalf("%s outside pool prefix", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sourceFor did not return after install finished")
	}
}

func TestSourceForInstallWaitIsBounded(t *testing.T) {
	pool, err := addrpool.Parse("2001:db8:3::/64", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	runner := &gatedRunner{release: make(chan struct{})}
	defer close(runner.release)
	h := NewHandler(pool, sysroute.New(true, "eth0", "", 64, runner, nil), nil, nil)
	h.dialTimeout = 30 * time.Millisecond

	start := time.Now()
	h.sourceFor(context.Background(), "slow.example")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sourceFor blocked for %s", elapsed)
	}
}

func TestSourceForWithoutPool(t *testing.T) {
	if addr := newTestHandler().sourceFor(context.Background(), "example.com"); addr.IsValid() {
		t.Fatalf("expected zero address without a pool, got %s", addr)
	}
}

func TestOrderTargetsPrefersSourceFamily(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("192.0.2.2"),
	}
	got := orderTargets(addrs, netip.MustParseAddr("2001:db8::99"))
	if got[0] != addrs[1] || got[1] != addrs[0] || got[2] != addrs[2] {
		t.Fatalf("orderTargets = %v", got)
	}
	if got := orderTargets(addrs, netip.Addr{}); got[0] != addrs[0] {
		t.Fatalf("order should be untouched without source, got %v", got)
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom, keep-alive")
	h.Set("X-Custom", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic x")
	h.Set("X-Stay", "1")
	removeHopHeaders(h)
	if len(h) != 1 || h.Get("X-Stay") != "1" {
		t.Fatalf("unexpected headers left: %v", h)
	}
}

func TestServerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), newTestHandler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
