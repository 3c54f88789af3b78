package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linwoodpendleton/http-proxy-ipv6-pool/pkg/accumulator"
)

func collect(t *testing.T, tr *Transfer) (*accumulator.BodyBuffer, *accumulator.HeaderCollection) {
	t.Helper()
	body, err := accumulator.NewBodyBuffer(nil, nil)
	if err != nil {
		t.Fatalf("NewBodyBuffer: %v", err)
	}
	headers, err := accumulator.NewHeaderCollection(nil, nil)
	if err != nil {
		t.Fatalf("NewHeaderCollection: %v", err)
	}
	t.Cleanup(func() {
		body.Release()
		headers.Release()
	})
	tr.SetWriteFunc(accumulator.WriteCallback, body)
	tr.SetHeaderFunc(accumulator.HeaderCallback, headers)
	return body, headers
}

func TestTransferStreamsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	tr := NewEngine(2*time.Second, "").NewTransfer()
	tr.SetURL(srv.URL)
	body, headers := collect(t, tr)

	if err := tr.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if body.String() != "hello" {
		t.Fatalf("body = %q", body.String())
	}

	lines := headers.Lines()
	if len(lines) < 3 {
		t.Fatalf("too few header lines: %q", lines)
	}
	if lines[0] != "HTTP/1.1 201 Created\r\n" {
		t.Fatalf("status line = %q", lines[0])
	}
	if lines[len(lines)-1] != "\r\n" {
		t.Fatalf("missing blank terminator: %q", lines)
	}
	var found bool
	for _, l := range lines {
		if l == "X-Test: 1\r\n" {
			found = true
		}
	}
	if !found {
		t.Fatalf("X-Test line missing: %q", lines)
	}

	status, code := tr.ResponseCode()
	if code != CodeOK || status != http.StatusCreated {
		t.Fatalf("ResponseCode = %d, %v", status, code)
	}
}

func TestTransferChunksLargeBodies(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	var got []byte
	var calls int
	tr := NewEngine(2*time.Second, "").NewTransfer()
	tr.SetURL(srv.URL)
	tr.SetWriteFunc(func(ptr []byte, size, nmemb int, _ any) int {
		n := size * nmemb
		if n > MaxWriteSize {
			t.Fatalf("chunk of %d bytes exceeds MaxWriteSize", n)
		}
		calls++
		got = append(got, ptr[:n]...)
		return n
	}, nil)

	if err := tr.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("body mismatch: %d bytes, want %d", len(got), len(payload))
	}
	if calls < 2 {
		t.Fatalf("expected several chunks, got %d", calls)
	}
}

func TestTransferAbortsWhenCallbackRefuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "data")
	}))
	defer srv.Close()

	tr := NewEngine(2*time.Second, "").NewTransfer()
	tr.SetURL(srv.URL)
	tr.SetWriteFunc(func([]byte, int, int, any) int { return 0 }, nil)

	err := tr.Perform(context.Background())
	if !errors.Is(err, CodeWriteError) {
		t.Fatalf("expected CodeWriteError, got %v", err)
	}
	if status, code := tr.ResponseCode(); code != CodeOK || status != http.StatusOK {
		t.Fatalf("ResponseCode after abort = %d, %v", status, code)
	}
}

func TestTransferAbortsOnAccumulatorLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	tr := NewEngine(2*time.Second, "").NewTransfer()
	tr.SetURL(srv.URL)
	body, err := accumulator.NewBodyBuffer(accumulator.NewLimit(1024), nil)
	if err != nil {
		t.Fatalf("NewBodyBuffer: %v", err)
	}
	defer body.Release()
	tr.SetWriteFunc(accumulator.WriteCallback, body)

	if err := tr.Perform(context.Background()); CodeOf(err) != CodeWriteError {
		t.Fatalf("expected write error, got %v", err)
	}
	if body.Len() > 1024 {
		t.Fatalf("body grew past the limit: %d", body.Len())
	}
}

func TestTransferSendsMethodHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("X-Token"); got != "abc" {
			t.Errorf("X-Token = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "tester/1" {
			t.Errorf("User-Agent = %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	}))
	defer srv.Close()

	tr := NewEngine(2*time.Second, "tester/1").NewTransfer()
	tr.SetURL(srv.URL + "/echo")
	tr.SetMethod("put")
	tr.SetHeaders([]string{"X-Token: abc", "malformed"})
	tr.SetBody([]byte("ping"))
	body, _ := collect(t, tr)

	if err := tr.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if body.String() != "ping" {
		t.Fatalf("echo = %q", body.String())
	}
}

func TestTransferDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	tr := NewEngine(2*time.Second, "").NewTransfer()
	tr.SetURL(srv.URL)
	_, headers := collect(t, tr)

	if err := tr.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if status, _ := tr.ResponseCode(); status != http.StatusFound {
		t.Fatalf("status = %d, want 302", status)
	}
	var location bool
	for _, l := range headers.Lines() {
		if l == "Location: /elsewhere\r\n" {
			location = true
		}
	}
	if !location {
		t.Fatalf("Location header missing: %q", headers.Lines())
	}
}

func TestTransferThroughHTTPProxy(t *testing.T) {
	var proxied bool
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = r.URL.IsAbs() && r.URL.Host == "upstream.invalid"
		io.WriteString(w, "via proxy")
	}))
	defer proxySrv.Close()

	tr := NewEngine(2*time.Second, "").NewTransfer()
	tr.SetURL("http://upstream.invalid/path")
	tr.SetProxy(strings.TrimPrefix(proxySrv.URL, "http://"))
	body, _ := collect(t, tr)

	if err := tr.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if !proxied || body.String() != "via proxy" {
		t.Fatalf("request did not go through proxy: proxied=%v body=%q", proxied, body.String())
	}
}

func TestTransferRejectsBadInput(t *testing.T) {
	engine := NewEngine(time.Second, "")
	cases := []struct {
		url  string
		code Code
	}{
		{url: "", code: CodeURLMalformat},
		{url: "://bad", code: CodeURLMalformat},
		{url: "ftp://example.com/file", code: CodeUnsupportedProtocol},
	}
	for _, tc := range cases {
		tr := engine.NewTransfer()
		tr.SetURL(tc.url)
		if err := tr.Perform(context.Background()); CodeOf(err) != tc.code {
			t.Fatalf("Perform(%q) = %v, want %v", tc.url, err, tc.code)
		}
	}

	tr := engine.NewTransfer()
	tr.SetURL("http://example.com")
	tr.SetProxy("ftp://proxy.example.com:21")
	if err := tr.Perform(context.Background()); CodeOf(err) != CodeUnsupportedProtocol {
		t.Fatalf("unsupported proxy scheme: %v", err)
	}
}

func TestTransferConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	tr := NewEngine(2*time.Second, "").NewTransfer()
	tr.SetURL(addr)
	if err := tr.Perform(context.Background()); CodeOf(err) != CodeCouldntConnect {
		t.Fatalf("expected CodeCouldntConnect, got %v", err)
	}
}

func TestZeroTransferPerforms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	var tr Transfer
	tr.SetURL(srv.URL)
	if err := tr.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if status, code := tr.ResponseCode(); code != CodeOK || status != http.StatusTeapot {
		t.Fatalf("ResponseCode = %d, %v", status, code)
	}

	var refused Transfer
	refused.SetURL("http://127.0.0.1:1/")
	if err := refused.Perform(context.Background()); CodeOf(err) != CodeCouldntConnect {
		t.Fatalf("expected CodeCouldntConnect, got %v", err)
	}
}

func TestResponseCodeBeforePerform(t *testing.T) {
	tr := NewEngine(0, "").NewTransfer()
	if _, code := tr.ResponseCode(); code != CodeBadFunctionArgument {
		t.Fatalf("code = %v", code)
	}
	var nilTransfer *Transfer
	if _, code := nilTransfer.ResponseCode(); code != CodeBadFunctionArgument {
		t.Fatalf("nil transfer code = %v", code)
	}
	if err := nilTransfer.Perform(context.Background()); CodeOf(err) != CodeBadFunctionArgument {
		t.Fatalf("nil Perform = %v", err)
	}
	nilTransfer.Cleanup()
}

func TestCleanupResetsTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewEngine(time.Second, "").NewTransfer()
	tr.SetURL(srv.URL)
	if err := tr.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	tr.Cleanup()
	tr.Cleanup()
	if _, code := tr.ResponseCode(); code != CodeBadFunctionArgument {
		t.Fatalf("ResponseCode after Cleanup = %v", code)
	}
	if tr.url != "" || tr.timeout != time.Second {
		t.Fatalf("Cleanup left state behind: url=%q timeout=%v", tr.url, tr.timeout)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Fatalf("nil should map to CodeOK")
	}
	wrapped := errors.Join(errors.New("context"), newError(CodeOperationTimedOut, context.DeadlineExceeded))
	if CodeOf(wrapped) != CodeOperationTimedOut {
		t.Fatalf("CodeOf(wrapped) = %v", CodeOf(wrapped))
	}
	if CodeOf(errors.New("other")) != CodeRecvError {
		t.Fatalf("foreign errors should map to CodeRecvError")
	}
	if !strings.Contains(newError(CodeWriteError, nil).Error(), "write") {
		t.Fatalf("unexpected message")
	}
}
