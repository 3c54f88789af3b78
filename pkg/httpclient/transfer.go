package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"time"
)

// MaxWriteSize is the largest chunk handed to a write callback at once.
const MaxWriteSize = 16 * 1024

// Callback receives size*nmemb bytes of ptr and returns how many it
// consumed. userdata is the borrowed handle registered with the callback.
type Callback func(ptr []byte, size, nmemb int, userdata any) int

var errNilTransfer = errors.New("transfer handle is nil")

// Transfer configures and executes one request, streaming the response
// into the registered callbacks. A Transfer is not safe for concurrent use.
type Transfer struct {
	engine    *Engine
	url       string
	method    string
	body      []byte
	headers   []string
	proxy     string
	localAddr netip.Addr
	timeout   time.Duration

	writeFn    Callback
	writeData  any
	headerFn   Callback
	headerData any

	status    int
	performed bool
}

// SetURL sets the absolute request URL.
func (t *Transfer) SetURL(u string) { t.url = u }

// SetMethod sets the request method; empty means GET.
func (t *Transfer) SetMethod(m string) { t.method = strings.ToUpper(strings.TrimSpace(m)) }

// SetBody sets the request payload.
func (t *Transfer) SetBody(b []byte) { t.body = b }

// SetHeaders replaces the raw "Key: value" request header lines.
func (t *Transfer) SetHeaders(lines []string) { t.headers = append([]string(nil), lines...) }

// SetProxy routes the transfer through an upstream proxy ("host:port" or
// an http, https, socks5 URL); empty disables it.
func (t *Transfer) SetProxy(p string) { t.proxy = strings.TrimSpace(p) }

// SetLocalAddr binds outgoing connections to addr; the zero Addr unbinds.
func (t *Transfer) SetLocalAddr(addr netip.Addr) { t.localAddr = addr }

// SetTimeout overrides the engine timeout for this transfer.
func (t *Transfer) SetTimeout(d time.Duration) { t.timeout = d }

// SetWriteFunc registers the body callback and its userdata.
func (t *Transfer) SetWriteFunc(fn Callback, userdata any) {
	t.writeFn, t.writeData = fn, userdata
}

// SetHeaderFunc registers the header callback and its userdata.
func (t *Transfer) SetHeaderFunc(fn Callback, userdata any) {
	t.headerFn, t.headerData = fn, userdata
}

// ResponseCode returns the HTTP status of the last Perform. The Code
// describes the query itself: CodeBadFunctionArgument before any Perform,
// CodeOK afterwards (with status 0 when no response arrived).
func (t *Transfer) ResponseCode() (int, Code) {
	if t == nil || !t.performed {
		return 0, CodeBadFunctionArgument
	}
	return t.status, CodeOK
}

// Cleanup drops every setting and result. It is safe to call repeatedly.
func (t *Transfer) Cleanup() {
	if t == nil {
		return
	}
	engine := t.engine
	*t = Transfer{engine: engine}
	if engine != nil {
		t.timeout = engine.timeout
	}
}

// Perform runs the request. Header lines are delivered first (status line,
// one line per header value, blank line), then the body in chunks of at
// most MaxWriteSize bytes. A callback consuming less than offered aborts
// the transfer with CodeWriteError.
func (t *Transfer) Perform(ctx context.Context) error {
	if t == nil {
		return newError(CodeBadFunctionArgument, errNilTransfer)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.status, t.performed = 0, true

	u, err := url.Parse(t.url)
	if err != nil || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("url %q has no host", t.url)
		}
		return newError(CodeURLMalformat, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return newError(CodeUnsupportedProtocol, fmt.Errorf("scheme %q", u.Scheme))
	}

	engine := t.engine
	if engine == nil {
		engine = &Engine{}
	}
	client, tr, err := engine.clientFor(t.localAddr, t.proxy, t.timeout)
	if err != nil {
		return err
	}
	defer tr.CloseIdleConnections()

	req := client.R().SetContext(ctx).SetDoNotParseResponse(true)
	for _, line := range t.headers {
		key, value, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		req.Header.Add(key, strings.TrimSpace(value))
	}
	if len(t.body) > 0 {
		req.SetBody(t.body)
	}

	method := t.method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := req.Execute(method, u.String())
	if err != nil {
		return classify(err, t.proxy != "")
	}
	raw := resp.RawBody()
	if raw == nil {
		return newError(CodeGotNothing, errors.New("response has no body stream"))
	}
	defer raw.Close()

	t.status = resp.StatusCode()
	for _, line := range headerLines(resp.RawResponse) {
		if !deliver(t.headerFn, []byte(line), t.headerData) {
			return newError(CodeWriteError, errors.New("header callback refused data"))
		}
	}
	return t.streamBody(ctx, raw)
}

func (t *Transfer) streamBody(ctx context.Context, body io.Reader) error {
	buf := make([]byte, MaxWriteSize)
	for {
		n, err := body.Read(buf)
		if n > 0 && !deliver(t.writeFn, buf[:n], t.writeData) {
			return newError(CodeWriteError, errors.New("write callback refused data"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return classify(ctxErr, false)
			}
			if te := classify(err, false); te.Code == CodeOperationTimedOut {
				return te
			}
			return newError(CodeRecvError, err)
		}
	}
}

// deliver hands p to fn as a single (1, len(p)) invocation; no callback
// means the data is discarded.
func deliver(fn Callback, p []byte, userdata any) bool {
	if fn == nil {
		return true
	}
	return fn(p, 1, len(p), userdata) == len(p)
}

// headerLines renders the response head the way it appears on the wire:
// status line, "Key: value" per value with keys sorted, blank line.
func headerLines(resp *http.Response) []string {
	if resp == nil {
		return nil
	}
	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys)+2)
	lines = append(lines, proto+" "+status+"\r\n")
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			lines = append(lines, k+": "+v+"\r\n")
		}
	}
	return append(lines, "\r\n")
}
