package httpclient

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-resty/resty/v2"
)

// Engine creates transfers sharing a default timeout and user agent.
type Engine struct {
	timeout   time.Duration
	userAgent string
}

// NewEngine returns an Engine; a non-positive timeout disables the deadline.
func NewEngine(timeout time.Duration, userAgent string) *Engine {
	return &Engine{timeout: timeout, userAgent: userAgent}
}

// NewTransfer returns an empty transfer handle bound to the engine defaults.
func (e *Engine) NewTransfer() *Transfer {
	if e == nil {
		e = &Engine{}
	}
	return &Transfer{engine: e, timeout: e.timeout}
}

// NewRestyHTTPClient exposes a configured resty.Client for callers needing custom verbs.
func NewRestyHTTPClient(timeout time.Duration) *resty.Client {
	return newRestyBaseClient(timeout)
}

// newRestyBaseClient creates a new resty.Client with the specified timeout.
func newRestyBaseClient(timeout time.Duration) *resty.Client {
	c := resty.New()
	c.SetTimeout(timeout)
	return c
}

// clientFor builds the single-use resty client a transfer runs on. Redirects
// are handed back to the caller untouched.
func (e *Engine) clientFor(localAddr netip.Addr, proxyRaw string, timeout time.Duration) (*resty.Client, *http.Transport, error) {
	proxyURL, err := parseProxy(proxyRaw)
	if err != nil {
		return nil, nil, newError(CodeCouldntResolveProxy, err)
	}
	tr, err := newTransport(localAddr, proxyURL)
	if err != nil {
		return nil, nil, newError(CodeUnsupportedProtocol, err)
	}

	c := newRestyBaseClient(timeout)
	c.SetTransport(tr)
	c.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	if e.userAgent != "" {
		c.SetHeader("User-Agent", e.userAgent)
	}
	return c, tr, nil
}
