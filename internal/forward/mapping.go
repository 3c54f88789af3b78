package forward

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ProxyType selects how upstream proxies are spoken to.
type ProxyType string

const (
	ProxyNone   ProxyType = "none"
	ProxyHTTP   ProxyType = "http"
	ProxySOCKS5 ProxyType = "socks5"
)

// ErrInvalidMapping is wrapped by every ParseMapping failure.
var ErrInvalidMapping = errors.New("invalid forward mapping")

// Mapping binds a local listener to a remote host, optionally through a
// set of upstream proxies picked at random per request.
type Mapping struct {
	Local     string
	Remote    string
	SNI       string
	Proxies   []string
	ProxyType ProxyType
}

// ParseMapping parses "local,remote,sni[,proxy1|proxy2[,http|socks5]]".
// Proxy entries without a port separator are skipped; at least one must remain.
func ParseMapping(raw string) (Mapping, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) < 3 || len(parts) > 5 {
		return Mapping{}, fmt.Errorf("%w %q: expected 3 to 5 comma separated parts, got %d", ErrInvalidMapping, raw, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	host, port, err := net.SplitHostPort(parts[0])
	if err != nil {
		return Mapping{}, fmt.Errorf("%w %q: local address: %v", ErrInvalidMapping, raw, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return Mapping{}, fmt.Errorf("%w %q: local port %q", ErrInvalidMapping, raw, port)
	}

	m := Mapping{
		Local:     net.JoinHostPort(host, port),
		Remote:    parts[1],
		SNI:       parts[2],
		ProxyType: ProxyNone,
	}

	if len(parts) >= 4 {
		for _, p := range strings.Split(parts[3], "|") {
			p = strings.TrimSpace(p)
			if !strings.Contains(p, ":") {
				continue
			}
			m.Proxies = append(m.Proxies, p)
		}
		if len(m.Proxies) == 0 {
			return Mapping{}, fmt.Errorf("%w %q: no valid proxy addresses", ErrInvalidMapping, raw)
		}
		m.ProxyType = ProxyHTTP
	}

	if len(parts) == 5 {
		switch ProxyType(strings.ToLower(parts[4])) {
		case ProxyHTTP:
			m.ProxyType = ProxyHTTP
		case ProxySOCKS5:
			m.ProxyType = ProxySOCKS5
		default:
			return Mapping{}, fmt.Errorf("%w %q: proxy type %q", ErrInvalidMapping, raw, parts[4])
		}
	}
	return m, nil
}

// ParseMappings parses every entry, skipping blanks.
func ParseMappings(raws []string) ([]Mapping, error) {
	var out []Mapping
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		m, err := ParseMapping(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// proxyURL renders an upstream proxy entry in the form the transfer engine
// expects. Entries already carrying a scheme are kept as is.
func (m Mapping) proxyURL(entry string) string {
	if entry == "" || strings.Contains(entry, "://") {
		return entry
	}
	if m.ProxyType == ProxySOCKS5 {
		return "socks5://" + entry
	}
	return "http://" + entry
}
