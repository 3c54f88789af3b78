package forward

import (
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const refererOrigin = "https://test.com"

var httpsOrigin = regexp.MustCompile(`https://[^/]+`)

// dropRequestHeader reports whether a client header must not reach upstream.
// Accept-Encoding and message framing are left to the transport so bodies
// arrive decoded.
func dropRequestHeader(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "x-forwarded") ||
		strings.HasPrefix(k, "connection") ||
		strings.HasPrefix(k, "x-gt") ||
		k == "accept-encoding" ||
		k == "content-length" ||
		k == "transfer-encoding"
}

// rewriteReferer replaces the first https origin of a referer.
func rewriteReferer(v string) string {
	loc := httpsOrigin.FindStringIndex(v)
	if loc == nil {
		return v
	}
	return v[:loc[0]] + refererOrigin + v[loc[1]:]
}

// upstreamHeaders renders the filtered client headers as "Key: value" lines
// in key order.
func upstreamHeaders(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		if !dropRequestHeader(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		for _, v := range h[k] {
			if strings.EqualFold(k, "Referer") {
				v = rewriteReferer(v)
			}
			lines = append(lines, k+": "+v)
		}
	}
	return lines
}

// dropResponseLine reports whether a received header line is replaced or
// omitted when replaying the response.
func dropResponseLine(line string) bool {
	if line == "" || strings.HasPrefix(line, "HTTP/") {
		return true
	}
	key, _, _ := strings.Cut(line, ":")
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "date", "content-encoding", "transfer-encoding", "connection", "content-length":
		return true
	}
	return false
}

// responseHead builds the status line and headers written back to the client.
func responseHead(status int, lines []string, bodyLen int) string {
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown Status"
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + text + "\r\n")
	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if dropResponseLine(line) {
			continue
		}
		b.WriteString(line + "\r\n")
	}
	b.WriteString("Content-Length: " + strconv.Itoa(bodyLen) + "\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	return b.String()
}

const badGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 11\r\nConnection: close\r\n\r\nBad Gateway"

const badRequestResponse = "HTTP/1.1 400 Bad Request\r\nContent-Length: 11\r\nConnection: close\r\n\r\nBad Request"
