package publishers

import (
	"strings"
	"testing"
)

func TestPageTitle(t *testing.T) {
	body := []byte("<html><head><title>\n  Hello   IPv6 pool </title></head><body>x</body></html>")
	if got := PageTitle("text/html; charset=utf-8", body); got != "Hello IPv6 pool" {
		t.Fatalf("PageTitle = %q", got)
	}
	if got := PageTitle("application/json", body); got != "" {
		t.Fatalf("expected empty title for json, got %q", got)
	}
	if got := PageTitle("", body); got != "" {
		t.Fatalf("expected empty title without content type, got %q", got)
	}
	if got := PageTitle("text/html", []byte("<p>no title</p>")); got != "" {
		t.Fatalf("expected empty title, got %q", got)
	}
}

func TestPageTitleScansOnlyPrefix(t *testing.T) {
	body := strings.Repeat("a", maxTitleScan) + "<title>late</title>"
	if got := PageTitle("text/html", []byte(body)); got != "" {
		t.Fatalf("title beyond scan window should be ignored, got %q", got)
	}
}
