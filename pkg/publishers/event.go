package publishers

import "time"

// Event describes one completed (or failed) forwarded transfer.
type Event struct {
	Source      string    `json:"source"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	BodyBytes   int       `json:"body_bytes"`
	HeaderLines int       `json:"header_lines"`
	LocalAddr   string    `json:"local_addr,omitempty"`
	Proxy       string    `json:"proxy,omitempty"`
	Title       string    `json:"title,omitempty"`
	Error       string    `json:"error,omitempty"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewEvent constructs an Event for a transfer that started at start.
func NewEvent(source, method, url string, start time.Time) Event {
	now := time.Now().UTC()
	return Event{
		Source:      source,
		Method:      method,
		URL:         url,
		ElapsedMs:   now.Sub(start).Milliseconds(),
		CompletedAt: now,
	}
}
