package publishers

import (
	"bytes"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxTitleScan bounds how much of a body is parsed when looking for a title.
const maxTitleScan = 1 << 20

// PageTitle returns the trimmed <title> of an HTML body, or "" when the
// content type is not text/html or no title is present.
func PageTitle(contentType string, body []byte) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "text/html" || len(body) == 0 {
		return ""
	}
	if len(body) > maxTitleScan {
		body = body[:maxTitleScan]
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}
