package browser

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	dom "tagscout/internal/domain"
	"tagscout/internal/relay"
)

// tagScriptMarkers identify the tag's loader in a script element's src.
var tagScriptMarkers = []string{
	"lytics.io/api/tag/",
	"latest.min.js",
}

// scanForTagScript is the secondary detection path: after a page finishes
// loading, look for the tag's script element in the rendered HTML. A match
// is weaker evidence than a live runtime handle, so it scores lower.
func (s *Session) scanForTagScript(t *tab) {
	var html string
	if err := chromedp.Run(t.ctx, chromedp.OuterHTML("html", &html)); err != nil {
		s.logger.Debug("page scan failed", zap.String("tab", t.id), zap.Error(err))
		return
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		s.logger.Debug("page parse failed", zap.String("tab", t.id), zap.Error(err))
		return
	}

	found := false
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, ok := sel.Attr("src")
		if !ok {
			return true
		}
		for _, marker := range tagScriptMarkers {
			if strings.Contains(src, marker) {
				found = true
				return false
			}
		}
		return true
	})
	if !found {
		return
	}

	d := domainOf(t.currentURL())
	if d == "" {
		return
	}
	s.bus.Publish(relay.RecordDetection{TabID: t.id, Domain: d, Confidence: scriptScanConfidence})
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return dom.NormalizeDomain(u.Hostname())
}
