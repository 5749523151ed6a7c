// Package mediaurl rewrites backend media references so clients only ever
// see URLs behind the configured file proxy.
package mediaurl

import (
	"net/url"
	"regexp"
	"strings"
)

// srcAttrPattern matches src attributes pointing at backend-relative media
// or thumbnail paths inside HTML fragments embedded in completion content.
var srcAttrPattern = regexp.MustCompile(`src="(/(?:media|thumbnail)/[^"]*)"`)

// Rewriter turns backend-relative media paths into externally reachable
// proxy URLs. It is a pure transform and safe for concurrent use.
type Rewriter struct {
	// BaseURL is the backend origin used to qualify relative paths.
	BaseURL string
	// ProxyURL is the external file proxy prefix.
	ProxyURL string
	// Encode percent-encodes the absolute URL as a single segment before
	// appending it to ProxyURL.
	Encode bool
}

// Rewrite qualifies a backend-relative media path and wraps it behind the
// file proxy. Absolute URLs keep their structure and only gain the proxy
// prefix. Already-wrapped URLs are not detected; callers must not rewrite
// twice.
func (rw Rewriter) Rewrite(raw string) string {
	if raw == "" {
		return raw
	}
	if strings.HasPrefix(raw, "/media/") || strings.HasPrefix(raw, "/thumbnail/") {
		raw = strings.TrimRight(rw.BaseURL, "/") + raw
	}
	if rw.Encode {
		return rw.ProxyURL + url.PathEscape(raw)
	}
	return rw.ProxyURL + raw
}

// RewriteEmbedded replaces every src="/media/..." and src="/thumbnail/..."
// attribute in text with its proxied form. All other bytes pass through
// unchanged.
func (rw Rewriter) RewriteEmbedded(text string) string {
	if !strings.Contains(text, `src="`) {
		return text
	}
	return srcAttrPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := srcAttrPattern.FindStringSubmatch(m)
		if len(sub) != 2 {
			return m
		}
		return `src="` + rw.Rewrite(sub[1]) + `"`
	})
}
