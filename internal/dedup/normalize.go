package dedup

import (
	"net/url"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// NormalizeQuery case-folds and collapses whitespace.
func NormalizeQuery(q string) string {
	return util.NormalizeText(q)
}

var trackingParams = []string{
	"fbclid", "gclid", "msclkid", "ref", "source",
}

// NormalizeSource canonicalizes a source URL so that trivially different
// links to the same document compare equal: lowercase scheme and host, no
// "www.", no fragment, no tracking parameters, no trailing slash. Values
// that do not parse as absolute URLs are returned trimmed.
func NormalizeSource(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return raw
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for key := range q {
			if strings.HasPrefix(strings.ToLower(key), "utm_") {
				q.Del(key)
			}
		}
		for _, param := range trackingParams {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	parsed.RawPath = ""

	return parsed.String()
}

// Domain returns the host of a source without "www." and port, or "" when
// the source is not a URL.
func Domain(source string) string {
	parsed, err := url.Parse(source)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}
