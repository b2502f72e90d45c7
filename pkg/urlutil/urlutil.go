// Package urlutil provides URL normalization and cache key derivation
// shared by the fetch pipeline, rate limiter, and cache.
package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL ensures the URL has a scheme, defaulting to https.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return "https://" + raw
	}
	return raw
}

// Origin returns the rate-limiting unit for a URL: the lower-cased host
// with any port stripped, collapsed to its registrable domain (the last
// two labels). Two URLs with the same host always map to the same origin
// regardless of scheme, path, or query.
func Origin(raw string) (string, error) {
	parsed, err := url.Parse(NormalizeURL(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", raw, err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("URL %q has no host", raw)
	}
	parts := strings.Split(host, ".")
	if len(parts) > 2 {
		host = strings.Join(parts[len(parts)-2:], ".")
	}
	return host, nil
}

// CacheKey derives a deterministic digest for a logical fetch request.
// Identical requests always produce the same key; the digest covers the
// normalized URL and every parameter that changes the response payload.
func CacheKey(rawURL, format, locale string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", NormalizeURL(rawURL), format, locale)
	return hex.EncodeToString(h.Sum(nil))
}
