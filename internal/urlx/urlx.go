// Package urlx provides URL canonicalization, resolution, and digests.
package urlx

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Canonicalize standardizes a URL so equal pages share one dedup key.
// It lowercases the scheme and host, removes default ports, strips the
// fragment, and sorts query parameters by key. Canonicalize is idempotent.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	// Encode() emits parameters sorted by key.
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// Host extracts the lowercase host (including any non-default port) from a
// URL, or "" if it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Resolve resolves href against base using standard base-resolution:
// absolute URLs are kept, rooted paths anchor to the origin, everything
// else joins the base URL's directory.
func Resolve(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	h, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return b.ResolveReference(h).String(), nil
}

// Digest returns the 64-bit xxhash of a canonical URL string.
func Digest(canonical string) uint64 {
	return xxhash.Sum64String(canonical)
}

// ContentDigest returns the 64-bit xxhash of raw content bytes.
func ContentDigest(body []byte) uint64 {
	return xxhash.Sum64(body)
}
