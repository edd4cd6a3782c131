// Package urlutil holds URL normalization and filtering shared by the
// frontier, the politeness enforcer, and the maintenance tools.
package urlutil

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/purell"
	"golang.org/x/net/publicsuffix"
)

// MaxURLLength is the hard cap on accepted URL lengths.
const MaxURLLength = 2000

const normalizationFlags = purell.FlagsSafe |
	purell.FlagRemoveFragment |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes

// Normalize canonicalizes a raw URL: bare hosts are promoted to http://host/,
// scheme and host are lowercased, default ports stripped, fragments removed,
// and dot-segments resolved. Normalize is idempotent.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}

	if !strings.Contains(raw, "://") {
		// Bare host, possibly with a port. A colon followed by anything but
		// digits marks a non-web scheme (mailto:, javascript:), not a port.
		if i := strings.IndexByte(raw, ':'); i >= 0 {
			rest := raw[i+1:]
			if rest == "" || rest[0] < '0' || rest[0] > '9' {
				return "", fmt.Errorf("unsupported scheme in %q", raw)
			}
		}
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("unparseable URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL %q has no host", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	normalized, err := purell.NormalizeURLString(u.String(), normalizationFlags)
	if err != nil {
		return "", fmt.Errorf("failed to normalize %q: %w", raw, err)
	}
	return normalized, nil
}

// RegisteredDomain extracts the public-suffix-aware registered domain of a
// URL. Hosts the public suffix list cannot derive an eTLD+1 for (IPs,
// single-label intranet names) fall back to the bare lowercased host so they
// still group into a single domain entry.
func RegisteredDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("unparseable URL %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("URL %q has no host", rawURL)
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, nil
	}
	return domain, nil
}

// TooLong reports whether a URL exceeds the accepted length cap.
func TooLong(u string) bool {
	return len(u) > MaxURLLength
}

var nonTextExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".tiff": {},
	".css": {}, ".js": {}, ".mjs": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".wmv": {},
	".flv": {}, ".wav": {}, ".ogg": {}, ".webm": {}, ".m4a": {}, ".m4v": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {},
	".pptx": {}, ".odt": {}, ".ods": {},
	".zip": {}, ".rar": {}, ".gz": {}, ".tgz": {}, ".tar": {}, ".bz2": {},
	".7z": {}, ".xz": {},
	".exe": {}, ".dmg": {}, ".iso": {}, ".bin": {}, ".apk": {}, ".msi": {},
	".jar": {}, ".war": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".rss": {}, ".atom": {},
}

// LikelyNonText reports whether a URL's path carries a common binary, media,
// or archive extension and is therefore skipped before fetching.
func LikelyNonText(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	_, hit := nonTextExtensions[ext]
	return hit
}
