// Package meeting holds the domain model for meetings and sessions: URL
// normalization, session identity hashing, and the typed record parsed from
// free-form document-store payloads.
package meeting

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// trackingParams are query parameters that never affect meeting identity.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
}

// NormalizeURL canonicalizes a meeting URL so equivalent invites hash to the
// same session.
//
// Meeting providers (Teams, Zoom, Meet) treat URLs as case-insensitive, so the
// entire URL is lowercased before parsing. Fragments and tracking query params
// are dropped, the trailing slash on the path is stripped, and the remaining
// query params are preserved in their original order.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	lower := strings.ToLower(raw)
	u, err := url.Parse(lower)
	if err != nil {
		return lower
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := strings.TrimRight(u.Path, "/")

	// Filter the query by hand to keep param order stable; url.Values is a map
	// and would reorder on re-encoding.
	var kept []string
	if u.RawQuery != "" {
		for _, kv := range strings.Split(u.RawQuery, "&") {
			key := kv
			if i := strings.IndexByte(kv, '='); i >= 0 {
				key = kv[:i]
			}
			if trackingParams[key] {
				continue
			}
			// Malformed URLs like "?p=abc/#frag" can leave a "/" in the value.
			kept = append(kept, strings.TrimRight(kv, "/"))
		}
	}

	out := scheme + "://" + u.Host + path
	if len(kept) > 0 {
		out += "?" + strings.Join(kept, "&")
	}
	return out
}

// SessionID derives the deterministic session identifier for an organization
// and meeting URL: hex(SHA256(org_id + ":" + normalized_url)).
func SessionID(orgID, meetingURL string) string {
	base := strings.TrimSpace(orgID) + ":" + NormalizeURL(meetingURL)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// URLHash is the 16-char hash of the normalized meeting URL used in Job labels.
func URLHash(meetingURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(meetingURL)))
	return hex.EncodeToString(sum[:])[:16]
}

// OrgHash is the 12-char hash of the org id used in Job labels. Orgless
// payloads map to a fixed sentinel so their jobs remain selectable.
func OrgHash(orgID string) string {
	if orgID == "" {
		return "no-org"
	}
	sum := sha256.Sum256([]byte(orgID))
	return hex.EncodeToString(sum[:])[:12]
}

var labelInvalid = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SanitizeLabel coerces a value into the character set Kubernetes allows for
// label values: alphanumerics, '-', '_', '.', at most 63 chars, trimmed of
// leading and trailing dashes.
func SanitizeLabel(value string) string {
	if value == "" {
		return ""
	}
	s := labelInvalid.ReplaceAllString(value, "-")
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// AllowedDomain reports whether the URL's host belongs to one of the allowed
// meeting-platform domains (exact match or subdomain).
func AllowedDomain(meetingURL string, domains []string) bool {
	u, err := url.Parse(strings.ToLower(strings.TrimSpace(meetingURL)))
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
