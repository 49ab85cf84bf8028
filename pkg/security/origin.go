package security

import (
	"net/url"
	"strings"
)

// ValidateOrigin checks the handshake Origin header against the allowlist.
// Entries are exact origins, "*.domain" wildcards (optionally with a scheme)
// or "*". A missing origin is accepted only outside production.
func (m *Manager) ValidateOrigin(origin string) bool {
	return ValidateOrigin(origin, m.cfg.AllowedOrigins, m.cfg.Production)
}

// ValidateOrigin is the stateless form of Manager.ValidateOrigin
func ValidateOrigin(origin string, allowlist []string, production bool) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return !production
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	for _, entry := range allowlist {
		entry = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), "/")
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}

		entryScheme := ""
		if i := strings.Index(entry, "://"); i >= 0 {
			entryScheme, entry = entry[:i], entry[i+3:]
			if entryScheme != scheme {
				continue
			}
		}
		if strings.HasPrefix(entry, "*.") {
			suffix := entry[1:]
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}
