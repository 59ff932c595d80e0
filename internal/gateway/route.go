package gateway

import (
	"strings"
)

// removePrefix strips prefix from path. An empty remainder becomes "/".
// Paths that do not start with the prefix are returned unchanged.
func removePrefix(path, prefix string) string {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if rest == "" {
		return "/"
	}
	return rest
}

// destinationPath maps an inbound request path to the path forwarded to the
// worker. Health-check and process-management paths keep their original
// form; everything else is served from the worker's versioned API.
func (c Config) destinationPath(original string) string {
	stripped := removePrefix(original, c.PathPrefix)
	if c.isExempt(stripped) {
		return original
	}
	return APIVersionPrefix + stripped
}

func (c Config) isExempt(path string) bool {
	if c.HealthPath != "" && strings.Contains(path, c.HealthPath) {
		return true
	}
	if c.ProcessPath != "" && strings.Contains(path, c.ProcessPath) {
		return true
	}
	return false
}

// isDenied reports whether path touches an endpoint that is never proxied.
func (c Config) isDenied(path string) bool {
	for _, denied := range c.DeniedPaths {
		if denied != "" && strings.Contains(path, denied) {
			return true
		}
	}
	return false
}

// buildUpstreamURL joins base and path with exactly one slash and appends
// the raw query, if any.
func buildUpstreamURL(base, path, rawQuery string) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

var defaultValidHosts = []string{"localhost", "127.0.0.1"}

// hostWithoutPort extracts the host part of a Host header value, unwrapping
// bracketed IPv6 literals.
func hostWithoutPort(host string) string {
	if strings.HasPrefix(host, "[") {
		inner, _, _ := strings.Cut(host[1:], "]")
		return inner
	}
	h, _, _ := strings.Cut(host, ":")
	return h
}

// isValidHost accepts loopback names and the configured trusted hosts,
// compared case-insensitively and ignoring any port.
func isValidHost(host string, trustedHosts []string) bool {
	if host == "" {
		return false
	}
	h := hostWithoutPort(host)
	for _, valid := range defaultValidHosts {
		if strings.EqualFold(h, valid) {
			return true
		}
	}
	for _, valid := range trustedHosts {
		if strings.EqualFold(h, valid) {
			return true
		}
	}
	return false
}
