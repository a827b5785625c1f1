// Package portal derives the externally reachable base address used in
// captive-portal redirects and station exports.
package portal

import (
	"fmt"
	"strings"
)

// Context carries the deployment facts ResolveBaseURL needs. It is rebuilt
// from configuration on every call site so configuration changes are never
// masked by a cached result.
type Context struct {
	Override       string   // explicit external address, wins when set
	Debug          bool     // development mode
	PermittedHosts []string // hosts the deployment accepts requests for
	Scheme         string   // defaults to http
	Port           int      // appended when nonzero and not the scheme default
}

// ResolveBaseURL picks the base address deterministically: the explicit
// override if configured, otherwise the first non-loopback dot-containing
// permitted host in non-debug mode, otherwise the loopback default. Pure, no
// network I/O.
func ResolveBaseURL(ctx Context) string {
	if ctx.Override != "" {
		return strings.TrimSuffix(ctx.Override, "/")
	}

	scheme := ctx.Scheme
	if scheme == "" {
		scheme = "http"
	}

	if !ctx.Debug {
		for _, h := range ctx.PermittedHosts {
			if isLoopback(h) || !strings.Contains(h, ".") {
				continue
			}
			return withPort(scheme, h, ctx.Port)
		}
	}

	return withPort(scheme, "127.0.0.1", ctx.Port)
}

func withPort(scheme, host string, port int) string {
	if port == 0 || (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func isLoopback(host string) bool {
	return host == "localhost" || strings.HasPrefix(host, "127.")
}
