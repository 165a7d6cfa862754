package worker

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/swproxy/internal/network"
)

// Policy is how the dispatcher handles a request.
type Policy string

const (
	// PolicyPassthrough leaves cross-origin requests alone.
	PolicyPassthrough Policy = "passthrough"
	// PolicyAPI fetches network-first with a synthesized 503 on failure.
	PolicyAPI Policy = "api"
	// PolicyStatic serves cache-first.
	PolicyStatic Policy = "static"
	// PolicyNetworkOnly fetches excluded static paths without the cache.
	PolicyNetworkOnly Policy = "network-only"
)

// Classify picks the policy for an absolute request URL. Checks run in
// priority order: origin, API allow-list, static exclusions.
func (o Options) Classify(u *url.URL) Policy {
	if !network.SameOrigin(u, o.Origin) {
		return PolicyPassthrough
	}

	full := u.String()
	for _, m := range o.APIMatch {
		if strings.Contains(full, m) {
			return PolicyAPI
		}
	}

	for _, pattern := range o.Exclude {
		if ok, _ := doublestar.Match(pattern, u.Path); ok {
			return PolicyNetworkOnly
		}
	}
	return PolicyStatic
}

// IsNavigation reports whether req loads a top-level document.
// Sec-Fetch-Mode decides when present; otherwise a GET accepting HTML
// counts as a navigation.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}
