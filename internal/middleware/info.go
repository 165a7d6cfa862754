package middleware

import (
	"context"
	"net/http"
)

// Info carries per-request facts that handlers deeper in the chain fill in
// for the access log and metrics.
type Info struct {
	RequestID string
	Policy    string // passthrough, api, static, uncontrolled
	Cache     string // HIT, MISS or empty
	Error     string
}

type infoKey struct{}

// WithInfo attaches info to ctx.
func WithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the request info, or nil outside a request that
// went through RequestID.
func InfoFromContext(ctx context.Context) *Info {
	info, _ := ctx.Value(infoKey{}).(*Info)
	return info
}

// GetRequestID extracts the request ID from the request context
func GetRequestID(r *http.Request) string {
	if info := InfoFromContext(r.Context()); info != nil {
		return info.RequestID
	}
	return ""
}

// SetPolicy records the policy applied to the request, if tracked.
func SetPolicy(ctx context.Context, policy string) {
	if info := InfoFromContext(ctx); info != nil {
		info.Policy = policy
	}
}

// SetError records a failure description for the access log, if tracked.
func SetError(ctx context.Context, err error) {
	if info := InfoFromContext(ctx); info != nil && err != nil {
		info.Error = err.Error()
	}
}

// SetCache records the cache status (HIT or MISS), if tracked.
func SetCache(ctx context.Context, status string) {
	if info := InfoFromContext(ctx); info != nil {
		info.Cache = status
	}
}
