// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// routeKey is the context key for propagating the route to background goroutines.
	routeKey contextKey = "route"
)

// CacheResult represents the outcome of a lookup cache read.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// Content sources reported on the retrieval path.
const (
	SourceContent  = "content"
	SourceOverflow = "overflow"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route       string
	CacheResult CacheResult
	Source      string
	CID         string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	SetCacheResultContext(r.Context(), result)
}

// SetCacheResultContext sets the cache result on the tags carried by ctx.
// Pipeline code that only sees the context uses this.
func SetCacheResultContext(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetRoute sets the route tag for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetSource records where content was served from.
func SetSource(r *http.Request, source string) {
	if tags := GetTags(r); tags != nil {
		tags.Source = source
	}
}

// SetCID sets the content identifier for logging.
func SetCID(r *http.Request, cid string) {
	if tags := GetTags(r); tags != nil {
		tags.CID = cid
	}
}

// RouteFromContext retrieves the route from a context.
// It checks both background contexts (set by WithRouteContext) and
// request contexts (set by SetRoute via InjectTags).
func RouteFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(routeKey).(string); ok && p != "" {
		return p
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Route
	}
	return ""
}

// WithRouteContext returns a context with the route stored.
// Use this to propagate the route into goroutines that outlive the request context.
func WithRouteContext(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}
