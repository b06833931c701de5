package ratelimiter

import (
	"strings"
)

// KeyPrefix namespaces every identity key produced by the default generator.
const KeyPrefix = "ratelimit"

// UnknownOrigin is used when no network origin header is present.
const UnknownOrigin = "unknown"

// Origin headers, in the order they are trusted.
const (
	HeaderEdgeClientIP = "CF-Connecting-IP"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// KeyFunc derives the complete counter key for a request under a rule.
// A custom KeyFunc replaces the default identity and path scoping entirely,
// so it may return a key that ignores the path to share a limit across routes.
type KeyFunc func(req Request, rule Rule) string

// KeyGenerator derives rate-limit identity keys.
type KeyGenerator struct {
	// Custom, when set, takes precedence over the default derivation.
	Custom KeyFunc
	// Scope namespaces default keys so that controllers sharing a store keep
	// separate counters. Empty for the global rule set.
	Scope string
}

// Key returns the counter key for req under rule.
//
// Identity resolution order: the custom KeyFunc, the authenticated identity,
// then the network origin. Default keys have the form
// "ratelimit:<identity>:<path>", or "ratelimit:<scope>:<identity>:<path>"
// when a Scope is set.
func (g KeyGenerator) Key(req Request, rule Rule) string {
	if g.Custom != nil {
		if k := g.Custom(req, rule); k != "" {
			return k
		}
	}
	prefix := KeyPrefix
	if g.Scope != "" {
		prefix += ":" + g.Scope
	}
	return prefix + ":" + Identity(req) + ":" + req.Path
}

// Identity returns "user:<id>" for authenticated requests and "ip:<origin>" otherwise.
func Identity(req Request) string {
	if id := strings.TrimSpace(req.Identity); id != "" {
		return "user:" + id
	}
	return "ip:" + ClientIP(req.Header)
}

// ClientIP resolves the network origin from proxy headers: the edge proxy
// header first, then the first X-Forwarded-For entry, then X-Real-IP.
func ClientIP(h HeaderGetter) string {
	if h == nil {
		return UnknownOrigin
	}
	if ip := strings.TrimSpace(h.Get(HeaderEdgeClientIP)); ip != "" {
		return ip
	}
	if xff := h.Get(HeaderForwardedFor); xff != "" {
		// first entry is the original client
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(h.Get(HeaderRealIP)); ip != "" {
		return ip
	}
	return UnknownOrigin
}
