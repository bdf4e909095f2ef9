package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
)

// Rule interface for matching requests
type Rule interface {
	Match(requ *http.Request) bool
}

// OriginRule matches requests to one origin (scheme + host + port)
type OriginRule struct {
	origin *url.URL
}

// Match checks if a request targets the origin
func (r *OriginRule) Match(requ *http.Request) bool {
	u := httpcache.RequestURL(requ)
	if !strings.EqualFold(u.Scheme, r.origin.Scheme) {
		return false
	}
	return strings.EqualFold(normalizeHost(u.Scheme, u.Host), normalizeHost(r.origin.Scheme, r.origin.Host))
}

// PathPrefixRule matches requests whose path starts with Prefix
type PathPrefixRule struct {
	Prefix string
}

// Match checks if the request path starts with the prefix
func (r *PathPrefixRule) Match(requ *http.Request) bool {
	return strings.HasPrefix(httpcache.RequestURL(requ).Path, r.Prefix)
}

// Scope decides which requests are handed to the offline cache agent:
// requests to the origin, except bypassed paths
type Scope struct {
	origin Rule
	bypass []Rule
}

// NewScope creates the scope of an origin
func NewScope(origin *url.URL, bypass []string) *Scope {
	s := &Scope{origin: &OriginRule{origin: origin}}
	for _, prefix := range bypass {
		s.bypass = append(s.bypass, &PathPrefixRule{Prefix: prefix})
	}
	return s
}

// Match checks if a request is in scope
func (s *Scope) Match(requ *http.Request) bool {
	if !s.origin.Match(requ) {
		return false
	}
	for _, rule := range s.bypass {
		if rule.Match(requ) {
			return false
		}
	}
	return true
}

func normalizeHost(scheme, host string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}
