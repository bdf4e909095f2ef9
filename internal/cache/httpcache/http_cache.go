// Package httpcache stores HTTP responses in named caches on top of a cache.Store.
// A cache maps a request descriptor (method + URL) to a verbatim response snapshot.
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
)

// ErrNotCacheable is returned by Put when a request/response pair cannot be stored
var ErrNotCacheable = errors.New("not cacheable")

// Entry is a request and the response to store for it
type Entry struct {
	Request  *http.Request
	Response *http.Response
}

// Cache is one named generation of cached responses
type Cache interface {
	Name() string
	// returns the stored response for the request.
	// returns nil, nil on a miss
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
	// stores the response for the request, consuming its body
	Put(ctx context.Context, req *http.Request, resp *http.Response) error
	// stores every entry, or none of them when any entry is rejected
	PutAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, req *http.Request) (bool, error)
	// lists the request descriptors stored in this cache
	Keys(ctx context.Context) ([]string, error)
}

type storeCache struct {
	name  string
	store cache.Store
}

// New returns the cache named name, backed by store. The bucket must already exist.
func New(name string, store cache.Store) Cache {
	return &storeCache{
		name:  name,
		store: store,
	}
}

func (c *storeCache) Name() string {
	return c.name
}

// RequestURL returns the absolute URL of a request, rebuilding it from the
// Host header when the request line only carries a path
func RequestURL(request *http.Request) *url.URL {
	u := *request.URL
	if !u.IsAbs() {
		u.Scheme = "http"
		if request.TLS != nil {
			u.Scheme = "https"
		}
		u.Host = request.Host
	}
	return &u
}

// GenerateKey builds the request descriptor used as cache key: "METHOD URL".
// The fragment and default ports are not part of the key.
func GenerateKey(request *http.Request) string {
	u := RequestURL(request)
	u.Fragment = ""
	u.RawFragment = ""
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + u.String()
}

func isGet(request *http.Request) bool {
	return request.Method == "" || request.Method == http.MethodGet
}

// checkCacheable rejects what a platform cache refuses to store
func checkCacheable(request *http.Request, resp *http.Response) error {
	if !isGet(request) {
		return fmt.Errorf("%w: method %s", ErrNotCacheable, request.Method)
	}
	if resp == nil {
		return fmt.Errorf("%w: nil response", ErrNotCacheable)
	}
	if resp.StatusCode == http.StatusPartialContent {
		return fmt.Errorf("%w: partial response", ErrNotCacheable)
	}
	for _, v := range resp.Header.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			if strings.TrimSpace(field) == "*" {
				return fmt.Errorf("%w: Vary: *", ErrNotCacheable)
			}
		}
	}
	return nil
}

func (c *storeCache) Put(ctx context.Context, request *http.Request, resp *http.Response) error {
	return c.PutAll(ctx, []Entry{{Request: request, Response: resp}})
}

func (c *storeCache) PutAll(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := checkCacheable(e.Request, e.Response); err != nil {
			return fmt.Errorf("cannot cache %s: %w", GenerateKey(e.Request), err)
		}
	}

	values := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := Serialize(e.Response)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		values[GenerateKey(e.Request)] = data
	}

	if err := c.store.SetMany(c.name, values); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

func (c *storeCache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isGet(req) {
		return nil, nil
	}

	data, err := c.store.Get(c.name, GenerateKey(req))
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	// Associate the original request with the response
	resp.Request = req

	logrus.Debugf("Cache hit for %s %s in %s", req.Method, req.URL.String(), c.name)
	return resp, nil
}

func (c *storeCache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.store.Delete(c.name, GenerateKey(req))
}

func (c *storeCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.Keys(c.name)
}
