package httpcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
)

func fixture_response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func fixture_cache(t *testing.T, name string) (Cache, cache.Store) {
	t.Helper()
	store := cache.NewMemory()
	require.NoError(t, store.CreateBucket(name))
	return New(name, store), store
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   string
	}{
		{
			name:   "simple URL",
			method: "GET",
			target: "https://example.com/api/users",
			want:   "GET https://example.com/api/users",
		},
		{
			name:   "URL with query params",
			method: "GET",
			target: "https://api.github.com/users?page=1",
			want:   "GET https://api.github.com/users?page=1",
		},
		{
			name:   "default http port and fragment",
			method: "GET",
			target: "http://example.com:80/statics/index.html#top",
			want:   "GET http://example.com/statics/index.html",
		},
		{
			name:   "default https port",
			method: "GET",
			target: "https://example.com:443/",
			want:   "GET https://example.com/",
		},
		{
			name:   "non default port is kept",
			method: "POST",
			target: "http://localhost:8000",
			want:   "POST http://localhost:8000/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			assert.Equal(t, tt.want, GenerateKey(req))
		})
	}
}

func TestGenerateKeyRelativeRequest(t *testing.T) {
	req := &http.Request{
		Method: http.MethodGet,
		Host:   "localhost:8000",
		URL:    mustParseURL(t, "/statics/index.html"),
	}
	assert.Equal(t, "GET http://localhost:8000/statics/index.html", GenerateKey(req))
}

func TestHTTPCacheGetAndSet(t *testing.T) {
	httpCache, _ := fixture_cache(t, "pins-check-v1")
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/api/users", nil)
	resp := fixture_response(http.StatusOK, "test response data", http.Header{"Content-Type": []string{"application/json"}})

	require.NoError(t, httpCache.Put(ctx, req, resp))

	cachedResp, err := httpCache.Match(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, cachedResp)
	defer func() { _ = cachedResp.Body.Close() }()

	cachedData, err := io.ReadAll(cachedResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "test response data", string(cachedData))
	assert.Equal(t, http.StatusOK, cachedResp.StatusCode)
	assert.Equal(t, "application/json", cachedResp.Header.Get("Content-Type"))
	assert.Same(t, req, cachedResp.Request)
}

func TestHTTPCacheMatchMiss(t *testing.T) {
	httpCache, _ := fixture_cache(t, "pins-check-v1")

	req := httptest.NewRequest(http.MethodGet, "https://example.com/api/data", nil)
	resp, err := httpCache.Match(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHTTPCacheMatchIgnoresNonGet(t *testing.T) {
	httpCache, _ := fixture_cache(t, "pins-check-v1")
	ctx := context.Background()

	get := httptest.NewRequest(http.MethodGet, "https://example.com/form", nil)
	require.NoError(t, httpCache.Put(ctx, get, fixture_response(http.StatusOK, "form", nil)))

	post := httptest.NewRequest(http.MethodPost, "https://example.com/form", nil)
	resp, err := httpCache.Match(ctx, post)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHTTPCachePutRejections(t *testing.T) {
	tests := []struct {
		name   string
		method string
		resp   *http.Response
	}{
		{
			name:   "non GET request",
			method: http.MethodPost,
			resp:   fixture_response(http.StatusOK, "ok", nil),
		},
		{
			name:   "partial content",
			method: http.MethodGet,
			resp:   fixture_response(http.StatusPartialContent, "part", nil),
		},
		{
			name:   "vary star",
			method: http.MethodGet,
			resp:   fixture_response(http.StatusOK, "ok", http.Header{"Vary": []string{"Accept, *"}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpCache, store := fixture_cache(t, "b")
			req := httptest.NewRequest(tt.method, "https://example.com/x", nil)

			err := httpCache.Put(context.Background(), req, tt.resp)
			assert.ErrorIs(t, err, ErrNotCacheable)

			keys, err := store.Keys("b")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestHTTPCachePutAllIsAtomic(t *testing.T) {
	httpCache, store := fixture_cache(t, "b")

	entries := []Entry{
		{
			Request:  httptest.NewRequest(http.MethodGet, "https://example.com/statics/index.html", nil),
			Response: fixture_response(http.StatusOK, "<html>", nil),
		},
		{
			Request:  httptest.NewRequest(http.MethodGet, "https://example.com/video", nil),
			Response: fixture_response(http.StatusPartialContent, "chunk", nil),
		},
	}

	err := httpCache.PutAll(context.Background(), entries)
	assert.ErrorIs(t, err, ErrNotCacheable)

	keys, err := store.Keys("b")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHTTPCacheKeysAndDelete(t *testing.T) {
	httpCache, _ := fixture_cache(t, "b")
	ctx := context.Background()

	index := httptest.NewRequest(http.MethodGet, "https://example.com/statics/index.html", nil)
	manifest := httptest.NewRequest(http.MethodGet, "https://example.com/statics/pwa/manifest.json", nil)
	require.NoError(t, httpCache.PutAll(ctx, []Entry{
		{Request: index, Response: fixture_response(http.StatusOK, "<html>", nil)},
		{Request: manifest, Response: fixture_response(http.StatusOK, "{}", nil)},
	}))

	keys, err := httpCache.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GET https://example.com/statics/index.html",
		"GET https://example.com/statics/pwa/manifest.json",
	}, keys)

	deleted, err := httpCache.Delete(ctx, index)
	require.NoError(t, err)
	assert.True(t, deleted)

	resp, err := httpCache.Match(ctx, index)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHTTPCacheCanceledContext(t *testing.T) {
	httpCache, _ := fixture_cache(t, "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := httpCache.Match(ctx, httptest.NewRequest(http.MethodGet, "https://example.com/", nil))
	assert.ErrorIs(t, err, context.Canceled)
}
