package httpcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
)

func TestStorageOpenKeysDelete(t *testing.T) {
	store, err := cache.Open(cache.BackendLevelDB, filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	storage := NewStorage(store)
	ctx := context.Background()

	v0, err := storage.Open(ctx, "pins-check-v0")
	require.NoError(t, err)
	assert.Equal(t, "pins-check-v0", v0.Name())

	_, err = storage.Open(ctx, "pins-check-v1")
	require.NoError(t, err)

	// opening twice is not an error
	_, err = storage.Open(ctx, "pins-check-v1")
	require.NoError(t, err)

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pins-check-v0", "pins-check-v1"}, names)

	deleted, err := storage.Delete(ctx, "pins-check-v0")
	require.NoError(t, err)
	assert.True(t, deleted)

	has, err := storage.Has(ctx, "pins-check-v0")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = storage.Has(ctx, "pins-check-v1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStorageMatchSearchesAllCaches(t *testing.T) {
	storage := NewStorage(cache.NewMemory())
	ctx := context.Background()

	_, err := storage.Open(ctx, "a")
	require.NoError(t, err)
	b, err := storage.Open(ctx, "b")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://localhost:8000/statics/index.html", nil)
	require.NoError(t, b.Put(ctx, req, fixture_response(http.StatusOK, "<html>", nil)))

	resp, err := storage.Match(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(body))

	miss, err := storage.Match(ctx, httptest.NewRequest(http.MethodGet, "http://localhost:8000/api/data", nil))
	require.NoError(t, err)
	assert.Nil(t, miss)
}
