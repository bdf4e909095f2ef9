package tests

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/proxy"
)

// upstream is a test origin that records the paths it was asked for
type upstream struct {
	*httptest.Server

	mu    sync.Mutex
	paths []string
}

func (u *upstream) requested() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

// fixture_upstream creates a test upstream server
func fixture_upstream() *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.mu.Lock()
		u.paths = append(u.paths, requ.URL.Path)
		u.mu.Unlock()

		switch requ.URL.Path {
		case "/statics/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>pins check</html>"))
		case "/statics/pwa/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name": "Pins check"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
		}
	}))
	return u
}

// fixture_config creates a test config for an origin, storing caches in cacheDir
func fixture_config(origin, cacheDir string) *config.Config {
	cfg := config.Defaults()
	cfg.Server.Origin = origin
	cfg.Server.Bypass = []string{"/ctrl/"}
	cfg.Cache.Name = "pins-check-v1"
	cfg.Cache.Files = []string{"/statics/index.html", "/statics/pwa/manifest.json"}
	cfg.Cache.Folder = cacheDir
	return &cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}
