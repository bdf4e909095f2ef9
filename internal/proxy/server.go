package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/agent"
	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/logging"
)

// Server represents the offline cache proxy server
type Server struct {
	config *config.Config
	origin *url.URL

	proxy   *goproxy.ProxyHttpServer
	store   cache.Store
	storage httpcache.Storage
	// network used by agents and bypassed requests
	client *http.Client

	registration *agent.Registration
	scope        *Scope

	mu sync.Mutex
}

// New creates a new proxy server. The store is opened right away.
func New(cfg *config.Config) (*Server, error) {
	origin, err := cfg.GetOrigin()
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	timeout, err := cfg.GetUpstreamTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream timeout: %w", err)
	}

	store, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Folder)
	if err != nil {
		return nil, err
	}

	proxy := goproxy.NewProxyHttpServer()
	client := &http.Client{
		Transport: proxy.Tr,
		Timeout:   timeout,
		// redirects are answered to the browser as is
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	s := &Server{
		config:       cfg,
		origin:       origin,
		proxy:        proxy,
		store:        store,
		storage:      httpcache.NewStorage(store),
		client:       client,
		registration: agent.NewRegistration(client),
		scope:        NewScope(origin, cfg.Server.Bypass),
	}

	s.proxy.OnRequest(goproxy.ReqConditionFunc(func(requ *http.Request, ctx *goproxy.ProxyCtx) bool {
		return s.scope.Match(requ)
	})).DoFunc(s.interceptRequest)
	s.proxy.NonproxyHandler = http.HandlerFunc(s.handleDirect)

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to setup HTTPS proxy handler: %w", err)
		}
	}

	return s, nil
}

// GetProxy returns the goproxy server instance
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Registration returns the registration routing intercepted requests
func (s *Server) Registration() *agent.Registration {
	return s.registration
}

func (s *Server) newAgent(cfg config.CacheConfig) (*agent.Agent, error) {
	return agent.New(agent.Options{
		CacheName:   cfg.Name,
		Files:       cfg.Files,
		Origin:      s.origin,
		Storage:     s.storage,
		Fetcher:     s.client,
		Concurrency: cfg.InstallConcurrency,
	})
}

// Install puts the configured agent generation in control, reusing its cache
// when a previous run already completed it
func (s *Server) Install(ctx context.Context) error {
	s.mu.Lock()
	cacheCfg := s.config.Cache
	s.mu.Unlock()

	return s.register(ctx, cacheCfg, s.registration.Resume)
}

func (s *Server) register(ctx context.Context, cfg config.CacheConfig,
	run func(context.Context, *agent.Agent) (*agent.ActivateResult, error)) error {
	a, err := s.newAgent(cfg)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logging.LifecycleFields("register", cfg.Name))
	result, err := run(ctx, a)
	if result == nil {
		return err
	}
	if err != nil {
		// agent is in control, only the cleanup failed
		log.Warnf("Stale caches left behind: %v", err)
	}
	log.Infof("Agent in control with %d assets, deleted caches: %v", len(cfg.Files), result.Deleted)
	return nil
}

// Reload applies a new configuration. A changed cache name or asset list
// registers a new agent generation; other changes need a restart.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	prev := s.config
	s.mu.Unlock()

	if !reflect.DeepEqual(cfg.Server, prev.Server) || cfg.Cache.Backend != prev.Cache.Backend || cfg.Cache.Folder != prev.Cache.Folder {
		logrus.Warnf("Server and cache storage settings are only applied on restart")
	}

	if cfg.Cache.Name == prev.Cache.Name && slices.Equal(cfg.Cache.Files, prev.Cache.Files) {
		logrus.Infof("Cache %s unchanged, nothing to reload", cfg.Cache.Name)
		return nil
	}

	if err := s.register(ctx, cfg.Cache, s.registration.Register); err != nil {
		return err
	}

	s.mu.Lock()
	next := *prev
	next.Cache = cfg.Cache
	next.Log = cfg.Log
	s.config = &next
	s.mu.Unlock()
	return nil
}

// Start installs the agent and serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	logrus.Infof("Starting offline cache proxy on port %d", s.config.Server.Port)
	logrus.Infof("Origin: %s", s.origin)
	logrus.Infof("Cache: %s (%s backend, %d assets)", s.config.Cache.Name, s.config.Cache.Backend, len(s.config.Cache.Files))

	if err := s.Install(ctx); err != nil {
		logrus.Errorf("Install failed, requests will go to the network: %v", err)
	}

	if addr := s.config.Server.HTTPS.TransparentAddr; s.config.Server.HTTPS.Enabled && addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		logrus.Infof("Accepting transparent HTTPS connections on %s", addr)
		go func() {
			<-ctx.Done()
			_ = ln.Close()
		}()
		go func() {
			if err := s.ServeTransparentHTTPS(ln); err != nil {
				logrus.Errorf("Transparent HTTPS listener stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the cache store
func (s *Server) Close() error {
	return s.store.Close()
}
