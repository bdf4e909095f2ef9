// Package agent implements the offline cache agent: it pre-caches a fixed list
// of assets at install, removes stale cache generations at activation and
// answers intercepted requests from the cache, falling back to the network.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache-proxy/internal/logging"
)

var (
	// ErrInvalidState is returned when a lifecycle operation is called out of order
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrInstallFailed wraps every install error
	ErrInstallFailed = errors.New("install failed")
)

// Fetcher performs network requests. *http.Client implements it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(req *http.Request) (*http.Response, error)

func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// StatusError reports an asset fetched with a non-2xx status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Outcome tells how an intercepted request was answered
type Outcome string

const (
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomePassthrough Outcome = "passthrough"
)

// Options configures an Agent
type Options struct {
	// CacheName is the current cache identifier, e.g. "pins-check-v1"
	CacheName string
	// Files is the asset list, as paths relative to Origin
	Files  []string
	Origin *url.URL

	Storage httpcache.Storage
	Fetcher Fetcher

	// Concurrency bounds parallel asset fetches during install. Defaults to 1.
	Concurrency int
}

// Agent is one generation of the offline cache agent
type Agent struct {
	cacheName   string
	files       []string
	origin      *url.URL
	storage     httpcache.Storage
	fetcher     Fetcher
	concurrency int

	state atomic.Int32
	// current cache, set once installed
	cache atomic.Pointer[httpcache.Cache]
}

// New creates an agent in the parsed state
func New(opts Options) (*Agent, error) {
	if opts.CacheName == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, fmt.Errorf("an absolute origin is required")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	return &Agent{
		cacheName:   opts.CacheName,
		files:       append([]string(nil), opts.Files...),
		origin:      opts.Origin,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		concurrency: opts.Concurrency,
	}, nil
}

// CacheName returns the current cache identifier of this agent
func (a *Agent) CacheName() string {
	return a.cacheName
}

// Files returns the asset list of this agent
func (a *Agent) Files() []string {
	return append([]string(nil), a.files...)
}

// State returns the lifecycle state
func (a *Agent) State() State {
	return State(a.state.Load())
}

// MarkRedundant retires the agent. A redundant agent only passes requests through.
func (a *Agent) MarkRedundant() {
	a.state.Store(int32(StateRedundant))
}

func (a *Agent) transition(from, to State) error {
	if !a.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, a.State(), to)
	}
	return nil
}

// Install opens the current cache and stores every asset in it.
// Any failed fetch fails the whole install and nothing is stored; the agent then becomes redundant.
func (a *Agent) Install(ctx context.Context) error {
	if err := a.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	log := logrus.WithFields(logging.LifecycleFields("install", a.cacheName))
	log.Infof("Installing %d assets", len(a.files))

	if err := a.populate(ctx); err != nil {
		a.MarkRedundant()
		log.Errorf("Install failed: %v", err)
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, a.cacheName, err)
	}

	a.state.Store(int32(StateInstalled))
	log.Info("Installed")
	return nil
}

func (a *Agent) populate(ctx context.Context) error {
	seen := make(map[string]bool, len(a.files))
	for _, p := range a.files {
		if seen[p] {
			return fmt.Errorf("duplicate asset %s", p)
		}
		seen[p] = true
	}

	c, err := a.storage.Open(ctx, a.cacheName)
	if err != nil {
		return err
	}

	entries := make([]httpcache.Entry, len(a.files))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, p := range a.files {
		eg.Go(func() error {
			entry, err := a.fetchAsset(egCtx, p)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", p, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if err := c.PutAll(ctx, entries); err != nil {
		return err
	}
	a.cache.Store(&c)
	return nil
}

// Restore adopts the cache left by an earlier install of the same generation,
// so a restarted process does not need the network to become installed again.
// It returns false, leaving the agent untouched, when the cache is missing or
// lacks any asset.
func (a *Agent) Restore(ctx context.Context) (bool, error) {
	if a.State() != StateParsed {
		return false, fmt.Errorf("%w: cannot restore a %s agent", ErrInvalidState, a.State())
	}

	has, err := a.storage.Has(ctx, a.cacheName)
	if err != nil || !has {
		return false, err
	}
	c, err := a.storage.Open(ctx, a.cacheName)
	if err != nil {
		return false, err
	}

	for _, p := range a.files {
		u, err := a.AssetURL(p)
		if err != nil {
			return false, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return false, err
		}
		resp, err := c.Match(ctx, req)
		if err != nil {
			return false, err
		}
		if resp == nil {
			logrus.WithFields(logging.LifecycleFields("restore", a.cacheName)).Infof("Asset %s missing from cache", p)
			return false, nil
		}
		_ = resp.Body.Close()
	}

	if err := a.transition(StateParsed, StateInstalled); err != nil {
		return false, err
	}
	a.cache.Store(&c)
	logrus.WithFields(logging.LifecycleFields("restore", a.cacheName)).Info("Restored from existing cache")
	return true, nil
}

// AssetURL resolves an asset path against the origin
func (a *Agent) AssetURL(p string) (*url.URL, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	return a.origin.ResolveReference(ref), nil
}

// maxAssetRedirects bounds the redirect chain followed for one asset
const maxAssetRedirects = 20

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// fetchAsset fetches one asset and buffers its body, so the response outlives the request context.
// Redirects are followed and the final response is stored under the asset URL.
func (a *Agent) fetchAsset(ctx context.Context, p string) (httpcache.Entry, error) {
	u, err := a.AssetURL(p)
	if err != nil {
		return httpcache.Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return httpcache.Entry{}, err
	}

	resp, err := a.fetcher.Do(req)
	for hops := 0; err == nil && isRedirect(resp.StatusCode) && resp.Header.Get("Location") != ""; hops++ {
		_ = resp.Body.Close()
		if hops == maxAssetRedirects {
			return httpcache.Entry{}, fmt.Errorf("stopped after %d redirects", maxAssetRedirects)
		}

		var loc *url.URL
		loc, err = url.Parse(resp.Header.Get("Location"))
		if err != nil {
			return httpcache.Entry{}, fmt.Errorf("invalid redirect location: %w", err)
		}
		var next *http.Request
		next, err = http.NewRequestWithContext(ctx, http.MethodGet, httpcache.RequestURL(req).ResolveReference(loc).String(), nil)
		if err != nil {
			return httpcache.Entry{}, err
		}
		logrus.Debugf("Asset %s redirected to %s", p, next.URL)
		req = next
		resp, err = a.fetcher.Do(req)
	}
	if err != nil {
		return httpcache.Entry{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpcache.Entry{}, &StatusError{URL: u.String(), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpcache.Entry{}, fmt.Errorf("reading body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	logrus.Debugf("Fetched asset %s (%d bytes)", u, len(body))

	assetReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return httpcache.Entry{}, err
	}
	return httpcache.Entry{Request: assetReq, Response: resp}, nil
}

// ActivateResult lists what the activation cleanup did
type ActivateResult struct {
	// Kept is the current cache identifier
	Kept string
	// Deleted lists the stale cache identifiers that were removed
	Deleted []string
}

// Activate deletes every cache whose identifier differs from the current one.
// Each stale cache is deleted independently; failures are collected and
// returned together, and the agent is activated regardless.
func (a *Agent) Activate(ctx context.Context) (*ActivateResult, error) {
	if err := a.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}
	return a.finishActivation(ctx)
}

// finishActivation runs the cleanup of an activating agent
func (a *Agent) finishActivation(ctx context.Context) (*ActivateResult, error) {
	log := logrus.WithFields(logging.LifecycleFields("activate", a.cacheName))
	result, err := a.cleanup(ctx)
	a.state.Store(int32(StateActivated))

	if err != nil {
		log.Warnf("Cache cleanup incomplete: %v", err)
	}
	log.Infof("Activated, removed %d stale caches", len(result.Deleted))
	return result, err
}

func (a *Agent) cleanup(ctx context.Context) (*ActivateResult, error) {
	result := &ActivateResult{Kept: a.cacheName, Deleted: []string{}}

	names, err := a.storage.Keys(ctx)
	if err != nil {
		return result, fmt.Errorf("listing caches: %w", err)
	}

	var errs error
	for _, name := range names {
		if name == a.cacheName {
			continue
		}
		deleted, err := a.storage.Delete(ctx, name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting cache %s: %w", name, err))
			continue
		}
		if deleted {
			logrus.Debugf("Deleted stale cache %s", name)
			result.Deleted = append(result.Deleted, name)
		}
	}
	return result, errs
}

// Fetch answers an intercepted request: from the current cache when it holds
// a match, otherwise with exactly one network request whose response is
// returned unmodified and never stored. The cache already answers while stale
// caches are being cleaned up; before that every request goes to the network.
func (a *Agent) Fetch(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	cp := a.cache.Load()
	if st := a.State(); (st != StateActivating && st != StateActivated) || cp == nil {
		resp, err := fetchNetwork(ctx, a.fetcher, req)
		return resp, OutcomePassthrough, err
	}

	resp, err := (*cp).Match(ctx, req)
	if err != nil {
		return nil, OutcomeMiss, fmt.Errorf("cache lookup in %s: %w", a.cacheName, err)
	}
	if resp != nil {
		return resp, OutcomeHit, nil
	}

	resp, err = fetchNetwork(ctx, a.fetcher, req)
	return resp, OutcomeMiss, err
}

// fetchNetwork forwards the request as is
func fetchNetwork(ctx context.Context, fetcher Fetcher, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = httpcache.RequestURL(req)
	return fetcher.Do(out)
}
