package agent

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/logging"
)

// Registration drives agent generations through their lifecycle and routes
// intercepted requests to the one currently in control
type Registration struct {
	// network used while no agent is in control
	fetcher Fetcher

	// serializes lifecycle transitions
	mu     sync.Mutex
	active atomic.Pointer[Agent]
}

// NewRegistration creates a registration with no agent in control
func NewRegistration(fetcher Fetcher) *Registration {
	return &Registration{fetcher: fetcher}
}

// Active returns the agent in control, or nil
func (r *Registration) Active() *Agent {
	return r.active.Load()
}

// Register installs the agent, activates it right away and lets it take
// control of every subsequent request. The previous agent, if any, becomes
// redundant.
//
// When install fails the previous agent stays in control and the install
// error is returned. A cleanup error from activation is returned along with
// the result, but the agent is in control anyway.
func (r *Registration) Register(ctx context.Context, a *Agent) (*ActivateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logrus.WithFields(logging.LifecycleFields("register", a.CacheName()))

	if err := a.Install(ctx); err != nil {
		if prev := r.active.Load(); prev != nil {
			log.Warnf("Keeping %s in control", prev.CacheName())
		}
		return nil, err
	}

	return r.activate(ctx, a)
}

// activate gives control to an installed agent, then runs its cleanup.
// Agents always skip waiting and claim open pages, and the new agent already
// answers from its cache while the stale ones are deleted.
func (r *Registration) activate(ctx context.Context, a *Agent) (*ActivateResult, error) {
	if err := a.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}

	prev := r.active.Swap(a)
	if prev != nil && prev != a {
		prev.MarkRedundant()
		logrus.WithFields(logging.LifecycleFields("register", a.CacheName())).Infof("Replaced %s", prev.CacheName())
	}
	return a.finishActivation(ctx)
}

// Resume is Register for a process restart: an agent whose cache is already
// complete is activated without installing it again
func (r *Registration) Resume(ctx context.Context, a *Agent) (*ActivateResult, error) {
	restored, err := a.Restore(ctx)
	if err != nil {
		logrus.WithFields(logging.LifecycleFields("resume", a.CacheName())).Warnf("Cannot restore cache: %v", err)
	}
	if !restored {
		return r.Register(ctx, a)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activate(ctx, a)
}

// Fetch answers an intercepted request through the agent in control
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	a := r.active.Load()
	if a == nil {
		resp, err := fetchNetwork(ctx, r.fetcher, req)
		return resp, OutcomePassthrough, err
	}
	return a.Fetch(ctx, req)
}
