package proxy

import (
	"net/http"
	"net/url"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/logging"
)

// interceptRequest hands an in-scope proxied request to the offline cache agent
func (s *Server) interceptRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	removeProxyHeaders(requ)

	resp, err := s.fetch(requ)
	if err != nil {
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}
	return requ, resp
}

// fetch answers a request through the registration and logs the outcome
func (s *Server) fetch(requ *http.Request) (*http.Response, error) {
	resp, outcome, err := s.registration.Fetch(requ.Context(), requ)
	log := logrus.WithFields(logging.RequestFields(requ, string(outcome)))
	if err != nil {
		log.Warnf("Request failed: %v", err)
		return nil, err
	}
	log.Infof("Answered with %d", resp.StatusCode)
	return resp, nil
}

// handleDirect serves requests sent to the proxy as if it were the origin
func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	target := s.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})

	requ := r.Clone(r.Context())
	requ.URL = target
	requ.Host = target.Host
	requ.RequestURI = ""

	var resp *http.Response
	var err error
	if s.scope.Match(requ) {
		resp, err = s.fetch(requ)
	} else {
		logrus.WithFields(logging.RequestFields(requ, "bypass")).Debug("Forwarding bypassed request")
		resp, err = s.client.Do(requ)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	writeResponse(w, resp)
}
