package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/elazarl/goproxy"
	"github.com/inconshreveable/go-vhost"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
)

func loadCertificate(cfg *config.Config) (*tls.Certificate, error) {
	if cfg.Server.HTTPS.CACertFile == "" || cfg.Server.HTTPS.CAKeyFile == "" {
		logrus.Debugf("No CA certificate configured, using goproxy default certificate")
		return nil, nil // Use default goproxy certificate
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.HTTPS.CACertFile, cfg.Server.HTTPS.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate and key: %w", err)
	}
	logrus.Debugf("Loaded CA certificate from %s", cfg.Server.HTTPS.CACertFile)
	return &cert, nil
}

// setupHTTPSProxyHandler makes goproxy decrypt CONNECT tunnels to the origin,
// so HTTPS requests reach the agent like plain HTTP ones.
// Tunnels to other hosts are left alone.
func (s *Server) setupHTTPSProxyHandler() error {
	caCert, err := loadCertificate(s.config)
	if err != nil {
		return err
	}

	mitm := goproxy.MitmConnect
	if caCert == nil {
		logrus.Warnf("TLS interception enabled but no CA certificate loaded, using goproxy default certificate")
	} else {
		// Make goproxy use our provided CA certificate
		mitm = &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(caCert),
		}
	}

	originHost := normalizeHost(s.origin.Scheme, s.origin.Host)
	s.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if normalizeHost("https", host) != originHost {
			return goproxy.OkConnect, host
		}
		logrus.Debugf("Intercepting CONNECT request for %s", host)
		return mitm, host
	}))
	s.proxy.CertStore = newCertStore()
	return nil
}

// ServeTransparentHTTPS accepts raw TLS connections (e.g. redirected with iptables),
// reads the SNI host name and handles them as CONNECT requests, until ln is closed
func (s *Server) ServeTransparentHTTPS(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.Errorf("Error accepting new connection: %v", err)
			continue
		}
		go func(c net.Conn) {
			tlsConn, err := vhost.TLS(c)
			if err != nil {
				logrus.Errorf("Error reading TLS client hello: %v", err)
				_ = c.Close()
				return
			}
			if tlsConn.Host() == "" {
				logrus.Warnf("Cannot support non-SNI enabled clients")
				_ = c.Close()
				return
			}
			connectReq := &http.Request{
				Method: http.MethodConnect,
				URL: &url.URL{
					Opaque: tlsConn.Host(),
					Host:   net.JoinHostPort(tlsConn.Host(), "443"),
				},
				Host:       tlsConn.Host(),
				Header:     make(http.Header),
				RemoteAddr: c.RemoteAddr().String(),
			}
			resp := dumbResponseWriter{tlsConn}
			s.proxy.ServeHTTP(resp, connectReq)
		}(c)
	}
}

// dumbResponseWriter lets goproxy hijack a raw connection that never sent a CONNECT request
type dumbResponseWriter struct {
	net.Conn
}

func (dumb dumbResponseWriter) Header() http.Header {
	panic("Header() should not be called on this ResponseWriter")
}

func (dumb dumbResponseWriter) Write(buf []byte) (int, error) {
	if bytes.Equal(buf, []byte("HTTP/1.0 200 OK\r\n\r\n")) {
		return len(buf), nil // throw away the HTTP OK response from the faux CONNECT request
	}
	return dumb.Conn.Write(buf)
}

func (dumb dumbResponseWriter) WriteHeader(code int) {
	panic("WriteHeader() should not be called on this ResponseWriter")
}

func (dumb dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return dumb, bufio.NewReadWriter(bufio.NewReader(dumb), bufio.NewWriter(dumb)), nil
}
