package proxy

import (
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// removeProxyHeaders drops headers meant for the proxy itself before a request is forwarded
func removeProxyHeaders(requ *http.Request) {
	requ.RequestURI = ""
	requ.Header.Del("Proxy-Connection")
	requ.Header.Del("Proxy-Authenticate")
	requ.Header.Del("Proxy-Authorization")
}

// writeResponse copies a response to the client as is
func writeResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logrus.Errorf("Failed to write response body: %v", err)
	}
}
