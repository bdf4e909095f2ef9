package logging

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// LifecycleFields describes a lifecycle step of a cache generation
func LifecycleFields(phase, cacheName string) logrus.Fields {
	return logrus.Fields{
		"phase": phase,
		"cache": cacheName,
	}
}

// RequestFields describes an intercepted request and how it was answered
func RequestFields(req *http.Request, outcome string) logrus.Fields {
	return logrus.Fields{
		"method":  req.Method,
		"url":     req.URL.String(),
		"outcome": outcome,
	}
}
