package provider

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// SharedHTTPClient returns a pooled HTTP client whose whole request is
// bounded by requestTimeout and whose TCP/TLS setup is bounded by
// connectTimeout.
func SharedHTTPClient(requestTimeout, connectTimeout time.Duration) *http.Client {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: requestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: transport,
	}
}
