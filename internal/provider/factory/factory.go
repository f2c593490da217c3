package factory

import (
	"net"
	"net/http"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/provider/vendors"
)

const (
	defaultHTTPTimeout     = 10 * time.Minute
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// NewRegistry builds a provider registry over the built-in vendor table,
// sharing one upstream HTTP client between all instances.
func NewRegistry(cfg config.UpstreamConfig) *provider.Registry {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return provider.NewRegistry(vendors.Builtins(newHTTPClient(timeout)))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
