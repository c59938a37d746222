package tool

import (
	"crypto/tls"
	"net/http"
	"time"
)

var DefaultTimeout = 30 * time.Second

// NewHTTPClient creates an HTTP client for peer traffic. Peers serve
// self-signed certificates in HTTPS mode, so verification is skipped and
// identity is pinned by fingerprint instead.
func NewHTTPClient(protocol string) *http.Client {
	client := &http.Client{Timeout: DefaultTimeout}
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     300 * time.Millisecond,
		DisableKeepAlives:   false,
	}
	if protocol == "https" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client.Transport = transport
	return client
}
