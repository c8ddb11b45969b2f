package utils

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient builds the client used for outbound model calls. timeout
// bounds the whole exchange and is usually zero so long streams are not cut
// off; dialTimeout and headerTimeout still catch dead endpoints.
func NewHTTPClient(timeout, dialTimeout, headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
