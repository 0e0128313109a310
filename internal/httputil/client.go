package httputil

import (
	"net/http"
	"time"
)

// NewClient creates an HTTP client with the given timeout and tuned transport settings.
// Connection reuse matters here: webhook deliveries and indexer polls hit the
// same hosts repeatedly.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
