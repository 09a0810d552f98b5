// Package probe answers one question: can we reach the sync server
// right now.
package probe

import (
	"context"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ConnectivityProbe reports whether the remote endpoint is reachable.
// Implementations must be cheap enough to call before every cycle.
type ConnectivityProbe interface {
	IsOnline(ctx context.Context) bool
}

// Static is a fixed-answer probe, used when connectivity checks are
// disabled and in tests.
type Static bool

func (s Static) IsOnline(context.Context) bool { return bool(s) }

// HTTPProbe pings the server liveness endpoint and memoizes the
// verdict so back-to-back cycles do not hammer the endpoint.
type HTTPProbe struct {
	url        string
	httpClient *http.Client
	cache      *gocache.Cache
}

const verdictKey = "online"

// NewHTTPProbe creates a probe against baseURL. The verdict is cached
// for ttl.
func NewHTTPProbe(baseURL string, timeout, ttl time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &HTTPProbe{
		url:        baseURL + "/health/live",
		httpClient: &http.Client{Timeout: timeout},
		cache:      gocache.New(ttl, 2*ttl),
	}
}

// IsOnline reports reachability. Any response at all counts as online,
// a 5xx still means the network path is up.
func (p *HTTPProbe) IsOnline(ctx context.Context) bool {
	if v, ok := p.cache.Get(verdictKey); ok {
		return v.(bool)
	}

	online := p.ping(ctx)
	p.cache.Set(verdictKey, online, gocache.DefaultExpiration)
	return online
}

func (p *HTTPProbe) ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

var _ ConnectivityProbe = (*HTTPProbe)(nil)
var _ ConnectivityProbe = Static(false)
