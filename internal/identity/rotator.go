// Package identity rotates the user agent and proxy presented by outgoing
// requests.
package identity

import (
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/clock/system"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

// Strategy selects how the next value is picked from a pool.
type Strategy string

// Rotation strategies.
const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	// Failover sticks to the first healthy proxy.
	Failover Strategy = "failover"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, Random, Failover:
		return true
	default:
		return false
	}
}

// DefaultUserAgents is used when no user agents are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/121.0",
}

// Config holds the identity pools.
type Config struct {
	UserAgents        []string
	UserAgentStrategy Strategy
	ProxyEnabled      bool
	Proxies           []string
	ProxyStrategy     Strategy
	// HealthCheckInterval is how long a proxy stays marked failed.
	HealthCheckInterval time.Duration
}

// Identity is what a single request presents to the remote service.
type Identity struct {
	UserAgent string
	Proxy     string
}

// Rotator hands out identities. It is safe for concurrent use.
type Rotator struct {
	cfg    Config
	clock  collector.Clock
	logger *zap.Logger

	mu       sync.Mutex
	uaIndex  int
	pxIndex  int
	failedAt map[string]time.Time
}

// New creates a Rotator.
func New(cfg Config, clock collector.Clock, logger *zap.Logger) *Rotator {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if !cfg.UserAgentStrategy.Valid() || cfg.UserAgentStrategy == Failover {
		cfg.UserAgentStrategy = RoundRobin
	}
	if !cfg.ProxyStrategy.Valid() {
		cfg.ProxyStrategy = RoundRobin
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Minute
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		failedAt: make(map[string]time.Time),
	}
}

// Next returns the identity for the next request. Proxy is empty when proxy
// rotation is disabled.
func (r *Rotator) Next() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Identity{UserAgent: r.nextUserAgent(), Proxy: r.nextProxy()}
}

func (r *Rotator) nextUserAgent() string {
	agents := r.cfg.UserAgents
	if r.cfg.UserAgentStrategy == Random {
		return agents[rand.IntN(len(agents))]
	}
	ua := agents[r.uaIndex]
	r.uaIndex = (r.uaIndex + 1) % len(agents)
	return ua
}

func (r *Rotator) nextProxy() string {
	if !r.cfg.ProxyEnabled || len(r.cfg.Proxies) == 0 {
		return ""
	}
	r.expireFailures()

	switch r.cfg.ProxyStrategy {
	case Random:
		healthy := r.healthy()
		if len(healthy) == 0 {
			return ""
		}
		return healthy[rand.IntN(len(healthy))]
	case Failover:
		healthy := r.healthy()
		if len(healthy) > 0 {
			return healthy[0]
		}
		r.logger.Warn("all proxies failed, resetting failover pool")
		clear(r.failedAt)
		return r.cfg.Proxies[0]
	default:
		for range r.cfg.Proxies {
			proxy := r.cfg.Proxies[r.pxIndex]
			r.pxIndex = (r.pxIndex + 1) % len(r.cfg.Proxies)
			if _, failed := r.failedAt[proxy]; !failed {
				return proxy
			}
		}
		return ""
	}
}

func (r *Rotator) healthy() []string {
	out := make([]string, 0, len(r.cfg.Proxies))
	for _, p := range r.cfg.Proxies {
		if _, failed := r.failedAt[p]; !failed {
			out = append(out, p)
		}
	}
	return out
}

func (r *Rotator) expireFailures() {
	now := r.clock.Now()
	for p, at := range r.failedAt {
		if now.Sub(at) >= r.cfg.HealthCheckInterval {
			delete(r.failedAt, p)
			r.logger.Info("proxy returned to rotation", zap.String("proxy", p))
		}
	}
}

// MarkProxyFailed takes proxy out of rotation until HealthCheckInterval passes.
// Unknown proxies are ignored.
func (r *Rotator) MarkProxyFailed(proxy string) {
	if proxy == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.cfg.Proxies, proxy) {
		return
	}
	r.failedAt[proxy] = r.clock.Now()
	r.logger.Warn("proxy marked failed", zap.String("proxy", proxy))
}

// FailedProxies returns the proxies currently out of rotation, sorted.
func (r *Rotator) FailedProxies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireFailures()
	out := make([]string, 0, len(r.failedAt))
	for p := range r.failedAt {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

var proxyErrorMarkers = []string{
	"proxy connection failed",
	"proxy authentication required",
	"proxy server unreachable",
	"proxyconnect",
	"connection timeout",
}

// IsProxyError reports whether err looks like a failure of the proxy itself
// rather than of the target.
func IsProxyError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *collector.NetworkError
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range proxyErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
