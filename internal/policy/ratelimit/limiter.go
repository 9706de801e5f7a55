// Package ratelimit implements a per-host token bucket shared by the renderers.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/venue-crawler/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	hostRates    map[string]rate.Limit
	minRate      rate.Limit
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides DefaultRPS for specific hosts.
	HostRPS map[string]float64
	// MinRPS is the floor applied when throttling responses slow a host down.
	MinRPS float64
}

// New creates a new Limiter. A non-positive DefaultRPS disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	hosts := make(map[string]rate.Limit, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		if rps > 0 {
			hosts[strings.ToLower(host)] = rate.Limit(rps)
		}
	}
	minRate := rate.Limit(cfg.MinRPS)
	if cfg.MinRPS <= 0 {
		minRate = rate.Limit(0.1)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		hostRates:    hosts,
		minRate:      minRate,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil {
		return nil
	}
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, duration)
	}
	return nil
}

// ReportResult slows a host down after a throttling status (429 or 503).
func (l *Limiter) ReportResult(rawURL string, status int) {
	if l == nil || (status != 429 && status != 503) {
		return
	}
	limiter := l.limiterFor(hostOf(rawURL))
	current := limiter.Limit()
	if current == rate.Inf {
		return
	}
	next := current / 2
	if next < l.minRate {
		next = l.minRate
	}
	limiter.SetLimit(next)
}

// Limit returns the current rate for the URL's host.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.limiterFor(hostOf(rawURL)).Limit()
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[host]
	if !exists {
		r := l.defaultRate
		if hr, ok := l.hostRates[host]; ok {
			r = hr
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
