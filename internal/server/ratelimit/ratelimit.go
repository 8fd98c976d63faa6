// Package ratelimit provides per-client request limiting backed by token buckets.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	Limit           int           // requests per Window
	Window          time.Duration
	Burst           int           // defaults to Limit
	CleanupInterval time.Duration
	IdleTimeout     time.Duration // buckets unused this long are dropped
	ExemptPrefixes  []string      // path prefixes that are never limited
	Whitelist       map[string]bool
}

// DefaultConfig returns the limits used by the HTTP API.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		Limit:           120,
		Window:          time.Minute,
		Burst:           30,
		CleanupInterval: 5 * time.Minute,
		IdleTimeout:     time.Hour,
		ExemptPrefixes:  []string{"/api/health", "/api/automation/events"},
		Whitelist:       make(map[string]bool),
	}
}

type client struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter manages one token bucket per client.
type Limiter struct {
	config  *Config
	mu      sync.Mutex
	clients map[string]*client

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	stopOnce      sync.Once

	now func() time.Time
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = config.Limit
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Hour
	}

	l := &Limiter{
		config:  config,
		clients: make(map[string]*client),
		now:     time.Now,
	}

	if config.Enabled && config.CleanupInterval > 0 {
		l.cleanupTicker = time.NewTicker(config.CleanupInterval)
		l.cleanupStop = make(chan struct{})
		go l.cleanup()
	}

	return l
}

// Allow reports whether a request from clientID to path may proceed.
func (l *Limiter) Allow(clientID, path string) (bool, Info) {
	if !l.config.Enabled || l.config.Limit <= 0 || l.config.Whitelist[clientID] || l.exempt(path) {
		return true, Info{Allowed: true}
	}

	now := l.now()
	lim := l.limiterFor(clientID, now)

	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	allowed := r.OK() && delay == 0
	if !allowed {
		// Give the token back; the caller is rejected, not queued.
		r.CancelAt(now)
	}

	tokens := lim.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	info := Info{
		Allowed:   allowed,
		Limit:     l.config.Limit,
		Remaining: remaining,
		ResetTime: now.Add(l.untilFull(tokens)),
	}
	if !allowed {
		info.RetryAfter = l.untilOne(tokens)
	}
	return allowed, info
}

func (l *Limiter) exempt(path string) bool {
	for _, prefix := range l.config.ExemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (l *Limiter) limiterFor(clientID string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if !ok {
		every := rate.Every(l.config.Window / time.Duration(l.config.Limit))
		c = &client{limiter: rate.NewLimiter(every, l.config.Burst)}
		l.clients[clientID] = c
	}
	c.lastAccess = now
	return c.limiter
}

func (l *Limiter) perToken() time.Duration {
	return l.config.Window / time.Duration(l.config.Limit)
}

func (l *Limiter) untilFull(tokens float64) time.Duration {
	missing := float64(l.config.Burst) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(l.perToken()))
}

func (l *Limiter) untilOne(tokens float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(l.perToken()))
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) cleanup() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanupClients()
		case <-l.cleanupStop:
			return
		}
	}
}

// cleanupClients drops buckets that have been idle longer than IdleTimeout.
func (l *Limiter) cleanupClients() {
	cutoff := l.now().Add(-l.config.IdleTimeout)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, c := range l.clients {
		if c.lastAccess.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
		}
		if l.cleanupStop != nil {
			close(l.cleanupStop)
		}
	})
}
