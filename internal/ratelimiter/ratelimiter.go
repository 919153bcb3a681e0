// Package ratelimiter implements the per-client adaptive rate limiter and
// circuit breaker described in spec §4.2. One Limiter belongs to exactly one
// rpcclient.Client; its Acquire/Update pair is the sole gate a call passes
// through before and after hitting the wire.
package ratelimiter

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config bounds and tunes a Limiter. Zero-value fields fall back to the
// defaults from spec §4.2.
type Config struct {
	InitialRate             float64
	MinRate                 float64
	MaxRate                 float64
	DecreaseFactor          float64
	IncreaseFactor          float64
	CircuitBreakerThreshold int
	MaxBackoff              time.Duration
	JitterFactor            float64
}

// DefaultConfig returns the spec §4.2 defaults.
func DefaultConfig() Config {
	return Config{
		InitialRate:             5.0,
		MinRate:                 1.0,
		MaxRate:                 15.0,
		DecreaseFactor:          0.4,
		IncreaseFactor:          1.02,
		CircuitBreakerThreshold: 2,
		MaxBackoff:              120 * time.Second,
		JitterFactor:            0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialRate == 0 {
		c.InitialRate = d.InitialRate
	}
	if c.MinRate == 0 {
		c.MinRate = d.MinRate
	}
	if c.MaxRate == 0 {
		c.MaxRate = d.MaxRate
	}
	if c.DecreaseFactor == 0 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.IncreaseFactor == 0 {
		c.IncreaseFactor = d.IncreaseFactor
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = d.CircuitBreakerThreshold
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// Stats is a read-only snapshot of a Limiter's counters, returned by
// Limiter.Stats.
type Stats struct {
	CurrentRate          float64
	TotalRequests         int64
	SuccessfulRequests    int64
	FailedRequests        int64
	RateLimitedRequests   int64
	ErrorCount            int
	RateLimitErrors       int
	CircuitBreakerActive  bool
	CooldownRemaining     time.Duration
}

// Limiter is the per-client adaptive rate limiter and circuit breaker of
// spec §4.2. All state mutation happens under its own mutex — it is the one
// piece of shared state a background health checker and the owning client's
// normal request path both touch (spec §5).
type Limiter struct {
	cfg Config

	mu sync.Mutex

	currentRate      float64
	errorCount       int
	rateLimitErrors  int
	lastSuccessTime  time.Time
	cooldownUntil    time.Time

	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	rateLimitedRequests int64

	now func() time.Time
}

// New creates a Limiter with the given config, applying spec §4.2 defaults
// for any zero field.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:             cfg,
		currentRate:     cfg.InitialRate,
		lastSuccessTime: time.Now(),
		now:             time.Now,
	}
}

// Acquire reports whether the caller may proceed now. It never blocks: a
// false result means the caller should back off and try later (or select a
// different client). On true, the caller must call Update once the request
// completes.
func (l *Limiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.cooldownUntil) {
		return false
	}

	minInterval := time.Duration(float64(time.Second) / l.currentRate)
	jitter := time.Duration(rand.Float64() * float64(minInterval) * l.cfg.JitterFactor)
	minInterval += jitter

	if now.Sub(l.lastSuccessTime) < minInterval {
		return false
	}

	l.totalRequests++
	return true
}

// Update mutates rate and circuit-breaker state based on the outcome of a
// call that Acquire previously admitted, per spec §4.2.
func (l *Limiter) Update(success bool, rateLimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.update(success, rateLimited)
}

// update is the unlocked core of Update; callers must hold l.mu.
func (l *Limiter) update(success bool, rateLimited bool) {
	now := l.now()

	if success {
		if l.errorCount > 0 {
			l.errorCount--
		}
		l.rateLimitErrors = 0
		l.lastSuccessTime = now
		l.successfulRequests++

		if l.successfulRequests%10 == 0 {
			l.currentRate = math.Min(l.currentRate*l.cfg.IncreaseFactor, l.cfg.MaxRate)
		}
		return
	}

	l.errorCount++
	l.failedRequests++

	if rateLimited {
		l.rateLimitedRequests++
		l.rateLimitErrors++
		l.currentRate = math.Max(l.currentRate*0.3, l.cfg.MinRate)
	} else {
		l.currentRate = math.Max(l.currentRate*l.cfg.DecreaseFactor, l.cfg.MinRate)
	}

	if l.errorCount >= l.cfg.CircuitBreakerThreshold {
		base := math.Min(
			30.0*math.Pow(2, float64(l.errorCount-l.cfg.CircuitBreakerThreshold)),
			l.cfg.MaxBackoff.Seconds(),
		)
		jitter := rand.Float64() * base * l.cfg.JitterFactor
		cooldown := base + jitter
		if l.rateLimitErrors >= 2 {
			cooldown *= 1.5
		}
		l.cooldownUntil = now.Add(time.Duration(cooldown * float64(time.Second)))

		l.errorCount = int(math.Max(1, float64(l.errorCount/2)))
	}
}

// HandleRateLimitError applies a rate-limit failure and returns the explicit
// number of seconds the caller should wait before trying this client again.
func (l *Limiter) HandleRateLimitError() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.update(false, true)

	now := l.now()
	if now.Before(l.cooldownUntil) {
		return l.cooldownUntil.Sub(now)
	}

	backoffSeconds := math.Min(5.0*math.Pow(2, float64(l.rateLimitErrors)), l.cfg.MaxBackoff.Seconds())
	jitter := rand.Float64() * backoffSeconds * l.cfg.JitterFactor
	return time.Duration((backoffSeconds + jitter) * float64(time.Second))
}

// CurrentRate returns the limiter's current admitted rate in requests/second.
func (l *Limiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}

// Stats returns a snapshot of the limiter's counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	remaining := time.Duration(0)
	if now.Before(l.cooldownUntil) {
		remaining = l.cooldownUntil.Sub(now)
	}

	return Stats{
		CurrentRate:          l.currentRate,
		TotalRequests:        l.totalRequests,
		SuccessfulRequests:   l.successfulRequests,
		FailedRequests:       l.failedRequests,
		RateLimitedRequests:  l.rateLimitedRequests,
		ErrorCount:           l.errorCount,
		RateLimitErrors:      l.rateLimitErrors,
		CircuitBreakerActive: now.Before(l.cooldownUntil),
		CooldownRemaining:    remaining,
	}
}
