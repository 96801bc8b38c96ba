// Package ratelimit gates outbound calls to external vendor origins with a
// per-origin token bucket. Buckets refill continuously, callers past the
// burst wait in FIFO order, and a throttling response from the origin can
// drive the bucket negative so the next grants land later than the normal
// refill schedule.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dealgrid/price_reconciler/internal/monitoring"
	"github.com/dealgrid/price_reconciler/internal/utils"
)

var (
	// ErrQueueSaturated is returned when an origin's wait queue is full.
	// Failing fast bounds memory and turns unbounded waiting into an
	// actionable signal for the caller.
	ErrQueueSaturated = errors.New("ratelimit: queue saturated")

	// ErrInvalidURL is returned when the request URL has no usable host
	ErrInvalidURL = errors.New("ratelimit: invalid url")
)

// Tier configures one class of origins, matched by host suffix.
type Tier struct {
	Suffix string  // host suffix, e.g. "bigretailer.example"
	Rate   float64 // tokens per second
	Burst  float64 // bucket capacity
}

// Config holds limiter configuration.
type Config struct {
	Tiers         []Tier
	DefaultRate   float64 // applied to unmatched origins
	DefaultBurst  float64
	MaxQueueDepth int     // per-origin waiter cap
	PenaltyTokens float64 // tokens subtracted on a throttling response

	IdleReclaimAfter time.Duration // idle buckets older than this are dropped
	SweepInterval    time.Duration
}

// ApplyDefaults fills in zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.DefaultRate <= 0 {
		c.DefaultRate = 2
	}
	if c.DefaultBurst <= 0 {
		c.DefaultBurst = 4
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 64
	}
	if c.PenaltyTokens <= 0 {
		c.PenaltyTokens = c.DefaultBurst
	}
	if c.IdleReclaimAfter <= 0 {
		c.IdleReclaimAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

type bucket struct {
	origin       string
	rate         float64
	burst        float64
	tokens       float64
	lastRefill   time.Time
	lastActivity time.Time
	waiters      []*waiter
	timer        *time.Timer
}

// OriginLimiter is a per-origin token-bucket gate.
type OriginLimiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	metrics *monitoring.Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an origin limiter. Call Start to enable idle-bucket reclaim.
func New(cfg Config, metrics *monitoring.Metrics, log *slog.Logger) *OriginLimiter {
	cfg.ApplyDefaults()
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	return &OriginLimiter{
		cfg:      cfg,
		buckets:  make(map[string]*bucket),
		metrics:  metrics,
		logger:   log,
		now:      utils.NowUTC,
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic idle-bucket sweep
func (l *OriginLimiter) Start() {
	l.wg.Add(1)
	go l.sweepLoop()
}

// Stop terminates the sweep loop and waits for it to exit
func (l *OriginLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Origin extracts the lowercased host used as the bucket key. Exported so
// callers can label metrics consistently with the limiter's own keying.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ErrInvalidURL
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrInvalidURL
	}
	return host, nil
}

// Acquire consumes one token for the URL's origin, waiting FIFO when the
// bucket is empty. Returns ErrQueueSaturated immediately when the origin's
// wait queue is at capacity, or the context error if cancelled while waiting.
func (l *OriginLimiter) Acquire(ctx context.Context, rawURL string) error {
	origin, err := Origin(rawURL)
	if err != nil {
		return err
	}

	l.mu.Lock()
	b := l.bucketLocked(origin)
	l.refillLocked(b)
	b.lastActivity = l.now()

	if len(b.waiters) == 0 && b.tokens >= 1 {
		b.tokens--
		l.mu.Unlock()
		return nil
	}

	if len(b.waiters) >= l.cfg.MaxQueueDepth {
		l.mu.Unlock()
		l.metrics.RecordLimiterSaturated(origin)
		l.logger.Debug("Rate limit queue saturated",
			"origin", origin,
			"max_depth", l.cfg.MaxQueueDepth,
		)
		return ErrQueueSaturated
	}

	w := &waiter{ready: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	l.metrics.UpdateLimiterQueueDepth(origin, len(b.waiters))
	l.scheduleDrainLocked(b)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// The drain granted us a token in the same instant we gave
			// up. Hand it to the next waiter instead of losing it.
			b.tokens++
			l.drainLocked(b)
		} else {
			l.removeWaiterLocked(b, w)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Penalize reacts to a throttling response from the origin by driving the
// bucket's token count negative. The next grants then wait beyond the normal
// refill schedule, independent of the caller's own retry logic. Penalties
// stack under repeated throttling.
func (l *OriginLimiter) Penalize(rawURL string) {
	origin, err := Origin(rawURL)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(origin)
	l.refillLocked(b)
	b.tokens = math.Min(b.tokens, 0) - l.cfg.PenaltyTokens
	b.lastActivity = l.now()
	l.scheduleDrainLocked(b)

	l.metrics.RecordLimiterPenalty(origin)
	l.logger.Info("Origin penalized for throttling",
		"origin", origin,
		"tokens", b.tokens,
	)
}

// QueueDepth returns the current number of waiters for the URL's origin
func (l *OriginLimiter) QueueDepth(rawURL string) int {
	origin, err := Origin(rawURL)
	if err != nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[origin]; ok {
		return len(b.waiters)
	}
	return 0
}

// Origins returns the number of live buckets
func (l *OriginLimiter) Origins() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ==================== internals ====================

func (l *OriginLimiter) bucketLocked(origin string) *bucket {
	if b, ok := l.buckets[origin]; ok {
		return b
	}

	rate, burst := l.cfg.DefaultRate, l.cfg.DefaultBurst
	for _, tier := range l.cfg.Tiers {
		if hostMatchesSuffix(origin, tier.Suffix) {
			rate, burst = tier.Rate, tier.Burst
			break
		}
	}

	b := &bucket{
		origin:       origin,
		rate:         rate,
		burst:        burst,
		tokens:       burst, // a fresh bucket starts full
		lastRefill:   l.now(),
		lastActivity: l.now(),
	}
	l.buckets[origin] = b
	return b
}

// hostMatchesSuffix matches either the exact host or any subdomain of it
func hostMatchesSuffix(host, suffix string) bool {
	suffix = strings.ToLower(suffix)
	if suffix == "" {
		return false
	}
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

func (l *OriginLimiter) refillLocked(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
}

// drainLocked grants tokens to waiters in FIFO order
func (l *OriginLimiter) drainLocked(b *bucket) {
	granted := false
	for len(b.waiters) > 0 && b.tokens >= 1 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.tokens--
		w.granted = true
		granted = true
		close(w.ready)
	}
	if granted {
		// a grant counts as activity, otherwise the idle sweep could
		// reclaim the bucket while a just-granted caller still holds a
		// reference to it
		b.lastActivity = l.now()
	}
	l.metrics.UpdateLimiterQueueDepth(b.origin, len(b.waiters))
	l.scheduleDrainLocked(b)
}

// scheduleDrainLocked arms the refill-and-drain timer for the next token
func (l *OriginLimiter) scheduleDrainLocked(b *bucket) {
	if len(b.waiters) == 0 {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		return
	}

	need := 1 - b.tokens // > 0, otherwise drainLocked would have granted
	delay := time.Duration(need / b.rate * float64(time.Second))
	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(delay, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			b.timer = nil
			l.refillLocked(b)
			l.drainLocked(b)
		})
	} else {
		b.timer.Reset(delay)
	}
}

func (l *OriginLimiter) removeWaiterLocked(b *bucket, target *waiter) {
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	l.metrics.UpdateLimiterQueueDepth(b.origin, len(b.waiters))
	l.scheduleDrainLocked(b)
}

// sweepLoop periodically reclaims idle buckets so a long-lived process
// touching many origins does not grow without bound
func (l *OriginLimiter) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.sweepIdle()
		}
	}
}

func (l *OriginLimiter) sweepIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.IdleReclaimAfter)
	removed := 0
	for origin, b := range l.buckets {
		if len(b.waiters) == 0 && b.lastActivity.Before(cutoff) {
			if b.timer != nil {
				b.timer.Stop()
			}
			delete(l.buckets, origin)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("Reclaimed idle rate limit buckets",
			"removed", removed,
			"remaining", len(l.buckets),
		)
	}
}
