package ratelimiter

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(clientIP string) bool
}

// SlidingWindowRateLimiter admits at most limit requests per client within
// any window-long interval.
type SlidingWindowRateLimiter struct {
	limit       int
	window      time.Duration
	now         func() time.Time
	clients     map[string][]time.Time
	mutex       sync.Mutex
	cleanupTick time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// Option customizes a SlidingWindowRateLimiter.
type Option func(*SlidingWindowRateLimiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *SlidingWindowRateLimiter) {
		rl.now = now
	}
}

// WithCleanupInterval sets how often idle clients are evicted.
func WithCleanupInterval(d time.Duration) Option {
	return func(rl *SlidingWindowRateLimiter) {
		rl.cleanupTick = d
	}
}

// NewSlidingWindowRateLimiter creates a limiter and starts its cleanup routine.
// Call Stop to release the routine.
func NewSlidingWindowRateLimiter(limit int, window time.Duration, opts ...Option) *SlidingWindowRateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &SlidingWindowRateLimiter{
		limit:       limit,
		window:      window,
		now:         time.Now,
		clients:     make(map[string][]time.Time),
		cleanupTick: 10 * time.Minute,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}

	go rl.cleanupRoutine()

	return rl
}

// Allow records a request for clientIP and reports whether it is admitted.
// Rejected requests are not recorded.
func (rl *SlidingWindowRateLimiter) Allow(clientIP string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	hits := prune(rl.clients[clientIP], now.Add(-rl.window))
	if len(hits) >= rl.limit {
		rl.clients[clientIP] = hits
		return false
	}
	rl.clients[clientIP] = append(hits, now)
	return true
}

// RetryAfter returns how long clientIP has to wait for its next admission.
func (rl *SlidingWindowRateLimiter) RetryAfter(clientIP string) time.Duration {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	hits := prune(rl.clients[clientIP], now.Add(-rl.window))
	if len(hits) < rl.limit {
		return 0
	}
	return hits[len(hits)-rl.limit].Add(rl.window).Sub(now)
}

// Stop ends the cleanup routine.
func (rl *SlidingWindowRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// prune drops timestamps at or before cutoff; hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

func (rl *SlidingWindowRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(rl.cleanupTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup removes clients with no request inside the current window
func (rl *SlidingWindowRateLimiter) cleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for ip, hits := range rl.clients {
		if len(prune(hits, cutoff)) == 0 {
			delete(rl.clients, ip)
		}
	}
}

// trackedClients is used by tests to observe eviction.
func (rl *SlidingWindowRateLimiter) trackedClients() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.clients)
}

// MiddlewareOptions configures RateLimitMiddleware.
type MiddlewareOptions struct {
	// ClientKey derives the limiter key from a request.
	ClientKey func(r *http.Request) string
	// Message is the error text of the 429 body.
	Message string
	// RetryAfter is reported in the 429 body, in seconds.
	RetryAfter time.Duration
	// OnReject runs for every rejected request.
	OnReject func(r *http.Request, key string)
}

type limitedResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// RateLimitMiddleware wraps an http.Handler with rate limiting. Rejected
// requests get 429 with a JSON body and never reach next.
func RateLimitMiddleware(rateLimiter RateLimiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	clientKey := opts.ClientKey
	if clientKey == nil {
		clientKey = func(r *http.Request) string { return r.RemoteAddr }
	}
	message := opts.Message
	if message == "" {
		message = "Rate limit exceeded"
	}
	retryAfter := opts.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	retrySeconds := int(math.Ceil(retryAfter.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			if !rateLimiter.Allow(key) {
				if opts.OnReject != nil {
					opts.OnReject(r, key)
				}
				header := retrySeconds
				if sw, ok := rateLimiter.(*SlidingWindowRateLimiter); ok {
					if d := sw.RetryAfter(key); d > 0 {
						header = int(math.Ceil(d.Seconds()))
					}
				}
				w.Header().Set("Retry-After", strconv.Itoa(header))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(limitedResponse{Error: message, RetryAfter: retrySeconds})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
