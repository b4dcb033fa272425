package router

import (
	"sync"
	"time"
)

// RateLimiter counts events per connection in fixed one-minute windows.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*ClientLimit
}

// ClientLimit tracks one connection's current window.
type ClientLimit struct {
	eventCount  int
	windowStart time.Time
}

// NewRateLimiter allows limit events per minute per connection. A limit of
// zero or less disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		now:     time.Now,
		clients: make(map[string]*ClientLimit),
	}
}

// Allow reports whether connID may send another event.
func (rl *RateLimiter) Allow(connID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[connID]
	if !exists {
		rl.clients[connID] = &ClientLimit{eventCount: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.eventCount = 1
		limit.windowStart = now
		return true
	}

	if limit.eventCount >= rl.limit {
		return false
	}

	limit.eventCount++
	return true
}

// Forget drops the state for a closed connection.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, connID)
}

// Cleanup removes entries idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for connID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, connID)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
