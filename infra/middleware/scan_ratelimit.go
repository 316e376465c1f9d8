package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RateLimiter tracks request counts per caller within a rolling window.
// Scan starts fan out to mailbox providers, so the start endpoints get
// a much tighter budget than reads.
type RateLimiter struct {
	general   map[string]*requestInfo
	scanStart map[string]*requestInfo
	mu        sync.Mutex

	generalLimit   int
	scanStartLimit int
	window         time.Duration
}

type requestInfo struct {
	count     int
	expiresAt time.Time
}

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	GeneralLimit   int
	ScanStartLimit int
	Window         time.Duration
}

// DefaultRateLimitConfig returns default configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GeneralLimit:   600,
		ScanStartLimit: 10,
		Window:         time.Minute,
	}
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		general:        make(map[string]*requestInfo),
		scanStart:      make(map[string]*requestInfo),
		generalLimit:   cfg.GeneralLimit,
		scanStartLimit: cfg.ScanStartLimit,
		window:         cfg.Window,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		for range ticker.C {
			rl.cleanup()
		}
	}()

	return rl
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, info := range rl.general {
		if now.After(info.expiresAt) {
			delete(rl.general, key)
		}
	}
	for key, info := range rl.scanStart {
		if now.After(info.expiresAt) {
			delete(rl.scanStart, key)
		}
	}
}

// Handler returns the rate limiting middleware
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == "OPTIONS" {
			return c.Next()
		}

		key := c.IP()
		if userID, ok := c.Locals("user_id").(uuid.UUID); ok {
			key = userID.String()
		}

		if isScanStartPath(c.Path()) {
			if retryAfter, ok := rl.take(rl.scanStart, key, rl.scanStartLimit); !ok {
				return limitExceeded(c, retryAfter)
			}
		}

		retryAfter, ok := rl.take(rl.general, key, rl.generalLimit)
		if !ok {
			return limitExceeded(c, retryAfter)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.generalLimit))
		return c.Next()
	}
}

func (rl *RateLimiter) take(bucket map[string]*requestInfo, key string, limit int) (retryAfter int, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	info, exists := bucket[key]
	if !exists || now.After(info.expiresAt) {
		bucket[key] = &requestInfo{count: 1, expiresAt: now.Add(rl.window)}
		return 0, true
	}
	if info.count >= limit {
		return int(info.expiresAt.Sub(now).Seconds()), false
	}
	info.count++
	return 0, true
}

func isScanStartPath(path string) bool {
	return strings.HasSuffix(path, "/scan/start") ||
		strings.HasSuffix(path, "/scan/run") ||
		strings.HasSuffix(path, "/email/scan")
}

func limitExceeded(c *fiber.Ctx, retryAfter int) error {
	return c.Status(429).JSON(fiber.Map{
		"error":       "rate limit exceeded",
		"code":        "RATE_LIMITED",
		"retry_after": retryAfter,
	})
}
