package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/camuig/quant-trader/internal/logger"
)

var ErrEquityUnavailable = errors.New("account equity unavailable")

// EquitySource reports total account equity. broker.Gateway satisfies it.
type EquitySource interface {
	GetEquity(ctx context.Context) (float64, error)
}

// EquityCache keeps the last broker equity for ttl and never asks the broker
// more often than minSpacing. When a refresh fails the last known value is
// served instead.
type EquityCache struct {
	src        EquitySource
	ttl        time.Duration
	minSpacing time.Duration
	logger     *logger.Logger
	now        func() time.Time

	mu          sync.Mutex
	value       float64
	fetchedAt   time.Time
	lastAttempt time.Time
	valid       bool
}

func NewEquityCache(src EquitySource, ttl, minSpacing time.Duration, log *logger.Logger) *EquityCache {
	return &EquityCache{src: src, ttl: ttl, minSpacing: minSpacing, logger: log, now: time.Now}
}

// Get returns the cached equity or refreshes it. The mutex is held across
// the broker call so concurrent callers share one fetch.
func (c *EquityCache) Get(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.valid && now.Sub(c.fetchedAt) < c.ttl {
		return c.value, nil
	}
	if c.valid && now.Sub(c.lastAttempt) < c.minSpacing {
		return c.value, nil
	}

	c.lastAttempt = now
	v, err := c.src.GetEquity(ctx)
	if err != nil {
		if c.valid {
			c.logger.Warn("equity refresh failed, using cached value",
				"cached", c.value, "age", now.Sub(c.fetchedAt).String(), "error", err)
			return c.value, nil
		}
		return 0, errors.Join(ErrEquityUnavailable, err)
	}

	c.value, c.fetchedAt, c.valid = v, now, true
	return v, nil
}

// Invalidate forces the next Get to ask the broker.
func (c *EquityCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
	c.lastAttempt = time.Time{}
}
