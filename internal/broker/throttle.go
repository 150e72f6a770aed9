package broker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// pressure above which calls are spaced out further
const throttleBackoffAt = 0.8

// Throttle spaces broker calls and caps them per hour. As the hourly budget
// runs low the spacing grows, up to five times the configured minimum.
type Throttle struct {
	spacing    *rate.Limiter
	hourly     *rate.Limiter
	minSpacing time.Duration
	cap        int
}

func NewThrottle(minSpacing time.Duration, hourlyCap int) *Throttle {
	t := &Throttle{minSpacing: minSpacing, cap: hourlyCap}
	if minSpacing > 0 {
		t.spacing = rate.NewLimiter(rate.Every(minSpacing), 1)
	} else {
		t.spacing = rate.NewLimiter(rate.Inf, 1)
	}
	if hourlyCap > 0 {
		t.hourly = rate.NewLimiter(rate.Limit(float64(hourlyCap)/3600), hourlyCap)
	} else {
		t.hourly = rate.NewLimiter(rate.Inf, 1)
	}
	return t
}

// Wait blocks until a call is allowed. A wait that cannot finish before the
// context deadline is reported as ErrRateLimited.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.hourly.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	if extra := t.backoff(); extra > 0 {
		timer := time.NewTimer(extra)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := t.spacing.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// Pressure is the used fraction of the hourly cap, 0 when uncapped.
func (t *Throttle) Pressure() float64 {
	if t == nil || t.cap <= 0 {
		return 0
	}
	p := 1 - t.hourly.Tokens()/float64(t.cap)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func (t *Throttle) backoff() time.Duration {
	p := t.Pressure()
	if p <= throttleBackoffAt || t.minSpacing <= 0 {
		return 0
	}
	// linear from 0 at the threshold to 4x spacing at the cap
	scale := (p - throttleBackoffAt) / (1 - throttleBackoffAt) * 4
	return time.Duration(scale * float64(t.minSpacing))
}
