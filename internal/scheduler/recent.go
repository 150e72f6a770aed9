package scheduler

import (
	"sync"
	"time"

	"github.com/camuig/quant-trader/internal/model"
)

type recentKey struct {
	strategyID uint
	symbol     string
	side       model.Side
}

// recentOrders remembers submissions for a short window. It absorbs bursts;
// the order table stays the authoritative check across restarts.
type recentOrders struct {
	mu      sync.Mutex
	entries map[recentKey]time.Time
}

func newRecentOrders() *recentOrders {
	return &recentOrders{entries: make(map[recentKey]time.Time)}
}

// claim records key at now unless it was claimed less than window ago.
func (r *recentOrders) claim(key recentKey, now time.Time, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, at := range r.entries {
		if now.Sub(at) >= window {
			delete(r.entries, k)
		}
	}
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.entries[key] = now
	return true
}

func (r *recentOrders) forget(key recentKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}
