package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type deviceLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// deviceLimiter 按设备限制兑换频率，防止暴力枚举激活码
type deviceLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	entries    map[string]*deviceLimiterEntry
	lastPruned time.Time
}

// newDeviceLimiter perMinute 为 0 时不限流
func newDeviceLimiter(perMinute float64, burst int) *deviceLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &deviceLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		entries: make(map[string]*deviceLimiterEntry),
	}
}

func (l *deviceLimiter) Allow(deviceID string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPruned) > limiterIdleTTL {
		for id, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.entries, id)
			}
		}
		l.lastPruned = now
	}

	e, ok := l.entries[deviceID]
	if !ok {
		e = &deviceLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[deviceID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
