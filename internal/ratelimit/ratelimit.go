// Package ratelimit paces outgoing requests per host.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	sweepEvery     = 512
)

// HostLimiter applies a token bucket per host and evicts idle entries. A nil
// *HostLimiter never blocks.
type HostLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mtx    sync.Mutex
	byHost map[string]*entry
	hits   uint64
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter allowing rps requests per second per host with the
// given burst. It returns nil if rps or burst is not positive.
func New(rps float64, burst int, idleTTL time.Duration) *HostLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &HostLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byHost:  make(map[string]*entry),
	}
}

// allow reports whether a request to host may be sent at now without
// waiting, consuming a token if so.
func (l *HostLimiter) allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	lim := l.limiter(host, now)
	if lim == nil {
		return true
	}
	return lim.AllowN(now, 1)
}

// Wait blocks until a request to host may be sent or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil {
		return nil
	}
	lim := l.limiter(host, time.Now())
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// size returns the number of tracked hosts.
func (l *HostLimiter) size() int {
	if l == nil {
		return 0
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.byHost)
}

func (l *HostLimiter) limiter(host string, now time.Time) *rate.Limiter {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	e, ok := l.byHost[host]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byHost[host] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%sweepEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byHost {
			if v.lastSeen.Before(cutoff) {
				delete(l.byHost, k)
			}
		}
	}
	return e.limiter
}
