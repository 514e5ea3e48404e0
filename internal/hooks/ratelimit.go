package hooks

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/grantcarthew/wsgate/internal/lifecycle"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// RateLimit applies a token bucket per peer address to new connections and
// periodically evicts idle entries.
type RateLimit struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*limitEntry
	hits    uint64
	idleTTL time.Duration
	now     func() time.Time
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimit creates a per-peer limiter; returns nil if args are invalid.
// A nil *RateLimit allows everything.
func NewRateLimit(rps float64, burst int, idleTTL time.Duration) *RateLimit {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RateLimit{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*limitEntry),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow reports whether one token can be consumed for the key at now.
func (l *RateLimit) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limitEntry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	return allowed
}

// OnConnect rejects the connection with StatusTryAgainLater when the peer
// has exhausted its bucket.
func (l *RateLimit) OnConnect(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	if l.Allow(peerKey(scope.RemoteAddr), l.clock()) {
		return nil
	}
	return lifecycle.Reject(wsconn.StatusTryAgainLater, "rate limit exceeded")
}

// OnComplete implements lifecycle.Hook.
func (l *RateLimit) OnComplete(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	return nil
}

func (l *RateLimit) clock() time.Time {
	if l == nil || l.now == nil {
		return time.Now()
	}
	return l.now()
}

// peerKey reduces a remote address to its host.
func peerKey(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
