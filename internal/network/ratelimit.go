package network

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter throttles requests per source address. A nil limiter or a zero
// rate allows everything.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipBucket
	perSec   rate.Limit
	burst    int
	lastGC   time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleBucketTTL is how long an address without attempts keeps its bucket.
const idleBucketTTL = time.Minute

func NewIPLimiter(perSec, burst int) *IPLimiter {
	return &IPLimiter{
		limiters: make(map[string]*ipBucket),
		perSec:   rate.Limit(perSec),
		burst:    max(burst, 1),
		lastGC:   time.Now(),
	}
}

func (l *IPLimiter) Allow(ip string) bool {
	if l == nil || l.perSec <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > idleBucketTTL {
		for k, b := range l.limiters {
			if now.Sub(b.lastSeen) > idleBucketTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	b, ok := l.limiters[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.limiters[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// HostOf strips the port from a remote address.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
