package gateway

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// authFailureLimiter throttles the warning log for repeated 401s per source
// IP: a credential-stuffing burst against one source degrades to one warning
// log per window instead of flooding the logs. Every rejected request still
// receives its 401 response.
type authFailureLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newAuthFailureLimiter(r rate.Limit, burst int) *authFailureLimiter {
	return &authFailureLimiter{limiters: make(map[string]*rate.Limiter), rate: r, burst: burst}
}

func (l *authFailureLimiter) allow(req *http.Request) bool {
	ip := clientIP(req)
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
