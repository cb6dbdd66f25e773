package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Enrollment is expensive (CSR verification plus an upstream attestation
// round trip) and infrequent by nature. These limits defend against
// probing scripts and resource-exhaustion attacks on the enroll endpoint.

const (
	// enrollIPMaxRequests is the maximum enrollments per IP before lockout.
	enrollIPMaxRequests = 10
	// enrollIPBaseLockout is the initial per-IP lockout duration.
	enrollIPBaseLockout = 1 * time.Minute
	// enrollIPMaxLockout caps the exponential backoff.
	enrollIPMaxLockout = 1 * time.Hour
	// enrollIPExpiry is how long after the last request before the record
	// is garbage-collected.
	enrollIPExpiry = 1 * time.Hour

	// enrollGlobalWindow is the sliding window for the global limiter.
	enrollGlobalWindow = 1 * time.Minute
	// enrollGlobalMaxRequests is the max enrollments within the window.
	enrollGlobalMaxRequests = 200
	// enrollGlobalLockout is the duration of the global lockout.
	enrollGlobalLockout = 5 * time.Minute
)

type attemptRecord struct {
	count       int
	lastRequest time.Time
	lockedUntil time.Time
}

// enrollmentIPLimiter tracks enrollment requests per source IP. Every
// request counts, not just failures, because each enrollment invocation
// is expensive regardless of outcome.
type enrollmentIPLimiter struct {
	mu       sync.Mutex
	requests map[string]*attemptRecord
}

func newEnrollmentIPLimiter() *enrollmentIPLimiter {
	return &enrollmentIPLimiter{
		requests: make(map[string]*attemptRecord),
	}
}

func (rl *enrollmentIPLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.requests[ip]
	if !ok {
		return false, 0
	}
	if time.Since(rec.lastRequest) > enrollIPExpiry {
		delete(rl.requests, ip)
		return false, 0
	}
	if time.Now().Before(rec.lockedUntil) {
		return true, time.Until(rec.lockedUntil)
	}
	return false, 0
}

// record tracks an enrollment request (success or failure) for the IP
// and applies exponential backoff once the cap is exceeded.
func (rl *enrollmentIPLimiter) record(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.requests[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.requests[ip] = rec
	}
	rec.count++
	rec.lastRequest = time.Now()

	if rec.count >= enrollIPMaxRequests {
		shift := rec.count - enrollIPMaxRequests
		lockout := enrollIPBaseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > enrollIPMaxLockout {
				lockout = enrollIPMaxLockout
				break
			}
		}
		rec.lockedUntil = time.Now().Add(lockout)
	}
}

// sweep removes expired records. Call periodically from a background
// goroutine.
func (rl *enrollmentIPLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, rec := range rl.requests {
		if now.Sub(rec.lastRequest) > enrollIPExpiry {
			delete(rl.requests, ip)
		}
	}
}

// enrollmentGlobalLimiter tracks total enrollment requests across all IPs
// using a sliding window to catch distributed probing.
type enrollmentGlobalLimiter struct {
	mu          sync.Mutex
	requests    []time.Time
	lockedUntil time.Time
}

func newEnrollmentGlobalLimiter() *enrollmentGlobalLimiter {
	return &enrollmentGlobalLimiter{}
}

func (rl *enrollmentGlobalLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Now().Before(rl.lockedUntil) {
		return true, time.Until(rl.lockedUntil)
	}
	return false, 0
}

func (rl *enrollmentGlobalLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.requests = append(rl.requests, now)
	rl.requests = trimWindow(rl.requests, now, enrollGlobalWindow)

	if len(rl.requests) >= enrollGlobalMaxRequests {
		rl.lockedUntil = now.Add(enrollGlobalLockout)
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, errKindRateLimited, "too many requests; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting, honoring
// forwarded headers only when the direct peer is a trusted proxy.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. This prevents untrusted clients from
// spoofing their source IP via headers.
//
// When trustedProxies is nil or empty (the default), proxy headers are
// never consulted and RemoteAddr is always returned.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	if peerIsTrustedProxy(remoteIP, trustedProxies) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					raw := strings.TrimSpace(param[4:])
					if ip, ok := parseIPCandidate(raw); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

// peerIsTrustedProxy reports whether the direct peer falls within one of
// the trusted CIDR ranges. Default: trust nothing.
func peerIsTrustedProxy(remoteIP string, trustedProxies []netip.Prefix) bool {
	if len(trustedProxies) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	// Remove IPv6 brackets if present.
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	// As a fallback, allow net.ParseIP normalization.
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	return "", false
}
