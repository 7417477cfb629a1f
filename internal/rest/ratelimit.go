package rest

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sandchest/sandchest/internal/apierror"
)

// The edge limiter is a coarse per-IP token bucket in front of the
// per-org limits enforced in kv. State is per-process; with several API
// instances behind one address each instance counts independently.
const (
	ipEntryIdle      = 10 * time.Minute
	ipSweepEvery     = time.Minute
	ipRetryAfterSecs = 1
)

type ipBuckets struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rps     float64
	burst   int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPBuckets(rps float64, burst int) *ipBuckets {
	b := &ipBuckets{buckets: make(map[string]*ipBucket), rps: rps, burst: burst}
	go b.sweep()
	return b
}

func (b *ipBuckets) allow(ip string) bool {
	b.mu.Lock()
	entry, ok := b.buckets[ip]
	if !ok {
		entry = &ipBucket{limiter: rate.NewLimiter(rate.Limit(b.rps), b.burst)}
		b.buckets[ip] = entry
	}
	entry.lastSeen = time.Now()
	b.mu.Unlock()
	return entry.limiter.Allow()
}

// sweep drops buckets for addresses not seen recently. It runs for the
// life of the server.
func (b *ipBuckets) sweep() {
	for range time.Tick(ipSweepEvery) {
		b.mu.Lock()
		for ip, entry := range b.buckets {
			if time.Since(entry.lastSeen) > ipEntryIdle {
				delete(b.buckets, ip)
			}
		}
		b.mu.Unlock()
	}
}

// parseCIDRs parses the configured trusted proxy ranges. Entries must be
// CIDR notation; anything else is skipped with a warning.
func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	if logger == nil {
		logger = slog.Default()
	}
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			logger.Warn("skipping invalid trusted proxy CIDR", "cidr", c, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// clientIP resolves the address a request should be limited under.
// X-Real-IP and X-Forwarded-For are honored only when the direct peer
// is inside one of the trusted proxy ranges.
func clientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}

	parsed := net.ParseIP(remoteIP)
	if parsed == nil {
		return remoteIP
	}
	for _, cidr := range trustedProxies {
		if !cidr.Contains(parsed) {
			continue
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(ip)
		}
		break
	}
	return remoteIP
}

// rateLimitByIP returns middleware that throttles each client address to
// rps sustained with the given burst.
func rateLimitByIP(rps float64, burst int, trustedProxies []*net.IPNet) func(http.Handler) http.Handler {
	buckets := newIPBuckets(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !buckets.allow(clientIP(r, trustedProxies)) {
				apierror.Respond(w, r, apierror.New(apierror.CodeRateLimited,
					"rate limit exceeded").WithRetryAfter(ipRetryAfterSecs))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
