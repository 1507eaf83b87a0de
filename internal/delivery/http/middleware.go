package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/FilipeAphrody/aegis/internal/rbac"
)

// Context keys populated by BearerAuth for downstream handlers.
const (
	ContextAccountID   = "account_id"
	ContextSessionID   = "session_id"
	ContextPermissions = "permissions"
)

// BearerAuth validates the Authorization bearer token through the full
// verification path: signature, expiry, revocation list, and session
// liveness (which also slides the session's idle window).
func BearerAuth(svc Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing authorization header"})
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid authorization format"})
			}

			claims, err := svc.Authenticate(c.Request().Context(), parts[1])
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired token"})
			}

			c.Set(ContextAccountID, claims.AccountID)
			c.Set(ContextSessionID, claims.SessionID)
			c.Set(ContextPermissions, claims.Permissions)
			return next(c)
		}
	}
}

// RequirePermission gates a route on the token's permission snapshot. The
// snapshot was frozen at issuance; role changes take effect on re-issuance.
func RequirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			perms, ok := c.Get(ContextPermissions).([]string)
			if !ok || !rbac.HasPermission(perms, perm) {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "access denied: insufficient permissions"})
			}
			return next(c)
		}
	}
}

// ipRateLimiter hands out one token bucket per client IP. Buckets idle for
// five minutes are pruned inline on the request path, at most once per
// minute, so the table stays bounded without a background goroutine.
type ipRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*ipBucket
	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type ipBucket struct {
	lim *rate.Limiter
	ts  time.Time
}

func newIPRateLimiter(perSecond, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		buckets:   make(map[string]*ipBucket),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       5 * time.Minute,
		now:       time.Now,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.ts) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[ip] = b
	}
	b.ts = now
	return b.lim.Allow()
}

// RateLimit is a token-bucket limiter keyed by client IP, for the login
// route.
func RateLimit(perSecond, burst int) echo.MiddlewareFunc {
	limiter := newIPRateLimiter(perSecond, burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = "unknown"
			}
			if !limiter.allow(ip) {
				return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "rate limit exceeded"})
			}
			return next(c)
		}
	}
}
