package bridged

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// ScopeAdmin guards the operator plane: pause, resume, credential issuance.
const ScopeAdmin = "bridge.admin"

type contextKey string

const contextKeyActor contextKey = "bridged.actor"

// actorFromContext returns the authenticated admin subject, if any.
func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(contextKeyActor).(string); ok {
		return actor
	}
	return ""
}

// adminAuth validates HMAC-signed bearer tokens for the operator plane.
type adminAuth struct {
	secret    []byte
	clockSkew time.Duration
	logger    *slog.Logger
}

func newAdminAuth(secret string, logger *slog.Logger) *adminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &adminAuth{
		secret:    []byte(strings.TrimSpace(secret)),
		clockSkew: 2 * time.Minute,
		logger:    logger,
	}
}

// Middleware rejects requests lacking a valid admin-scoped bearer token.
func (a *adminAuth) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(token)
			if err != nil {
				a.logger.Warn("admin token rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims)
			if len(requiredScopes) > 0 && !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			actor := "admin"
			if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
				actor = strings.TrimSpace(sub)
			}
			ctx := context.WithValue(r.Context(), contextKeyActor, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *adminAuth) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("admin secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.clockSkew))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case string:
		return strings.Fields(value)
	case []interface{}:
		scopes := make([]string, 0, len(value))
		for _, entry := range value {
			if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
				scopes = append(scopes, strings.TrimSpace(s))
			}
		}
		return scopes
	default:
		return nil
	}
}

func hasScopes(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		set[scope] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := set[scope]; !ok {
			return false
		}
	}
	return true
}

// burstLimiter bounds per-address request bursts at the transport layer. It is
// a coarse front-door guard; the per-client fixed-window limiter inside the
// security gateway is the authoritative quota.
type burstLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newBurstLimiter(requestsPerMinute int, burst int) *burstLimiter {
	perSecond := float64(requestsPerMinute) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 10
	}
	return &burstLimiter{
		visitors: make(map[string]*rate.Limiter),
		rps:      rate.Limit(perSecond),
		burst:    burst,
	}
}

func (b *burstLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.obtain(remoteHost(r)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *burstLimiter) obtain(id string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	limiter, ok := b.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(b.rps, b.burst)
		b.visitors[id] = limiter
	}
	return limiter
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
