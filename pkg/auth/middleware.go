package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"chatsync/pkg/logger"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

type ctxUserKey struct{}

// AuthenticateRequestMiddleware authenticates the API key, enforces CORS,
// IP whitelisting and per-key rate limits, and tags the request with the
// resolved role.
func AuthenticateRequestMiddleware(cfg SecConfig) func(http.Handler) http.Handler {
	// rate limiters keyed by api key or remote ip
	limiters := newKeyLimiters(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// cors preflight
			origin := r.Header.Get("Origin")
			if origin != "" && OriginAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,PATCH,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-User-ID")
				w.Header().Set("Access-Control-Expose-Headers", "X-Role-Name")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			// ip whitelist
			if len(cfg.IPWhitelist) > 0 {
				ip := clientIP(r)
				if !ipWhitelisted(ip, cfg.IPWhitelist) {
					utils.JSONError(w, http.StatusForbidden, "forbidden")
					logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", r.URL.Path)
					return
				}
			}

			role, key, hasAPIKey := authenticate(r, cfg)

			// allow unauthenticated health checks for probes
			if (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") && r.Method == http.MethodGet {
				r.Header.Set("X-Role-Name", "unauth")
				next.ServeHTTP(w, r)
				return
			}

			var roleName string
			switch role {
			case RoleFrontend:
				roleName = "frontend"
			case RoleBackend:
				roleName = "backend"
			case RoleAdmin:
				roleName = "admin"
			default:
				roleName = "unauth"
			}

			if role == RoleUnauth || !hasAPIKey {
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
			r.Header.Set("X-Role-Name", roleName)

			// scope enforcement for frontend keys
			if role == RoleFrontend && !frontendAllowed(r) {
				utils.JSONError(w, http.StatusForbidden, "forbidden")
				logger.Warn("request_forbidden", "reason", "frontend_not_allowed", "path", r.URL.Path)
				return
			}

			if !limiters.allow(key) {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "has_api_key", hasAPIKey, "path", r.URL.Path)
				return
			}

			if uid := strings.TrimSpace(r.Header.Get("X-User-ID")); uid != "" {
				r = r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, uid))
			}

			logger.Debug("request_allowed", "method", r.Method, "path", r.URL.Path, "role", roleName)
			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether origin matches the configured allow list.
// An empty list allows nothing; "*" allows everything. Shared between the
// CORS middleware and the websocket upgrade check.
func OriginAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// Fallback rate limit applied when the config leaves rps/burst unset.
const (
	defaultLimitRPS   = 5
	defaultLimitBurst = 10
)

// keyLimiters hands out one token bucket per API key, or per client IP
// for callers without a key. Buckets are created on first sight and kept
// for the process lifetime.
type keyLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

func newKeyLimiters(cfg SecConfig) *keyLimiters {
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultLimitRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultLimitBurst
	}
	return &keyLimiters{
		buckets: map[string]*rate.Limiter{},
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (kl *keyLimiters) allow(key string) bool {
	kl.mu.Lock()
	l, ok := kl.buckets[key]
	if !ok {
		l = rate.NewLimiter(kl.rps, kl.burst)
		kl.buckets[key] = l
	}
	kl.mu.Unlock()
	return l.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipWhitelisted(ip string, list []string) bool {
	for _, w := range list {
		if ip == w {
			return true
		}
	}
	return false
}

func authenticate(r *http.Request, cfg SecConfig) (Role, string, bool) {
	// prefer authorization: bearer <key>, fallback to x-api-key
	auth := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		key = strings.TrimSpace(auth[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		// no api key: rate-limit by client ip
		return RoleUnauth, clientIP(r), false
	}
	if cfg.AdminKeys != nil {
		if _, ok := cfg.AdminKeys[key]; ok {
			return RoleAdmin, key, true
		}
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend, key, true
	}
	if _, ok := cfg.FrontendKeys[key]; ok {
		return RoleFrontend, key, true
	}
	return RoleUnauth, key, true
}

// frontendAllowed scopes frontend keys to the conversation surface.
// Admin endpoints stay backend/admin only.
func frontendAllowed(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/v1/admin") {
		return false
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/conversations"),
		strings.HasPrefix(r.URL.Path, "/v1/users/"),
		strings.HasPrefix(r.URL.Path, "/v1/presence"),
		strings.HasPrefix(r.URL.Path, "/v1/blobs"),
		strings.HasPrefix(r.URL.Path, "/v1/ws/"):
		return true
	}
	return false
}

// UserIDFromContext returns the caller identity injected by the
// authentication middleware, or empty string.
func UserIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxUserKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ResolveUserFromRequest is the canonical identity resolver handlers call.
// It prefers the X-User-ID header (set by the trusted proxy in front of
// backend callers); body-provided identities must agree with it when both
// are present.
func ResolveUserFromRequest(r *http.Request, bodyUser string) (string, int, string) {
	header := UserIDFromContext(r.Context())
	if header == "" {
		header = strings.TrimSpace(r.Header.Get("X-User-ID"))
	}
	if header != "" && bodyUser != "" && header != bodyUser {
		logger.Warn("user_mismatch_header_body", "header", header, "body", bodyUser, "path", r.URL.Path)
		return "", http.StatusForbidden, "user mismatch between header and body"
	}
	user := header
	if user == "" {
		user = bodyUser
	}
	if user == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("user")); q != "" {
			user = q
		}
	}
	if user == "" {
		return "", http.StatusUnauthorized, "user identity required"
	}
	if err := validation.ValidateID("user", user); err != nil {
		return "", http.StatusBadRequest, err.Error()
	}
	return user, 0, ""
}
