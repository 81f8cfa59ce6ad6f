// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/apierr"
	"github.com/kelsjon3/stablequeue/internal/ratelimit"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

type contextKey string

const contextKeyAPIKeyRef contextKey = "api_key_ref"

// APIKeyRef returns the resolved credential key_id stashed in the
// request context by AuthMiddleware, empty when auth wasn't enforced.
func APIKeyRef(ctx context.Context) string {
	ref, _ := ctx.Value(contextKeyAPIKeyRef).(string)
	return ref
}

// RecoveryMiddleware converts a panic in a handler into a 500 response.
func RecoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeErr(w, apierr.New(apierr.Internal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware stamps a request ID header, generating one if absent.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware mirrors the teacher's allow-origin-list + preflight handling.
func CORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			for _, ao := range allowOrigins {
				if ao == "*" || ao == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware validates the bearer API key against the Credential
// store: the presented key is hashed with HMAC-SHA256 and compared to
// the stored secret_hash with hmac.Equal. On success the credential's
// key_id is stashed in the request context for downstream handlers.
func AuthMiddleware(reg *registry.Store, hmacKey []byte, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				writeErr(w, apierr.New(apierr.Unauthorized, "bearer API key required"))
				return
			}

			keyID, presented, ok := strings.Cut(parts[1], ".")
			if !ok {
				writeErr(w, apierr.New(apierr.Unauthorized, "malformed API key"))
				return
			}

			cred, err := reg.GetCredential(r.Context(), keyID)
			if err != nil {
				writeErr(w, apierr.New(apierr.Unauthorized, "unknown or inactive credential"))
				return
			}
			if !cred.Active {
				writeErr(w, apierr.New(apierr.Unauthorized, "credential revoked"))
				return
			}
			if !hmac.Equal([]byte(hashAPIKey(hmacKey, presented)), []byte(cred.SecretHash)) {
				log.Warn("api key hash mismatch", zap.String("key_id", keyID))
				writeErr(w, apierr.New(apierr.Unauthorized, "invalid API key"))
				return
			}

			_ = reg.TouchLastUsed(r.Context(), keyID)
			ctx := context.WithValue(r.Context(), contextKeyAPIKeyRef, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hashAPIKey(hmacKey []byte, presented string) string {
	h := hmac.New(sha256.New, hmacKey)
	h.Write([]byte(presented))
	return hex.EncodeToString(h.Sum(nil))
}

// RateLimitMiddleware gates requests through the Limiter, keyed by the
// authenticated credential (falling back to client IP when auth isn't
// enforced) and tiered per the credential's rate_tier.
func RateLimitMiddleware(limiter *ratelimit.Limiter, defaultTier string, reg *registry.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID := APIKeyRef(r.Context())
			if keyID == "" {
				keyID = getClientIP(r)
			}

			tier := defaultTier
			if cred, err := reg.GetCredential(r.Context(), keyID); err == nil {
				tier = cred.RateTier
			}

			allowed, err := limiter.Allow(r.Context(), keyID, tier)
			if err != nil {
				writeErr(w, apierr.Wrap(apierr.Internal, "rate limiter error", err))
				return
			}
			if !allowed {
				writeErr(w, apierr.New(apierr.RateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}
