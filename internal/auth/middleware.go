package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type contextKey int

const identityKey contextKey = iota

// Identity is the verified caller attached to a request context.
type Identity struct {
	UserID      string
	DisplayName string
}

// FromContext returns the identity a middleware attached, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity attaches an identity to a context. Exposed for tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Middleware verifies the bearer token and injects the caller identity. The
// token is read from the Authorization header, or from the token query
// parameter since browsers cannot set headers on WebSocket dials.
func Middleware(issuer *Issuer, store *TokenStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			http.Error(w, "missing authorization token", http.StatusUnauthorized)
			return
		}

		claims, err := issuer.Verify(raw)
		if err != nil {
			log.Debug().Err(err).Msg("token verification failed")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		info, err := store.GetToken(r.Context(), claims.Subject)
		if err != nil {
			http.Error(w, "token revoked or unknown", http.StatusUnauthorized)
			return
		}
		if time.Now().After(info.ExpiresAt) {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}

		ctx := WithIdentity(r.Context(), Identity{
			UserID:      claims.Subject,
			DisplayName: claims.DisplayName,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return h
	}
	return r.URL.Query().Get("token")
}
