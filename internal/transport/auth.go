package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
)

// adminLeeway absorbs clock skew between the token minter and this process.
const adminLeeway = 30 * time.Second

// AdminAuthenticator returns middleware that verifies HS256 bearer tokens
// on the admin API and stores the verified claims in the request context.
// Tokens are signed with a shared secret; issuer and audience must match
// the configured values and an expiry claim is mandatory.
func AdminAuthenticator(cfg config.AdminConfig, secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteUnauthorized(w, "Missing authorization header")
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteUnauthorized(w, "Invalid authorization header format")
				return
			}
			tokenStr := auth[7:]

			token, err := jwt.Parse(tokenStr,
				func(token *jwt.Token) (any, error) {
					if len(secret) == 0 {
						return nil, fmt.Errorf("no signing secret configured")
					}
					return secret, nil
				},
				jwt.WithValidMethods([]string{"HS256"}),
				jwt.WithIssuer(cfg.Issuer),
				jwt.WithAudience(cfg.Audience),
				jwt.WithLeeway(adminLeeway),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				WriteUnauthorized(w, classifyJWTError(err))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteUnauthorized(w, "Invalid token")
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "audience"):
		return "Invalid token audience"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	case strings.Contains(s, "secret"):
		return "Authentication unavailable"
	default:
		return "Invalid token"
	}
}
