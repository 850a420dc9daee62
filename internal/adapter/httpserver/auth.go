package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tesseralabs/tessera/internal/domain"
)

// userAPIKeyLen is the length of personal API keys issued to direct API
// users. Frontend service keys have no fixed shape; they are matched against
// the configured set.
const userAPIKeyLen = 64

// Principal is the authenticated caller: either a platform frontend acting
// on behalf of its users, or a direct API user.
type Principal struct {
	// User is set for personal API keys.
	User *domain.User
	// Frontend is true for trusted service keys; the platform identity then
	// comes from the request itself.
	Frontend bool
}

type principalKey struct{}

// PrincipalFrom returns the authenticated principal; ok is false on
// unauthenticated routes.
func PrincipalFrom(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator validates Bearer tokens against frontend service keys and
// personal API keys.
type Authenticator struct {
	Users        domain.UserRepository
	FrontendKeys map[string]struct{}
}

// NewAuthenticator constructs an Authenticator from the configured service
// keys.
func NewAuthenticator(users domain.UserRepository, frontendKeys []string) *Authenticator {
	set := make(map[string]struct{}, len(frontendKeys))
	for _, k := range frontendKeys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return &Authenticator{Users: users, FrontendKeys: set}
}

// Require rejects requests without a valid Bearer token.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		if _, ok := a.FrontendKeys[token]; ok {
			ctx := context.WithValue(r.Context(), principalKey{}, Principal{Frontend: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if len(token) == userAPIKeyLen {
			user, err := a.Users.GetByAPIKey(r.Context(), token)
			if err == nil {
				ctx := context.WithValue(r.Context(), principalKey{}, Principal{User: &user})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		writeError(w, r, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated), nil)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// clientIP strips the port from RemoteAddr, honoring X-Forwarded-For when a
// proxy set it.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
