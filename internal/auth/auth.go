// Package auth resolves caller identity for the REST surface and the node
// gRPC stream. API keys and session cookies both resolve to an AuthContext
// carrying the org and the granted scopes; node daemons authenticate with
// separate bearer tokens that never overlap the tenant keyspace.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/store"
)

const (
	SessionCookieName = "sandchest_session"
	sessionTokenLen   = 32

	// APIKeyPrefix marks raw API keys; only the hash is stored.
	APIKeyPrefix = "sk_"
)

// AuthContext is the resolved identity of a request.
type AuthContext struct {
	UserID string
	OrgID  string
	Scopes []string
	// KeyID is set when the caller used an API key.
	KeyID string
}

type authKey struct{}

// FromContext returns the identity attached by RequireAuth, or nil.
func FromContext(ctx context.Context) *AuthContext {
	a, _ := ctx.Value(authKey{}).(*AuthContext)
	return a
}

// WithAuthContext attaches an identity; exported for handler tests.
func WithAuthContext(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, authKey{}, a)
}

// HashToken produces a SHA-256 hex digest of a raw bearer token or
// session token.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func generateToken() (string, error) {
	b := make([]byte, sessionTokenLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ScopesAllow reports whether the granted scopes cover required. An empty
// grant means full access; "sandbox:*" covers every sandbox scope; "*"
// covers everything.
func ScopesAllow(scopes []string, required string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == required || s == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, ":*"); ok && strings.HasPrefix(required, prefix+":") {
			return true
		}
	}
	return false
}

// MintAPIKey creates an API key for an org and returns the raw secret.
// The secret is shown once; only its hash persists.
func MintAPIKey(ctx context.Context, st store.Store, orgID, userID, name string, scopes []string, expiresAt *time.Time) (string, *store.APIKey, error) {
	raw, err := generateToken()
	if err != nil {
		return "", nil, err
	}
	raw = APIKeyPrefix + raw

	key := &store.APIKey{
		ID:        HashToken(raw)[:32],
		OrgID:     orgID,
		UserID:    userID,
		Name:      name,
		KeyHash:   HashToken(raw),
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("create api key: %w", err)
	}
	return raw, key, nil
}

// CreateSession stores a session keyed by the hash of a fresh random
// token and returns the raw token for the cookie.
func CreateSession(ctx context.Context, st store.Store, userID, orgID string, ttl time.Duration) (string, *store.UserSession, error) {
	raw, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	sess := &store.UserSession{
		ID:        HashToken(raw),
		UserID:    userID,
		OrgID:     orgID,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := st.CreateUserSession(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	return raw, sess, nil
}

func SetSessionCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// RequireAuth resolves a Bearer API key or session cookie into an
// AuthContext. Requests with neither credential get 401.
func RequireAuth(st store.Store, secureCookies bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw, ok := bearerToken(r); ok {
				key, err := st.GetAPIKeyByHash(r.Context(), HashToken(raw))
				if err != nil {
					apierror.Respond(w, r, apierror.New(apierror.CodeAuthentication, "invalid api key"))
					return
				}
				ctx := WithAuthContext(r.Context(), &AuthContext{
					UserID: key.UserID,
					OrgID:  key.OrgID,
					Scopes: key.Scopes,
					KeyID:  key.ID,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			cookie, err := r.Cookie(SessionCookieName)
			if err != nil {
				apierror.Respond(w, r, apierror.New(apierror.CodeAuthentication, "authentication required"))
				return
			}
			sess, err := st.GetUserSession(r.Context(), HashToken(cookie.Value))
			if err != nil {
				ClearSessionCookie(w, secureCookies)
				apierror.Respond(w, r, apierror.New(apierror.CodeAuthentication, "invalid or expired session"))
				return
			}
			ctx := WithAuthContext(r.Context(), &AuthContext{
				UserID: sess.UserID,
				OrgID:  sess.OrgID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope gates a route group on one scope. Must sit inside
// RequireAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := FromContext(r.Context())
			if a == nil {
				apierror.Respond(w, r, apierror.New(apierror.CodeAuthentication, "authentication required"))
				return
			}
			if !ScopesAllow(a.Scopes, scope) {
				apierror.Respond(w, r, apierror.Forbidden("missing scope %s", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin gates operator endpoints on a static bearer token. An
// empty configured token disables the endpoints entirely.
func RequireAdmin(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				apierror.Respond(w, r, apierror.NotFound("not found"))
				return
			}
			raw, ok := bearerToken(r)
			if !ok || subtleEqual(raw, adminToken) != 1 {
				apierror.Respond(w, r, apierror.New(apierror.CodeAuthentication, "invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func subtleEqual(a, b string) int {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b))
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}
