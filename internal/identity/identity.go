// Package identity resolves who is on the other end of a connection: bearer
// credential verification plus request-level identity helpers.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// AccessTokenParam is the query parameter accepted when a client cannot set
// an Authorization header (browser WebSockets).
const AccessTokenParam = "access_token"

type contextKey int

const (
	userIDKey contextKey = iota
	connectionIDKey
)

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithConnectionID returns a context carrying the connection identity.
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connectionIDKey, connID)
}

// ConnectionIDFromContext extracts the connection identity.
func ConnectionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(connectionIDKey).(string); ok {
		return v
	}
	return ""
}

// BearerFromRequest returns the bearer credential from the Authorization
// header, falling back to the access_token query parameter.
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(AccessTokenParam)
}

// Middleware puts the connection identity on the request context. A
// credential passed as access_token is moved into the Authorization header
// and removed from the URL, so access logs never see it. Install it before
// the request logger.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if ConnectionIDFromContext(ctx) == "" {
				ctx = WithConnectionID(ctx, IPFromRequest(r))
			}
			next.ServeHTTP(w, liftQueryToken(r.WithContext(ctx)))
		})
	}
}

func liftQueryToken(r *http.Request) *http.Request {
	q := r.URL.Query()
	if !q.Has(AccessTokenParam) {
		return r
	}
	token := q.Get(AccessTokenParam)
	q.Del(AccessTokenParam)

	r = r.Clone(r.Context())
	r.URL.RawQuery = q.Encode()
	r.RequestURI = r.URL.RequestURI()
	if token != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

// ConnectionID returns the connection identity set by Middleware, or the
// remote IP when the middleware is not installed.
func ConnectionID(r *http.Request) string {
	if id := ConnectionIDFromContext(r.Context()); id != "" {
		return id
	}
	return IPFromRequest(r)
}

// IPFromRequest returns a normalized remote IP. It is the connection
// identity used when no user is authenticated.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
