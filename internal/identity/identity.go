// Package identity extracts the authenticated owner identity for each
// request. Authentication itself happens upstream; this layer trusts the
// verified owner id it is handed and only checks its shape.
package identity

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// OwnerHeaderName carries the authenticated owner id set by the auth
	// collaborator in front of this service.
	OwnerHeaderName = "X-User-ID"

	// AnonCookieName stores the generated owner id in development mode,
	// where no auth layer runs in front of the server.
	AnonCookieName = "cipherchat_anon_id"

	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const ownerIDKey contextKey = iota

// OwnerIDFromContext extracts the owner id from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware resolves the owner id for every request. The header value wins;
// in development mode a missing header falls back to a cookie-persisted
// anonymous id so local clients work without an auth layer.
func Middleware(development bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := r.Header.Get(OwnerHeaderName)
			if ownerID == "" && development {
				ownerID = anonIDFromCookie(w, r)
			}
			if _, err := uuid.Parse(ownerID); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error": "missing or invalid owner identity"}`))
				return
			}

			ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func anonIDFromCookie(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(AnonCookieName); err == nil {
		if _, err := uuid.Parse(cookie.Value); err == nil {
			return cookie.Value
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
