package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"github.com/go-chi/chi/v5/middleware"
)

type authContextKey struct{}

// SessionLookup resolves bearer tokens to staff sessions.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
}

// AuthMiddleware requires a live staff session on every request.
func AuthMiddleware(sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			if sessionID == "" {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
				return
			}
			session, err := sessions.GetSession(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, store.ErrSessionNotFound) {
					writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
					return
				}
				writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
			ctx := context.WithValue(r.Context(), authContextKey{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionFromContext(ctx context.Context) (models.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(models.Session)
	return session, ok
}

// requireCounterAccess lets staff operate only the counter their session
// was opened for. Admins may operate any counter.
func requireCounterAccess(w http.ResponseWriter, r *http.Request, counterID int) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if session.Staff.Role == models.RoleAdmin {
		return true
	}
	if session.CounterID != counterID {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied",
			fmt.Sprintf("session is not assigned to counter %d", counterID))
		return false
	}
	return true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
