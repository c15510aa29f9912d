package sessions

import (
	"context"
	"errors"
	"net/http"
)

type contextKey struct{}

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID returns the user id stored by Require.
func UserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(contextKey{}).(int64)
	return userID, ok
}

// Require rejects requests without a valid session with 401. A session store
// failure is reported as 503 so clients retry instead of logging out.
func (m *Manager) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.Validate(r.Context(), m.TokenFromRequest(r))
		if err != nil {
			if errors.Is(err, ErrInvalidSession) {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			m.logger.Printf("session validation failed: %v", err)
			http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
