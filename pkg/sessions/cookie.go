package sessions

import (
	"net/http"
	"strings"
)

// SetCookie writes the session cookie for token.
func (m *Manager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, m.cookie(token, int(m.cfg.Lifetime.Seconds())))
}

// ClearCookie expires the session cookie with the same attributes it was set with.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, m.cookie("", -1))
}

// TokenFromRequest reads the session token from the cookie, falling back to
// an Authorization bearer header.
func (m *Manager) TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(m.cfg.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
