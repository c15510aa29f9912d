package oauth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"hookgate/internal"
)

const (
	stateCookie = "oauth_state"
	stateMaxAge = 600
)

// Login redirects the browser to the GitHub authorize page. The state is
// bound to the browser with a short-lived cookie and checked on callback.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || !h.OAuth.Configured() {
		err := &internal.ConfigurationError{Setting: "github.client_id", Reason: "oauth client credentials are required"}
		h.logger().Printf("login unavailable: %v", err)
		http.Error(w, "oauth client config missing", internal.HTTPStatus(err))
		return
	}
	state := randomID()
	if state == "" {
		http.Error(w, "state generation failed", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   stateMaxAge,
		HttpOnly: true,
		Secure:   forwardedProto(r) == "https",
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.OAuth.AuthCodeURL(state), http.StatusFound)
}

// InstallURL returns the page where a user installs the app on an account.
func InstallURL(webBaseURL, appSlug string) (string, error) {
	appSlug = strings.TrimSpace(appSlug)
	if appSlug == "" {
		return "", &internal.ConfigurationError{Setting: "github.app_slug", Reason: "is required"}
	}
	webBase := strings.TrimRight(strings.TrimSpace(webBaseURL), "/")
	if webBase == "" {
		webBase = "https://github.com"
	}
	u, err := url.Parse(fmt.Sprintf("%s/apps/%s/installations/new", webBase, url.PathEscape(appSlug)))
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}
