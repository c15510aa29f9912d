// Package oauth implements user login with GitHub and the session endpoints
// around it.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hookgate/internal"
	"hookgate/pkg/installations"
	ghprovider "hookgate/pkg/providers/github"
	"hookgate/pkg/sessions"
	"hookgate/pkg/storage"

	"golang.org/x/oauth2"
)

// Exchanger performs the GitHub side of the login flow.
type Exchanger interface {
	Configured() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, token *oauth2.Token) (ghprovider.Profile, error)
}

// InstallationFetcher loads installation metadata as the app.
type InstallationFetcher interface {
	GetInstallation(ctx context.Context, installationID int64) (ghprovider.InstallationDetails, error)
}

// Store is the persistence the login flow needs.
type Store interface {
	storage.UserStore
	GetInstallationByGitHubID(ctx context.Context, githubInstallationID int64) (*storage.Installation, error)
}

// Handler serves the /auth routes.
type Handler struct {
	OAuth         Exchanger
	Installations InstallationFetcher
	Sessions      *sessions.Manager
	Machine       *installations.Machine
	Store         Store
	FrontendURL   string
	Logger        *log.Logger
}

func (h *Handler) logger() *log.Logger {
	if h.Logger == nil {
		return log.Default()
	}
	return h.Logger
}

// Callback completes a login, an app installation, or both. GitHub sends
// installation_id when the user just installed the app; a user who is
// already signed in only needs the installation recorded.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	logger := h.logger()
	query := r.URL.Query()

	var installationID int64
	if raw := strings.TrimSpace(query.Get("installation_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid installation_id", http.StatusBadRequest)
			return
		}
		installationID = parsed
	}

	if installationID != 0 {
		if userID, err := h.Sessions.Validate(r.Context(), h.Sessions.TokenFromRequest(r)); err == nil {
			h.linkInstallation(r.Context(), logger, userID, installationID)
			http.Redirect(w, r, frontendPath(h.FrontendURL, "/repositories"), http.StatusFound)
			return
		}
	}

	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	if installationID == 0 {
		cookie, err := r.Cookie(stateCookie)
		if err != nil || cookie.Value == "" || cookie.Value != query.Get("state") {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
	}
	clearStateCookie(w)

	token, err := h.OAuth.Exchange(r.Context(), code)
	if err != nil {
		logger.Printf("github oauth exchange failed: %v", err)
		http.Error(w, "token exchange failed", internal.HTTPStatus(err))
		return
	}
	profile, err := h.OAuth.FetchProfile(r.Context(), token)
	if err != nil {
		logger.Printf("github profile fetch failed: %v", err)
		http.Error(w, "profile lookup failed", internal.HTTPStatus(err))
		return
	}

	now := time.Now().UTC()
	user, err := h.Store.UpsertUser(r.Context(), storage.User{
		GitHubID:        profile.ID,
		GitHubLogin:     profile.Login,
		GitHubName:      profile.Name,
		GitHubEmail:     profile.Email,
		GitHubAvatarURL: profile.AvatarURL,
		AccessTokenHash: h.Sessions.Digest(token.AccessToken),
		LastLoginAt:     &now,
	})
	if err != nil {
		logger.Printf("user upsert failed github_id=%d: %v", profile.ID, err)
		http.Error(w, "user persist failed", http.StatusServiceUnavailable)
		return
	}

	_, raw, err := h.Sessions.Create(r.Context(), user.ID, sessions.ClientMetadata{
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
	})
	if err != nil {
		logger.Printf("session create failed user=%d: %v", user.ID, err)
		http.Error(w, "session create failed", http.StatusServiceUnavailable)
		return
	}
	h.Sessions.SetCookie(w, raw)
	logger.Printf("login user=%d login=%s installation_id=%d", user.ID, user.GitHubLogin, installationID)

	target := frontendPath(h.FrontendURL, "")
	if installationID != 0 {
		h.linkInstallation(r.Context(), logger, user.ID, installationID)
		target = frontendPath(h.FrontendURL, "/repositories")
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// linkInstallation records an installation for userID. Every failure is
// logged and swallowed so the login itself still succeeds.
func (h *Handler) linkInstallation(ctx context.Context, logger *log.Logger, userID, githubInstallationID int64) {
	existing, err := h.Store.GetInstallationByGitHubID(ctx, githubInstallationID)
	if err != nil {
		logger.Printf("installation lookup failed github_id=%d: %v", githubInstallationID, err)
		return
	}
	if existing != nil {
		return
	}

	inst := storage.Installation{UserID: userID, GitHubInstallationID: githubInstallationID}
	if h.Installations != nil {
		details, err := h.Installations.GetInstallation(ctx, githubInstallationID)
		if err != nil {
			logger.Printf("installation backfill failed github_id=%d: %v", githubInstallationID, err)
		} else {
			inst.AccountType = details.AccountType
			inst.AccountLogin = details.AccountLogin
			inst.AccountID = details.AccountID
			inst.TargetType = details.TargetType
			inst.PermissionsJSON = details.PermissionsJSON
			inst.EventsJSON = details.EventsJSON
		}
	}
	if _, err := h.Machine.Create(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Printf("installation not linked github_id=%d user=%d: user already has an installation", githubInstallationID, userID)
			return
		}
		logger.Printf("installation create failed github_id=%d: %v", githubInstallationID, err)
	}
}

// Logout ends the current session and sends the browser to the login page.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Invalidate(r.Context(), h.Sessions.TokenFromRequest(r)); err != nil {
		h.logger().Printf("logout failed: %v", err)
	}
	h.Sessions.ClearCookie(w)
	http.Redirect(w, r, frontendPath(h.FrontendURL, "/login?logout=success"), http.StatusFound)
}

// Me returns the signed-in user. It must run behind sessions.Manager.Require.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessions.UserID(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	user, err := h.Store.GetUser(r.Context(), userID)
	if err != nil {
		h.logger().Printf("user lookup failed id=%d: %v", userID, err)
		http.Error(w, "user lookup failed", http.StatusServiceUnavailable)
		return
	}
	if user == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, user)
}

// RevokeAll ends every session of the signed-in user.
func (h *Handler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessions.UserID(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	count, err := h.Sessions.InvalidateAll(r.Context(), userID)
	if err != nil {
		h.logger().Printf("revoke sessions failed user=%d: %v", userID, err)
		http.Error(w, "revoke failed", http.StatusServiceUnavailable)
		return
	}
	h.Sessions.ClearCookie(w)
	writeJSON(w, map[string]int64{"revoked": count})
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
