package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"hookgate/internal"
	"hookgate/pkg/installations"
	ghprovider "hookgate/pkg/providers/github"
	"hookgate/pkg/sessions"
	"hookgate/pkg/storage"
	"hookgate/pkg/storage/memory"

	"golang.org/x/oauth2"
)

type stubExchanger struct {
	exchangeErr error
	codes       []string
}

func (s *stubExchanger) Configured() bool { return true }

func (s *stubExchanger) AuthCodeURL(state string) string {
	return "https://github.com/login/oauth/authorize?state=" + url.QueryEscape(state)
}

func (s *stubExchanger) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	s.codes = append(s.codes, code)
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	return &oauth2.Token{AccessToken: "gho_user_token"}, nil
}

func (s *stubExchanger) FetchProfile(ctx context.Context, token *oauth2.Token) (ghprovider.Profile, error) {
	return ghprovider.Profile{ID: 1001, Login: "octocat", Name: "The Octocat"}, nil
}

type stubFetcher struct {
	err error
}

func (f stubFetcher) GetInstallation(ctx context.Context, installationID int64) (ghprovider.InstallationDetails, error) {
	if f.err != nil {
		return ghprovider.InstallationDetails{}, f.err
	}
	return ghprovider.InstallationDetails{AccountType: "Organization", AccountLogin: "acme", AccountID: 5}, nil
}

func newTestHandler(t *testing.T, exchanger *stubExchanger, fetcher InstallationFetcher) (*Handler, *memory.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := memory.New()
	manager, err := sessions.NewManager(store, sessions.Config{SecretKey: "k", Lifetime: time.Hour}, logger)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	return &Handler{
		OAuth:         exchanger,
		Installations: fetcher,
		Sessions:      manager,
		Machine:       installations.NewMachine(store, logger),
		Store:         store,
		FrontendURL:   "https://app.example.com",
		Logger:        logger,
	}, store
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "session_token" && cookie.Value != "" {
			return cookie
		}
	}
	t.Fatalf("expected session cookie in %v", rec.Result().Cookies())
	return nil
}

func TestLoginSetsStateCookie(t *testing.T) {
	h, _ := newTestHandler(t, &stubExchanger{}, nil)
	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != stateCookie || cookies[0].MaxAge != stateMaxAge {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
	if !strings.Contains(rec.Header().Get("Location"), "state="+cookies[0].Value) {
		t.Fatalf("expected state in redirect, got %q", rec.Header().Get("Location"))
	}
}

func TestCallbackLogin(t *testing.T) {
	exchanger := &stubExchanger{}
	h, store := newTestHandler(t, exchanger, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=s1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "s1"})
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://app.example.com" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Location"))
	}
	cookie := sessionCookie(t, rec)
	userID, err := h.Sessions.Validate(context.Background(), cookie.Value)
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}
	user, _ := store.GetUser(context.Background(), userID)
	if user == nil || user.GitHubLogin != "octocat" || user.LastLoginAt == nil {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.AccessTokenHash == "" || user.AccessTokenHash == "gho_user_token" {
		t.Fatalf("expected access token digest, got %q", user.AccessTokenHash)
	}
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	exchanger := &stubExchanger{}
	h, _ := newTestHandler(t, exchanger, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "s1"})
	rec := httptest.NewRecorder()
	h.Callback(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(exchanger.codes) != 0 {
		t.Fatalf("code must not be exchanged on state mismatch")
	}

	rec = httptest.NewRecorder()
	h.Callback(rec, httptest.NewRequest(http.MethodGet, "/auth/callback", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without code, got %d", rec.Code)
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	exchanger := &stubExchanger{exchangeErr: &internal.ExternalServiceError{Service: "github oauth exchange", Status: 400, Err: errors.New("bad_verification_code")}}
	h, _ := newTestHandler(t, exchanger, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=s1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "s1"})
	rec := httptest.NewRecorder()
	h.Callback(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCallbackWithInstallationBackfills(t *testing.T) {
	h, store := newTestHandler(t, &stubExchanger{}, stubFetcher{})

	rec := httptest.NewRecorder()
	h.Callback(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&installation_id=321&setup_action=install", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://app.example.com/repositories" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Location"))
	}
	inst, _ := store.GetInstallationByGitHubID(context.Background(), 321)
	if inst == nil || inst.AccountLogin != "acme" || inst.Status != storage.StatusActive {
		t.Fatalf("expected backfilled installation, got %+v", inst)
	}
}

func TestCallbackInstallationWithSessionSkipsExchange(t *testing.T) {
	exchanger := &stubExchanger{}
	h, store := newTestHandler(t, exchanger, stubFetcher{err: errors.New("github down")})
	_, token, err := h.Sessions.Create(context.Background(), 44, sessions.ClientMetadata{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?installation_id=654", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: token})
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	if rec.Code != http.StatusFound || !strings.HasSuffix(rec.Header().Get("Location"), "/repositories") {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if len(exchanger.codes) != 0 {
		t.Fatalf("expected no code exchange")
	}
	inst, _ := store.GetInstallationByGitHubID(context.Background(), 654)
	if inst == nil || inst.UserID != 44 {
		t.Fatalf("expected placeholder installation for user 44, got %+v", inst)
	}
}

func TestLogoutAndRevokeAll(t *testing.T) {
	h, store := newTestHandler(t, &stubExchanger{}, nil)
	ctx := context.Background()
	user, err := store.UpsertUser(ctx, storage.User{GitHubID: 1, GitHubLogin: "octocat"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	_, first, _ := h.Sessions.Create(ctx, user.ID, sessions.ClientMetadata{})
	_, second, _ := h.Sessions.Create(ctx, user.ID, sessions.ClientMetadata{})
	_, third, _ := h.Sessions.Create(ctx, user.ID, sessions.ClientMetadata{})

	req := httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "session_token", Value: first})
	rec := httptest.NewRecorder()
	h.Logout(rec, req)
	if rec.Header().Get("Location") != "https://app.example.com/login?logout=success" {
		t.Fatalf("unexpected logout redirect %q", rec.Header().Get("Location"))
	}
	if _, err := h.Sessions.Validate(ctx, first); !errors.Is(err, sessions.ErrInvalidSession) {
		t.Fatalf("expected first session invalid, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/sessions/revoke-all", nil)
	req.Header.Set("Authorization", "Bearer "+second)
	rec = httptest.NewRecorder()
	h.Sessions.Require(http.HandlerFunc(h.RevokeAll)).ServeHTTP(rec, req)
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["revoked"] != 2 {
		t.Fatalf("expected two revoked sessions, got %s %v", rec.Body.String(), err)
	}
	if _, err := h.Sessions.Validate(ctx, third); !errors.Is(err, sessions.ErrInvalidSession) {
		t.Fatalf("expected third session invalid, got %v", err)
	}
}

func TestMe(t *testing.T) {
	h, store := newTestHandler(t, &stubExchanger{}, nil)
	user, _ := store.UpsertUser(context.Background(), storage.User{GitHubID: 1, GitHubLogin: "octocat", AccessTokenHash: "digest"})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(sessions.WithUserID(req.Context(), user.ID))
	rec := httptest.NewRecorder()
	h.Me(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"github_login":"octocat"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "digest") {
		t.Fatalf("access token digest must not be serialized")
	}
}

func TestInstallURL(t *testing.T) {
	got, err := InstallURL("", "hookgate-app")
	if err != nil || got != "https://github.com/apps/hookgate-app/installations/new" {
		t.Fatalf("unexpected install url %q %v", got, err)
	}
	if _, err := InstallURL("", ""); err == nil {
		t.Fatalf("expected error without slug")
	}
}
