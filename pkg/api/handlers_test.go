package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"hookgate/internal"
	"hookgate/pkg/installations"
	"hookgate/pkg/sessions"
	"hookgate/pkg/storage"
	"hookgate/pkg/storage/memory"

	"github.com/go-chi/chi/v5"
	gh "github.com/google/go-github/v57/github"
)

type stubFetcher struct {
	repos map[int64]*gh.Repository
	err   error
}

func (f stubFetcher) FindRepository(ctx context.Context, installationID, githubRepoID int64) (*gh.Repository, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.repos[githubRepoID], nil
}

type apiHarness struct {
	router http.Handler
	store  *memory.Store
}

func newAPIHarness(t *testing.T, fetcher RepositoryFetcher) apiHarness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := memory.New()
	inst := &InstallationsHandler{Store: store, Machine: installations.NewMachine(store, logger), AppSlug: "hookgate-app", Logger: logger}
	repos := &RepositoriesHandler{Store: store, GitHub: fetcher, Logger: logger}
	events := &EventsHandler{Store: store, Logger: logger}

	r := chi.NewRouter()
	r.Get("/health", Health)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				var userID int64
				if _, err := fmt.Sscan(req.Header.Get("X-Test-User"), &userID); err != nil {
					http.Error(w, "authentication required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, req.WithContext(sessions.WithUserID(req.Context(), userID)))
			})
		})
		r.Get("/installations", inst.List)
		r.Get("/installations/connect", inst.Connect)
		r.Get("/installations/callback", inst.Callback)
		r.Get("/installations/{id}", inst.Get)
		r.Get("/repositories", repos.List)
		r.Get("/repositories/{repoID}", repos.Get)
		r.Get("/repositories/{repoID}/events", repos.Events)
		r.Get("/events", events.List)
	})
	return apiHarness{router: r, store: store}
}

func (h apiHarness) get(t *testing.T, path string, userID int64, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != 0 {
		req.Header.Set("X-Test-User", fmt.Sprint(userID))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, stubFetcher{})
	var body map[string]interface{}
	rec := h.get(t, "/health", 0, &body)
	if rec.Code != http.StatusOK || body["status"] != "healthy" || body["version"] != internal.Version {
		t.Fatalf("unexpected health response %d %v", rec.Code, body)
	}
}

func TestInstallationCallbackAndOwnership(t *testing.T) {
	h := newAPIHarness(t, stubFetcher{})

	var created map[string]interface{}
	rec := h.get(t, "/installations/callback?installation_id=900", 1, &created)
	if rec.Code != http.StatusOK || created["status"] != "success" || created["github_installation_id"] != float64(900) {
		t.Fatalf("unexpected callback response %d %v", rec.Code, created)
	}
	if rec := h.get(t, "/installations/callback?installation_id=901", 1, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for second installation, got %d", rec.Code)
	}

	var list installationList
	h.get(t, "/installations", 1, &list)
	if list.Total != 1 || list.Installations[0].GitHubInstallationID != 900 {
		t.Fatalf("unexpected list: %+v", list)
	}
	h.get(t, "/installations", 2, &list)
	if list.Total != 0 || list.Installations == nil {
		t.Fatalf("expected empty list for other user: %+v", list)
	}

	path := fmt.Sprintf("/installations/%d", int64(created["installation_id"].(float64)))
	if rec := h.get(t, path, 1, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected owner to read installation, got %d", rec.Code)
	}
	if rec := h.get(t, path, 2, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", rec.Code)
	}
}

func TestInstallationConnectRedirects(t *testing.T) {
	h := newAPIHarness(t, stubFetcher{})
	rec := h.get(t, "/installations/connect", 1, nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://github.com/apps/hookgate-app/installations/new" {
		t.Fatalf("unexpected redirect %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func seedRepositories(t *testing.T, store *memory.Store, userID int64) *storage.Installation {
	t.Helper()
	ctx := context.Background()
	inst, err := store.CreateInstallation(ctx, storage.Installation{UserID: userID, GitHubInstallationID: 500, Status: storage.StatusActive})
	if err != nil {
		t.Fatalf("seed installation: %v", err)
	}
	for i, name := range []string{"acme/api", "acme/web", "acme/docs"} {
		if err := store.UpsertRepository(ctx, storage.Repository{GitHubRepoID: int64(100 + i), InstallationID: inst.ID, FullName: name}); err != nil {
			t.Fatalf("seed repository: %v", err)
		}
	}
	return inst
}

func TestRepositoriesList(t *testing.T) {
	h := newAPIHarness(t, stubFetcher{})
	seedRepositories(t, h.store, 1)

	var list repositoryList
	h.get(t, "/repositories?search=we", 1, &list)
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].FullName != "acme/web" {
		t.Fatalf("unexpected search result: %+v", list)
	}
	h.get(t, "/repositories?limit=2", 1, &list)
	if list.Total != 3 || len(list.Items) != 2 {
		t.Fatalf("unexpected page: %+v", list)
	}
	for _, bad := range []string{"limit=0", "limit=101", "offset=-1", "limit=abc"} {
		if rec := h.get(t, "/repositories?"+bad, 1, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", bad, rec.Code)
		}
	}
}

func TestRepositoryGetLive(t *testing.T) {
	repo := &gh.Repository{
		ID:       gh.Int64(100),
		Name:     gh.String("api"),
		FullName: gh.String("acme/api"),
		Owner:    &gh.User{Login: gh.String("acme")},
	}
	h := newAPIHarness(t, stubFetcher{repos: map[int64]*gh.Repository{100: repo}})
	inst := seedRepositories(t, h.store, 1)

	var got storage.Repository
	rec := h.get(t, "/repositories/100", 1, &got)
	if rec.Code != http.StatusOK || got.Owner != "acme" || got.DefaultBranch != "main" || got.InstallationID != inst.ID {
		t.Fatalf("unexpected repository %d %+v", rec.Code, got)
	}
	if rec := h.get(t, "/repositories/999", 1, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown repository, got %d", rec.Code)
	}
	if rec := h.get(t, "/repositories/100", 2, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without installation, got %d", rec.Code)
	}
}

func TestRepositoryGetPassesThroughStatus(t *testing.T) {
	h := newAPIHarness(t, stubFetcher{err: &internal.ExternalServiceError{Service: "github", Status: 403, Err: errors.New("forbidden")}})
	seedRepositories(t, h.store, 1)
	if rec := h.get(t, "/repositories/100", 1, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestEventsListing(t *testing.T) {
	h := newAPIHarness(t, stubFetcher{})
	ctx := context.Background()
	inst := seedRepositories(t, h.store, 1)
	repo, _ := h.store.GetRepositoryByGitHubID(ctx, 101)
	userID := int64(1)
	other := int64(2)

	deliveries := []storage.Delivery{
		{DeliveryID: "a", EventType: "push", UserID: &userID, InstallationID: &inst.ID, RepositoryID: &repo.ID, Payload: "{}"},
		{DeliveryID: "b", EventType: "issues", UserID: &userID, InstallationID: &inst.ID, Payload: "{}"},
		{DeliveryID: "c", EventType: "push", UserID: &other, Payload: "{}"},
	}
	for _, d := range deliveries {
		if _, err := h.store.InsertDelivery(ctx, d); err != nil {
			t.Fatalf("seed delivery: %v", err)
		}
	}

	var list eventList
	h.get(t, "/events", 1, &list)
	if list.Total != 2 || list.Limit != 50 {
		t.Fatalf("unexpected events: %+v", list)
	}
	h.get(t, "/events?event_type=push", 1, &list)
	if list.Total != 1 || list.Events[0].DeliveryID != "a" {
		t.Fatalf("unexpected filtered events: %+v", list)
	}
	h.get(t, "/repositories/101/events", 1, &list)
	if list.Total != 1 || list.Events[0].DeliveryID != "a" || list.Limit != 20 {
		t.Fatalf("unexpected repository events: %+v", list)
	}
	h.get(t, "/repositories/555/events", 1, &list)
	if list.Total != 0 || list.Events == nil {
		t.Fatalf("expected empty events for unknown repository: %+v", list)
	}
	if rec := h.get(t, "/events", 0, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
}
