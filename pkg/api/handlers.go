// Package api serves the session-authenticated read API over installations,
// repositories and recorded deliveries.
package api

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
	"hookgate/pkg/oauth"
	"hookgate/pkg/sessions"
	"hookgate/pkg/storage"

	"github.com/go-chi/chi/v5"
	gh "github.com/google/go-github/v57/github"
)

const maxPageLimit = 100

// RepositoryFetcher reads live repository details as an installation.
type RepositoryFetcher interface {
	FindRepository(ctx context.Context, installationID, githubRepoID int64) (*gh.Repository, error)
}

// InstallationsHandler serves /installations.
type InstallationsHandler struct {
	Store      storage.InstallationStore
	Machine    *installations.Machine
	AppSlug    string
	WebBaseURL string
	Logger     *log.Logger
}

type installationList struct {
	Installations []storage.Installation `json:"installations"`
	Total         int                    `json:"total"`
}

// List returns the caller's live installation, if any.
func (h *InstallationsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	inst, err := h.Store.GetActiveInstallationForUser(r.Context(), userID)
	if err != nil {
		storeFailure(w, h.Logger, "list installations", err)
		return
	}
	out := installationList{Installations: []storage.Installation{}}
	if inst != nil {
		out.Installations = append(out.Installations, *inst)
		out.Total = 1
	}
	writeJSON(w, out)
}

// Get returns one installation owned by the caller.
func (h *InstallationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inst, err := h.Store.GetInstallation(r.Context(), id)
	if err != nil {
		storeFailure(w, h.Logger, "get installation", err)
		return
	}
	if inst == nil || inst.UserID != userID {
		http.Error(w, "installation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, inst)
}

// Connect sends the browser to the app installation page.
func (h *InstallationsHandler) Connect(w http.ResponseWriter, r *http.Request) {
	target, err := oauth.InstallURL(h.WebBaseURL, h.AppSlug)
	if err != nil {
		logf(h.Logger, "install url: %v", err)
		http.Error(w, "github app not configured", internal.HTTPStatus(err))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Callback records a placeholder installation for the caller. Metadata is
// filled in by the OAuth callback or left empty.
func (h *InstallationsHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	githubID, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("installation_id")), 10, 64)
	if err != nil || githubID <= 0 {
		http.Error(w, "invalid installation_id", http.StatusBadRequest)
		return
	}
	inst, err := h.Machine.Create(r.Context(), storage.Installation{UserID: userID, GitHubInstallationID: githubID})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			http.Error(w, "installation already exists", http.StatusBadRequest)
			return
		}
		storeFailure(w, h.Logger, "create installation", err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":                 "success",
		"installation_id":        inst.ID,
		"github_installation_id": inst.GitHubInstallationID,
	})
}

// RepositoriesHandler serves /repositories.
type RepositoriesHandler struct {
	Store  storage.Store
	GitHub RepositoryFetcher
	Logger *log.Logger
}

type repositoryList struct {
	Items  []storage.Repository `json:"items"`
	Total  int64                `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// List returns the registry entries of the caller's installation.
func (h *RepositoriesHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pageParams(w, r, 50)
	if !ok {
		return
	}
	out := repositoryList{Items: []storage.Repository{}, Limit: limit, Offset: offset}
	inst, err := h.Store.GetActiveInstallationForUser(r.Context(), userID)
	if err != nil {
		storeFailure(w, h.Logger, "load installation", err)
		return
	}
	if inst == nil {
		writeJSON(w, out)
		return
	}
	items, total, err := h.Store.ListRepositories(r.Context(), storage.RepositoryFilter{
		InstallationID: inst.ID,
		Search:         strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		storeFailure(w, h.Logger, "list repositories", err)
		return
	}
	if items != nil {
		out.Items = items
	}
	out.Total = total
	writeJSON(w, out)
}

// Get fetches live details for a repository of the caller's installation.
func (h *RepositoriesHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	githubRepoID, ok := pathID(w, r, "repoID")
	if !ok {
		return
	}
	inst, err := h.Store.GetActiveInstallationForUser(r.Context(), userID)
	if err != nil {
		storeFailure(w, h.Logger, "load installation", err)
		return
	}
	if inst == nil {
		http.Error(w, "no installation found", http.StatusNotFound)
		return
	}
	repo, err := h.GitHub.FindRepository(r.Context(), inst.GitHubInstallationID, githubRepoID)
	if err != nil {
		logf(h.Logger, "github repository lookup failed installation=%d repo=%d: %v", inst.GitHubInstallationID, githubRepoID, err)
		http.Error(w, "github lookup failed", internal.HTTPStatus(err))
		return
	}
	if repo == nil {
		http.Error(w, "repository not found", http.StatusNotFound)
		return
	}
	writeJSON(w, liveRepository(inst.ID, repo))
}

// Events lists deliveries linked to a repository, addressed by its GitHub id.
func (h *RepositoriesHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	githubRepoID, ok := pathID(w, r, "repoID")
	if !ok {
		return
	}
	limit, offset, ok := pageParams(w, r, 20)
	if !ok {
		return
	}
	out := eventList{Events: []eventSummary{}, Limit: limit, Offset: offset}
	repo, err := h.Store.GetRepositoryByGitHubID(r.Context(), githubRepoID)
	if err != nil {
		storeFailure(w, h.Logger, "load repository", err)
		return
	}
	if repo == nil {
		writeJSON(w, out)
		return
	}
	listDeliveries(w, r, h.Store, h.Logger, out, storage.DeliveryFilter{
		UserID:       userID,
		RepositoryID: repo.ID,
		Limit:        limit,
		Offset:       offset,
	})
}

// EventsHandler serves /events.
type EventsHandler struct {
	Store  storage.DeliveryStore
	Logger *log.Logger
}

type eventSummary struct {
	ID           int64     `json:"id"`
	DeliveryID   string    `json:"delivery_id"`
	EventType    string    `json:"event_type"`
	Action       string    `json:"action,omitempty"`
	RepositoryID *int64    `json:"repository_id,omitempty"`
	Processed    bool      `json:"processed"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type eventList struct {
	Events []eventSummary `json:"events"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// List returns the caller's deliveries, newest first.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pageParams(w, r, 50)
	if !ok {
		return
	}
	filter := storage.DeliveryFilter{
		UserID:    userID,
		EventType: strings.TrimSpace(r.URL.Query().Get("event_type")),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("repository_id")); raw != "" {
		repoID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || repoID <= 0 {
			http.Error(w, "invalid repository_id", http.StatusBadRequest)
			return
		}
		filter.RepositoryID = repoID
	}
	listDeliveries(w, r, h.Store, h.Logger, eventList{Events: []eventSummary{}, Limit: limit, Offset: offset}, filter)
}

func listDeliveries(w http.ResponseWriter, r *http.Request, store storage.DeliveryStore, logger *log.Logger, out eventList, filter storage.DeliveryFilter) {
	deliveries, total, err := store.ListDeliveries(r.Context(), filter)
	if err != nil {
		storeFailure(w, logger, "list deliveries", err)
		return
	}
	for _, delivery := range deliveries {
		out.Events = append(out.Events, eventSummary{
			ID:           delivery.ID,
			DeliveryID:   delivery.DeliveryID,
			EventType:    delivery.EventType,
			Action:       delivery.Action,
			RepositoryID: delivery.RepositoryID,
			Processed:    delivery.Processed,
			Error:        delivery.Error,
			CreatedAt:    delivery.CreatedAt,
		})
	}
	out.Total = total
	writeJSON(w, out)
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"version":   internal.Version,
		"timestamp": time.Now().UTC(),
	})
}

func liveRepository(installationID int64, repo *gh.Repository) storage.Repository {
	out := storage.Repository{
		ID:             repo.GetID(),
		GitHubRepoID:   repo.GetID(),
		InstallationID: installationID,
		FullName:       repo.GetFullName(),
		Owner:          repo.GetOwner().GetLogin(),
		Name:           repo.GetName(),
		Private:        repo.GetPrivate(),
		DefaultBranch:  repo.GetDefaultBranch(),
		CreatedAt:      repo.GetCreatedAt().Time,
		UpdatedAt:      repo.GetUpdatedAt().Time,
	}
	if repo.PushedAt != nil {
		out.UpdatedAt = repo.GetPushedAt().Time
	}
	if out.DefaultBranch == "" {
		out.DefaultBranch = "main"
	}
	return out
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := sessions.UserID(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
	}
	return userID, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// pageParams reads limit (1..100) and offset (>= 0).
func pageParams(w http.ResponseWriter, r *http.Request, defaultLimit int) (int, int, bool) {
	limit, offset := defaultLimit, 0
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxPageLimit {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return 0, 0, false
		}
		limit = parsed
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be non-negative", http.StatusBadRequest)
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

func storeFailure(w http.ResponseWriter, logger *log.Logger, op string, err error) {
	logf(logger, "%s failed: %v", op, err)
	http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
}

func logf(logger *log.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
