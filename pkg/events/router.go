// Package events dispatches verified webhook deliveries by event kind.
package events

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"hookgate/internal"
	"hookgate/pkg/installations"
	"hookgate/pkg/storage"

	hooks "github.com/go-playground/webhooks/v6/github"
	gh "github.com/google/go-github/v57/github"
)

// Result reports what a route did with a delivery.
type Result struct {
	// Routed is false for kinds with no registered route.
	Routed  bool
	Changed int
}

// Route handles one event kind.
type Route func(ctx context.Context, action string, payload []byte) (Result, error)

// RegistryStore is the storage the built-in routes write to.
type RegistryStore interface {
	storage.InstallationStore
	storage.RepositoryStore
}

type Router struct {
	routes  map[hooks.Event]Route
	machine *installations.Machine
	store   RegistryStore
	logger  *log.Logger
	now     func() time.Time
}

// NewRouter registers the installation and installation_repositories routes.
func NewRouter(machine *installations.Machine, store RegistryStore, logger *log.Logger) *Router {
	if logger == nil {
		logger = internal.NewLogger("events")
	}
	r := &Router{
		routes:  map[hooks.Event]Route{},
		machine: machine,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	r.Register(hooks.InstallationEvent, r.installation)
	r.Register(hooks.InstallationRepositoriesEvent, r.installationRepositories)
	return r
}

// Register adds or replaces the route for kind.
func (r *Router) Register(kind hooks.Event, route Route) {
	r.routes[kind] = route
}

// Route dispatches payload to the route for kind. Kinds without a route,
// ping included, pass through untouched.
func (r *Router) Route(ctx context.Context, kind, action string, payload []byte) (Result, error) {
	route, ok := r.routes[hooks.Event(kind)]
	if !ok {
		return Result{}, nil
	}
	result, err := route(ctx, action, payload)
	result.Routed = true
	return result, err
}

func (r *Router) installation(ctx context.Context, action string, payload []byte) (Result, error) {
	parsed, err := gh.ParseWebHook(string(hooks.InstallationEvent), payload)
	if err != nil {
		return Result{}, &internal.ValidationError{Reason: "decode installation payload: " + err.Error()}
	}
	event := parsed.(*gh.InstallationEvent)

	lifecycle, ok := installations.ParseAction(event.GetAction())
	if !ok {
		return Result{}, nil
	}
	actor := event.GetSender().GetLogin()
	if actor == "" {
		actor = "unknown"
	}
	applied, err := r.machine.Apply(ctx, event.GetInstallation().GetID(), lifecycle, actor)
	if err != nil {
		return Result{}, err
	}
	if applied.Changed {
		return Result{Changed: 1}, nil
	}
	return Result{}, nil
}

func (r *Router) installationRepositories(ctx context.Context, action string, payload []byte) (Result, error) {
	parsed, err := gh.ParseWebHook(string(hooks.InstallationRepositoriesEvent), payload)
	if err != nil {
		return Result{}, &internal.ValidationError{Reason: "decode installation_repositories payload: " + err.Error()}
	}
	event := parsed.(*gh.InstallationRepositoriesEvent)

	githubID := event.GetInstallation().GetID()
	inst, err := r.store.GetInstallationByGitHubID(ctx, githubID)
	if err != nil {
		return Result{}, fmt.Errorf("load installation %d: %w", githubID, err)
	}
	if inst == nil {
		r.logger.Printf("repositories event for unknown installation github_id=%d", githubID)
		return Result{}, nil
	}

	var result Result
	switch event.GetAction() {
	case "added":
		for _, repo := range event.RepositoriesAdded {
			if err := r.store.UpsertRepository(ctx, registryEntry(inst.ID, repo)); err != nil {
				return result, fmt.Errorf("add repository %d: %w", repo.GetID(), err)
			}
			result.Changed++
		}
	case "removed":
		at := r.now()
		for _, repo := range event.RepositoriesRemoved {
			removed, err := r.store.MarkRepositoryRemoved(ctx, inst.ID, repo.GetID(), at)
			if err != nil {
				return result, fmt.Errorf("remove repository %d: %w", repo.GetID(), err)
			}
			if removed {
				result.Changed++
			}
		}
	}
	return result, nil
}

func registryEntry(installationID int64, repo *gh.Repository) storage.Repository {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if owner == "" {
		if parts := strings.SplitN(repo.GetFullName(), "/", 2); len(parts) == 2 {
			owner = parts[0]
			if name == "" {
				name = parts[1]
			}
		}
	}
	return storage.Repository{
		GitHubRepoID:   repo.GetID(),
		InstallationID: installationID,
		FullName:       repo.GetFullName(),
		Owner:          owner,
		Name:           name,
		Private:        repo.GetPrivate(),
		DefaultBranch:  repo.GetDefaultBranch(),
	}
}
