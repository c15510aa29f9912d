package installations

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"hookgate/internal"
	"hookgate/pkg/storage"
)

const maxTransitionAttempts = 3

// ErrContended is returned when concurrent writers kept winning the swap.
var ErrContended = errors.New("installation transition contended")

// Result describes what Apply did.
type Result struct {
	Found   bool
	Changed bool
	From    storage.InstallationStatus
	To      storage.InstallationStatus
}

type Machine struct {
	store  storage.InstallationStore
	logger *log.Logger
	now    func() time.Time
}

func NewMachine(store storage.InstallationStore, logger *log.Logger) *Machine {
	if logger == nil {
		logger = internal.NewLogger("installations")
	}
	return &Machine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new active installation for its user. It returns
// storage.ErrConflict when the user already has a live installation.
func (m *Machine) Create(ctx context.Context, inst storage.Installation) (*storage.Installation, error) {
	inst.Status = storage.StatusActive
	inst.SuspendedAt = nil
	inst.SuspendedBy = ""
	created, err := m.store.CreateInstallation(ctx, inst)
	if err != nil {
		return nil, err
	}
	m.logger.Printf("installation created id=%d github_id=%d user=%d", created.ID, created.GitHubInstallationID, created.UserID)
	return created, nil
}

// Apply moves the installation through the lifecycle. Unknown installations
// and actions that are not valid from the current status are no-ops. The
// write is a compare-and-swap on the observed status and is retried when a
// concurrent writer changed it first.
func (m *Machine) Apply(ctx context.Context, githubInstallationID int64, action Action, actor string) (Result, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		inst, err := m.store.GetInstallationByGitHubID(ctx, githubInstallationID)
		if err != nil {
			return Result{}, fmt.Errorf("load installation %d: %w", githubInstallationID, err)
		}
		if inst == nil {
			m.logger.Printf("installation unknown github_id=%d action=%s", githubInstallationID, action)
			return Result{}, nil
		}

		next, changed := Next(inst.Status, action)
		result := Result{Found: true, From: inst.Status, To: next}
		if !changed {
			return result, nil
		}

		swapped, err := m.store.TransitionInstallation(ctx, githubInstallationID, inst.Status, m.change(next, actor))
		if err != nil {
			return Result{}, fmt.Errorf("transition installation %d: %w", githubInstallationID, err)
		}
		if swapped {
			result.Changed = true
			m.logger.Printf("installation transition github_id=%d %s->%s actor=%s", githubInstallationID, inst.Status, next, actor)
			return result, nil
		}
	}
	return Result{Found: true}, ErrContended
}

func (m *Machine) change(next storage.InstallationStatus, actor string) storage.InstallationChange {
	switch next {
	case storage.StatusSuspended:
		at := m.now()
		return storage.InstallationChange{Status: next, SuspendedAt: &at, SuspendedBy: actor}
	case storage.StatusActive, storage.StatusDeleted:
		return storage.InstallationChange{Status: next}
	default:
		panic(fmt.Sprintf("unhandled installation status %q", next))
	}
}
