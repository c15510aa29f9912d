// Package memory is a process-local storage.Store used by tests and the
// "memory" storage driver. It enforces the same uniqueness rules as the SQL
// store.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"hookgate/pkg/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu     sync.Mutex
	nextID int64
	now    func() time.Time

	users         map[int64]*storage.User
	installations map[int64]*storage.Installation
	repositories  map[int64]*storage.Repository
	deliveries    map[string]*storage.Delivery
	sessions      map[string]*storage.Session
}

func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		users:         map[int64]*storage.User{},
		installations: map[int64]*storage.Installation{},
		repositories:  map[int64]*storage.Repository{},
		deliveries:    map[string]*storage.Delivery{},
		sessions:      map[string]*storage.Session{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) UpsertUser(ctx context.Context, user storage.User) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, existing := range s.users {
		if existing.GitHubID == user.GitHubID {
			existing.GitHubLogin = user.GitHubLogin
			existing.GitHubName = user.GitHubName
			existing.GitHubEmail = user.GitHubEmail
			existing.GitHubAvatarURL = user.GitHubAvatarURL
			existing.AccessTokenHash = user.AccessTokenHash
			existing.LastLoginAt = user.LastLoginAt
			existing.UpdatedAt = now
			out := *existing
			return &out, nil
		}
	}
	user.ID = s.id()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = &user
	out := user
	return &out, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[id]; ok {
		out := *user
		return &out, nil
	}
	return nil, nil
}

func (s *Store) CreateInstallation(ctx context.Context, inst storage.Installation) (*storage.Installation, error) {
	if inst.UserID == 0 || inst.GitHubInstallationID == 0 {
		return nil, errors.New("user id and github installation id are required")
	}
	if inst.Status == "" {
		inst.Status = storage.StatusActive
	}
	if !inst.Status.Valid() {
		return nil, errors.New("invalid installation status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.installations {
		if existing.GitHubInstallationID == inst.GitHubInstallationID {
			return nil, storage.ErrConflict
		}
		if inst.Status != storage.StatusDeleted && existing.UserID == inst.UserID && existing.Status != storage.StatusDeleted {
			return nil, storage.ErrConflict
		}
	}
	now := s.now()
	inst.ID = s.id()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	s.installations[inst.ID] = &inst
	out := inst
	return &out, nil
}

func (s *Store) GetInstallation(ctx context.Context, id int64) (*storage.Installation, error) {
	return s.findInstallation(func(inst *storage.Installation) bool { return inst.ID == id })
}

func (s *Store) GetInstallationByGitHubID(ctx context.Context, githubInstallationID int64) (*storage.Installation, error) {
	return s.findInstallation(func(inst *storage.Installation) bool {
		return inst.GitHubInstallationID == githubInstallationID
	})
}

func (s *Store) GetActiveInstallationForUser(ctx context.Context, userID int64) (*storage.Installation, error) {
	return s.findInstallation(func(inst *storage.Installation) bool {
		return inst.UserID == userID && inst.Status != storage.StatusDeleted
	})
}

func (s *Store) findInstallation(match func(*storage.Installation) bool) (*storage.Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.installations {
		if match(inst) {
			out := *inst
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) TransitionInstallation(ctx context.Context, githubInstallationID int64, from storage.InstallationStatus, change storage.InstallationChange) (bool, error) {
	if !change.Status.Valid() {
		return false, errors.New("invalid installation status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.installations {
		if inst.GitHubInstallationID != githubInstallationID {
			continue
		}
		if inst.Status != from {
			return false, nil
		}
		inst.Status = change.Status
		inst.SuspendedAt = change.SuspendedAt
		inst.SuspendedBy = change.SuspendedBy
		inst.UpdatedAt = s.now()
		return true, nil
	}
	return false, nil
}

func (s *Store) UpsertRepository(ctx context.Context, repo storage.Repository) error {
	if repo.GitHubRepoID == 0 {
		return errors.New("github repo id is required")
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.repositories[repo.GitHubRepoID]; ok {
		repo.ID = existing.ID
		repo.CreatedAt = existing.CreatedAt
	} else {
		repo.ID = s.id()
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now
	s.repositories[repo.GitHubRepoID] = &repo
	return nil
}

func (s *Store) MarkRepositoryRemoved(ctx context.Context, installationID, githubRepoID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repositories[githubRepoID]
	if !ok || repo.InstallationID != installationID || repo.RemovedAt != nil {
		return false, nil
	}
	repo.RemovedAt = &at
	repo.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) GetRepositoryByGitHubID(ctx context.Context, githubRepoID int64) (*storage.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo, ok := s.repositories[githubRepoID]; ok {
		out := *repo
		return &out, nil
	}
	return nil, nil
}

func (s *Store) ListRepositories(ctx context.Context, filter storage.RepositoryFilter) ([]storage.Repository, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]storage.Repository, 0)
	for _, repo := range s.repositories {
		if filter.InstallationID != 0 && repo.InstallationID != filter.InstallationID {
			continue
		}
		if !filter.IncludeRemoved && repo.RemovedAt != nil {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(repo.FullName), search) {
			continue
		}
		matched = append(matched, *repo)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].FullName < matched[j].FullName })
	return page(matched, filter.Limit, filter.Offset), int64(len(matched)), nil
}

func (s *Store) InsertDelivery(ctx context.Context, delivery storage.Delivery) (bool, error) {
	if delivery.DeliveryID == "" {
		return false, errors.New("delivery id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[delivery.DeliveryID]; ok {
		return false, nil
	}
	now := s.now()
	delivery.ID = s.id()
	delivery.Processed = false
	delivery.ProcessedAt = nil
	delivery.CreatedAt = now
	delivery.UpdatedAt = now
	s.deliveries[delivery.DeliveryID] = &delivery
	return true, nil
}

func (s *Store) MarkDeliveryProcessed(ctx context.Context, deliveryID string, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[deliveryID]
	if !ok {
		return storage.ErrNotFound
	}
	delivery.Processed = true
	delivery.ProcessedAt = &at
	delivery.Error = errMsg
	delivery.UpdatedAt = s.now()
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*storage.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delivery, ok := s.deliveries[deliveryID]; ok {
		out := *delivery
		return &out, nil
	}
	return nil, nil
}

func (s *Store) ListDeliveries(ctx context.Context, filter storage.DeliveryFilter) ([]storage.Delivery, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]storage.Delivery, 0)
	for _, delivery := range s.deliveries {
		if filter.UserID != 0 && (delivery.UserID == nil || *delivery.UserID != filter.UserID) {
			continue
		}
		if filter.EventType != "" && delivery.EventType != filter.EventType {
			continue
		}
		if filter.RepositoryID != 0 && (delivery.RepositoryID == nil || *delivery.RepositoryID != filter.RepositoryID) {
			continue
		}
		matched = append(matched, *delivery)
	}
	// ids are monotonic, so they order ties in created_at.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return page(matched, filter.Limit, filter.Offset), int64(len(matched)), nil
}

func (s *Store) CreateSession(ctx context.Context, session storage.Session) (*storage.Session, error) {
	if session.TokenHash == "" {
		return nil, errors.New("token hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.TokenHash]; ok {
		return nil, storage.ErrConflict
	}
	now := s.now()
	session.ID = s.id()
	session.CreatedAt = now
	session.UpdatedAt = now
	s.sessions[session.TokenHash] = &session
	out := session
	return &out, nil
}

func (s *Store) GetSessionByDigest(ctx context.Context, digest string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[digest]; ok {
		out := *session
		return &out, nil
	}
	return nil, nil
}

func (s *Store) DeactivateSession(ctx context.Context, digest string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[digest]
	if !ok || !session.IsActive {
		return false, nil
	}
	session.IsActive = false
	session.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) DeactivateUserSessions(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, session := range s.sessions {
		if session.UserID == userID && session.IsActive {
			session.IsActive = false
			session.UpdatedAt = s.now()
			count++
		}
	}
	return count, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
