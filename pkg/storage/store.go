package storage

import (
	"context"
	"errors"
	"time"
)

// ErrConflict reports a uniqueness violation, such as a second non-deleted
// installation for the same user.
var ErrConflict = errors.New("storage: conflict")

// ErrNotFound is returned by updates that target a missing row. Lookups
// return (nil, nil) instead.
var ErrNotFound = errors.New("storage: not found")

// InstallationStatus is the lifecycle state of an installation grant.
type InstallationStatus string

const (
	StatusActive    InstallationStatus = "active"
	StatusSuspended InstallationStatus = "suspended"
	StatusDeleted   InstallationStatus = "deleted"
)

// Valid reports whether s is one of the known statuses.
func (s InstallationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeleted:
		return true
	default:
		return false
	}
}

// User is a GitHub identity that has logged in at least once.
type User struct {
	ID              int64      `json:"id"`
	GitHubID        int64      `json:"github_id"`
	GitHubLogin     string     `json:"github_login"`
	GitHubName      string     `json:"github_name,omitempty"`
	GitHubEmail     string     `json:"github_email,omitempty"`
	GitHubAvatarURL string     `json:"github_avatar_url,omitempty"`
	AccessTokenHash string     `json:"-"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Installation is a GitHub App installation owned by a local user.
type Installation struct {
	ID                   int64              `json:"id"`
	UserID               int64              `json:"user_id"`
	GitHubInstallationID int64              `json:"github_installation_id"`
	AccountType          string             `json:"account_type"`
	AccountLogin         string             `json:"account_login"`
	AccountID            int64              `json:"account_id"`
	TargetType           string             `json:"target_type"`
	PermissionsJSON      string             `json:"-"`
	EventsJSON           string             `json:"-"`
	Status               InstallationStatus `json:"status"`
	SuspendedAt          *time.Time         `json:"suspended_at,omitempty"`
	SuspendedBy          string             `json:"suspended_by,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// InstallationChange is the new state written by a status transition.
type InstallationChange struct {
	Status      InstallationStatus
	SuspendedAt *time.Time
	SuspendedBy string
}

// Repository is a registry entry for a repository reachable through an installation.
type Repository struct {
	ID             int64      `json:"id"`
	GitHubRepoID   int64      `json:"github_repo_id"`
	InstallationID int64      `json:"installation_id"`
	FullName       string     `json:"full_name"`
	Owner          string     `json:"owner"`
	Name           string     `json:"name"`
	Private        bool       `json:"private"`
	DefaultBranch  string     `json:"default_branch"`
	RemovedAt      *time.Time `json:"removed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RepositoryFilter selects registry entries. Zero Limit means no limit.
type RepositoryFilter struct {
	InstallationID int64
	Search         string
	IncludeRemoved bool
	Limit          int
	Offset         int
}

// Delivery is one received webhook delivery.
type Delivery struct {
	ID             int64      `json:"id"`
	DeliveryID     string     `json:"delivery_id"`
	EventType      string     `json:"event_type"`
	Action         string     `json:"action,omitempty"`
	InstallationID *int64     `json:"installation_id,omitempty"`
	RepositoryID   *int64     `json:"repository_id,omitempty"`
	UserID         *int64     `json:"user_id,omitempty"`
	Payload        string     `json:"payload,omitempty"`
	Processed      bool       `json:"processed"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DeliveryFilter selects deliveries. Zero-valued fields do not filter.
type DeliveryFilter struct {
	UserID       int64
	EventType    string
	RepositoryID int64
	Limit        int
	Offset       int
}

// Session is a first-party login session. Only the token digest is stored.
type Session struct {
	ID        int64
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	UserAgent string
	IPAddress string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserStore persists users keyed by GitHub id.
type UserStore interface {
	UpsertUser(ctx context.Context, user User) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
}

// InstallationStore persists installation grants.
type InstallationStore interface {
	// CreateInstallation returns ErrConflict when the GitHub id is already
	// known or the user already owns a non-deleted installation.
	CreateInstallation(ctx context.Context, inst Installation) (*Installation, error)
	GetInstallation(ctx context.Context, id int64) (*Installation, error)
	GetInstallationByGitHubID(ctx context.Context, githubInstallationID int64) (*Installation, error)
	GetActiveInstallationForUser(ctx context.Context, userID int64) (*Installation, error)
	// TransitionInstallation applies change only if the stored status still
	// equals from. It reports whether a row was updated.
	TransitionInstallation(ctx context.Context, githubInstallationID int64, from InstallationStatus, change InstallationChange) (bool, error)
}

// RepositoryStore persists the repository registry.
type RepositoryStore interface {
	UpsertRepository(ctx context.Context, repo Repository) error
	MarkRepositoryRemoved(ctx context.Context, installationID, githubRepoID int64, at time.Time) (bool, error)
	GetRepositoryByGitHubID(ctx context.Context, githubRepoID int64) (*Repository, error)
	ListRepositories(ctx context.Context, filter RepositoryFilter) ([]Repository, int64, error)
}

// DeliveryStore persists webhook deliveries.
type DeliveryStore interface {
	// InsertDelivery inserts the record unless its delivery id exists and
	// reports whether the insert happened.
	InsertDelivery(ctx context.Context, delivery Delivery) (bool, error)
	MarkDeliveryProcessed(ctx context.Context, deliveryID string, errMsg string, at time.Time) error
	GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]Delivery, int64, error)
}

// SessionStore persists sessions by token digest.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) (*Session, error)
	GetSessionByDigest(ctx context.Context, digest string) (*Session, error)
	DeactivateSession(ctx context.Context, digest string) (bool, error)
	DeactivateUserSessions(ctx context.Context, userID int64) (int64, error)
}

// Store aggregates every persistence interface.
type Store interface {
	UserStore
	InstallationStore
	RepositoryStore
	DeliveryStore
	SessionStore
	Close() error
}
