package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hookgate/pkg/storage"

	"gorm.io/gorm"
)

// installationRow keeps owner_slot equal to user_id until the installation is
// deleted. The unique index on it allows one live installation per user while
// deleted rows, whose slot is NULL, accumulate freely.
type installationRow struct {
	ID                   int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID               int64      `gorm:"column:user_id;not null;index:idx_hookgate_installations_user_id"`
	OwnerSlot            *int64     `gorm:"column:owner_slot;uniqueIndex:idx_hookgate_installations_owner_slot"`
	GitHubInstallationID int64      `gorm:"column:github_installation_id;not null;uniqueIndex:idx_hookgate_installations_github_id"`
	AccountType          string     `gorm:"column:account_type;size:32"`
	AccountLogin         string     `gorm:"column:account_login;size:255"`
	AccountID            int64      `gorm:"column:account_id"`
	TargetType           string     `gorm:"column:target_type;size:32"`
	Permissions          string     `gorm:"column:permissions;type:text"`
	Events               string     `gorm:"column:events;type:text"`
	Status               string     `gorm:"column:status;size:16;not null"`
	SuspendedAt          *time.Time `gorm:"column:suspended_at"`
	SuspendedBy          string     `gorm:"column:suspended_by;size:255"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (installationRow) TableName() string { return "hookgate_installations" }

func (s *Store) CreateInstallation(ctx context.Context, inst storage.Installation) (*storage.Installation, error) {
	if inst.UserID == 0 || inst.GitHubInstallationID == 0 {
		return nil, errors.New("user id and github installation id are required")
	}
	if inst.Status == "" {
		inst.Status = storage.StatusActive
	}
	if !inst.Status.Valid() {
		return nil, fmt.Errorf("invalid installation status: %s", inst.Status)
	}

	data := installationToRow(inst)
	if err := s.db.WithContext(ctx).Create(&data).Error; err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("%w: %w", storage.ErrConflict, err)
		}
		return nil, err
	}
	record := installationFromRow(data)
	return &record, nil
}

func (s *Store) GetInstallation(ctx context.Context, id int64) (*storage.Installation, error) {
	return s.findInstallation(ctx, "id = ?", id)
}

func (s *Store) GetInstallationByGitHubID(ctx context.Context, githubInstallationID int64) (*storage.Installation, error) {
	return s.findInstallation(ctx, "github_installation_id = ?", githubInstallationID)
}

func (s *Store) GetActiveInstallationForUser(ctx context.Context, userID int64) (*storage.Installation, error) {
	return s.findInstallation(ctx, "owner_slot = ?", userID)
}

func (s *Store) TransitionInstallation(ctx context.Context, githubInstallationID int64, from storage.InstallationStatus, change storage.InstallationChange) (bool, error) {
	if !change.Status.Valid() {
		return false, fmt.Errorf("invalid installation status: %s", change.Status)
	}
	updates := map[string]interface{}{
		"status":       string(change.Status),
		"suspended_at": change.SuspendedAt,
		"suspended_by": change.SuspendedBy,
		"updated_at":   s.now(),
	}
	if change.Status == storage.StatusDeleted {
		updates["owner_slot"] = nil
	}

	result := s.db.WithContext(ctx).
		Model(&installationRow{}).
		Where("github_installation_id = ? AND status = ?", githubInstallationID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) findInstallation(ctx context.Context, query string, arg interface{}) (*storage.Installation, error) {
	var data installationRow
	err := s.db.WithContext(ctx).Where(query, arg).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := installationFromRow(data)
	return &record, nil
}

func installationToRow(inst storage.Installation) installationRow {
	data := installationRow{
		ID:                   inst.ID,
		UserID:               inst.UserID,
		GitHubInstallationID: inst.GitHubInstallationID,
		AccountType:          inst.AccountType,
		AccountLogin:         inst.AccountLogin,
		AccountID:            inst.AccountID,
		TargetType:           inst.TargetType,
		Permissions:          inst.PermissionsJSON,
		Events:               inst.EventsJSON,
		Status:               string(inst.Status),
		SuspendedAt:          inst.SuspendedAt,
		SuspendedBy:          inst.SuspendedBy,
	}
	if inst.Status != storage.StatusDeleted {
		slot := inst.UserID
		data.OwnerSlot = &slot
	}
	return data
}

func installationFromRow(data installationRow) storage.Installation {
	return storage.Installation{
		ID:                   data.ID,
		UserID:               data.UserID,
		GitHubInstallationID: data.GitHubInstallationID,
		AccountType:          data.AccountType,
		AccountLogin:         data.AccountLogin,
		AccountID:            data.AccountID,
		TargetType:           data.TargetType,
		PermissionsJSON:      data.Permissions,
		EventsJSON:           data.Events,
		Status:               storage.InstallationStatus(data.Status),
		SuspendedAt:          data.SuspendedAt,
		SuspendedBy:          data.SuspendedBy,
		CreatedAt:            data.CreatedAt,
		UpdatedAt:            data.UpdatedAt,
	}
}
