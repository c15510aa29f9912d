package sqlstore

import (
	"context"
	"errors"
	"time"

	"hookgate/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type userRow struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	GitHubID        int64      `gorm:"column:github_id;not null;uniqueIndex:idx_hookgate_users_github_id"`
	GitHubLogin     string     `gorm:"column:github_login;size:255;not null"`
	GitHubName      string     `gorm:"column:github_name;size:255"`
	GitHubEmail     string     `gorm:"column:github_email;size:255"`
	GitHubAvatarURL string     `gorm:"column:github_avatar_url;size:512"`
	AccessTokenHash string     `gorm:"column:access_token_hash;size:128"`
	LastLoginAt     *time.Time `gorm:"column:last_login_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (userRow) TableName() string { return "hookgate_users" }

// UpsertUser inserts the user or refreshes its profile fields by GitHub id.
func (s *Store) UpsertUser(ctx context.Context, user storage.User) (*storage.User, error) {
	data := userRow{
		GitHubID:        user.GitHubID,
		GitHubLogin:     user.GitHubLogin,
		GitHubName:      user.GitHubName,
		GitHubEmail:     user.GitHubEmail,
		GitHubAvatarURL: user.GitHubAvatarURL,
		AccessTokenHash: user.AccessTokenHash,
		LastLoginAt:     user.LastLoginAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "github_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"github_login", "github_name", "github_email", "github_avatar_url", "access_token_hash", "last_login_at", "updated_at"}),
		}).
		Create(&data).Error
	if err != nil {
		return nil, err
	}

	var stored userRow
	if err := s.db.WithContext(ctx).Where("github_id = ?", user.GitHubID).Take(&stored).Error; err != nil {
		return nil, err
	}
	record := userFromRow(stored)
	return &record, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	var data userRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := userFromRow(data)
	return &record, nil
}

func userFromRow(data userRow) storage.User {
	return storage.User{
		ID:              data.ID,
		GitHubID:        data.GitHubID,
		GitHubLogin:     data.GitHubLogin,
		GitHubName:      data.GitHubName,
		GitHubEmail:     data.GitHubEmail,
		GitHubAvatarURL: data.GitHubAvatarURL,
		AccessTokenHash: data.AccessTokenHash,
		LastLoginAt:     data.LastLoginAt,
		CreatedAt:       data.CreatedAt,
		UpdatedAt:       data.UpdatedAt,
	}
}
