package sqlstore

import (
	"context"
	"errors"
	"time"

	"hookgate/pkg/storage"

	"gorm.io/gorm"
)

type sessionRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64     `gorm:"column:user_id;not null;index:idx_hookgate_sessions_user_id"`
	TokenHash string    `gorm:"column:token_hash;size:128;not null;uniqueIndex:idx_hookgate_sessions_token_hash"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	UserAgent string    `gorm:"column:user_agent;size:512"`
	IPAddress string    `gorm:"column:ip_address;size:64"`
	IsActive  bool      `gorm:"column:is_active;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (sessionRow) TableName() string { return "hookgate_sessions" }

func (s *Store) CreateSession(ctx context.Context, session storage.Session) (*storage.Session, error) {
	if session.TokenHash == "" {
		return nil, errors.New("token hash is required")
	}
	data := sessionRow{
		UserID:    session.UserID,
		TokenHash: session.TokenHash,
		ExpiresAt: session.ExpiresAt,
		UserAgent: session.UserAgent,
		IPAddress: session.IPAddress,
		IsActive:  session.IsActive,
	}
	if err := s.db.WithContext(ctx).Create(&data).Error; err != nil {
		return nil, err
	}
	record := sessionFromRow(data)
	return &record, nil
}

func (s *Store) GetSessionByDigest(ctx context.Context, digest string) (*storage.Session, error) {
	var data sessionRow
	err := s.db.WithContext(ctx).Where("token_hash = ?", digest).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := sessionFromRow(data)
	return &record, nil
}

func (s *Store) DeactivateSession(ctx context.Context, digest string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("token_hash = ? AND is_active = ?", digest, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": s.now()})
	return result.RowsAffected > 0, result.Error
}

func (s *Store) DeactivateUserSessions(ctx context.Context, userID int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": s.now()})
	return result.RowsAffected, result.Error
}

func sessionFromRow(data sessionRow) storage.Session {
	return storage.Session{
		ID:        data.ID,
		UserID:    data.UserID,
		TokenHash: data.TokenHash,
		ExpiresAt: data.ExpiresAt,
		UserAgent: data.UserAgent,
		IPAddress: data.IPAddress,
		IsActive:  data.IsActive,
		CreatedAt: data.CreatedAt,
		UpdatedAt: data.UpdatedAt,
	}
}
