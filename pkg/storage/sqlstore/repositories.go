package sqlstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"hookgate/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repositoryRow struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	GitHubRepoID   int64      `gorm:"column:github_repo_id;not null;uniqueIndex:idx_hookgate_repositories_github_id"`
	InstallationID int64      `gorm:"column:installation_id;not null;index:idx_hookgate_repositories_installation_id"`
	FullName       string     `gorm:"column:full_name;size:255;not null"`
	Owner          string     `gorm:"column:owner;size:255"`
	Name           string     `gorm:"column:name;size:255"`
	Private        bool       `gorm:"column:private"`
	DefaultBranch  string     `gorm:"column:default_branch;size:255;default:main"`
	RemovedAt      *time.Time `gorm:"column:removed_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (repositoryRow) TableName() string { return "hookgate_repositories" }

// UpsertRepository inserts or refreshes a registry entry by GitHub id and
// clears any earlier removal.
func (s *Store) UpsertRepository(ctx context.Context, repo storage.Repository) error {
	if repo.GitHubRepoID == 0 {
		return errors.New("github repo id is required")
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	data := repositoryRow{
		GitHubRepoID:   repo.GitHubRepoID,
		InstallationID: repo.InstallationID,
		FullName:       repo.FullName,
		Owner:          repo.Owner,
		Name:           repo.Name,
		Private:        repo.Private,
		DefaultBranch:  repo.DefaultBranch,
		RemovedAt:      repo.RemovedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "github_repo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"installation_id", "full_name", "owner", "name", "private", "default_branch", "removed_at", "updated_at"}),
		}).
		Create(&data).Error
}

func (s *Store) MarkRepositoryRemoved(ctx context.Context, installationID, githubRepoID int64, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&repositoryRow{}).
		Where("github_repo_id = ? AND installation_id = ? AND removed_at IS NULL", githubRepoID, installationID).
		Updates(map[string]interface{}{"removed_at": at, "updated_at": s.now()})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) GetRepositoryByGitHubID(ctx context.Context, githubRepoID int64) (*storage.Repository, error) {
	var data repositoryRow
	err := s.db.WithContext(ctx).Where("github_repo_id = ?", githubRepoID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := repositoryFromRow(data)
	return &record, nil
}

// ListRepositories returns one page of matching entries and the total match count.
func (s *Store) ListRepositories(ctx context.Context, filter storage.RepositoryFilter) ([]storage.Repository, int64, error) {
	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&repositoryRow{})
		if filter.InstallationID != 0 {
			query = query.Where("installation_id = ?", filter.InstallationID)
		}
		if !filter.IncludeRemoved {
			query = query.Where("removed_at IS NULL")
		}
		if search := strings.TrimSpace(filter.Search); search != "" {
			query = query.Where("LOWER(full_name) LIKE ?", "%"+strings.ToLower(search)+"%")
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var data []repositoryRow
	if err := applyPage(filtered().Order("full_name asc"), filter.Limit, filter.Offset).Find(&data).Error; err != nil {
		return nil, 0, err
	}
	records := make([]storage.Repository, 0, len(data))
	for _, item := range data {
		records = append(records, repositoryFromRow(item))
	}
	return records, total, nil
}

func repositoryFromRow(data repositoryRow) storage.Repository {
	return storage.Repository{
		ID:             data.ID,
		GitHubRepoID:   data.GitHubRepoID,
		InstallationID: data.InstallationID,
		FullName:       data.FullName,
		Owner:          data.Owner,
		Name:           data.Name,
		Private:        data.Private,
		DefaultBranch:  data.DefaultBranch,
		RemovedAt:      data.RemovedAt,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
}
