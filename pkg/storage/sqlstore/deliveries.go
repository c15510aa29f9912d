package sqlstore

import (
	"context"
	"errors"
	"time"

	"hookgate/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type deliveryRow struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	DeliveryID     string     `gorm:"column:delivery_id;size:128;not null;uniqueIndex:idx_hookgate_deliveries_delivery_id"`
	EventType      string     `gorm:"column:event_type;size:64;not null;index:idx_hookgate_deliveries_event_type"`
	Action         string     `gorm:"column:action;size:64"`
	InstallationID *int64     `gorm:"column:installation_id"`
	RepositoryID   *int64     `gorm:"column:repository_id;index:idx_hookgate_deliveries_repository_id"`
	UserID         *int64     `gorm:"column:user_id;index:idx_hookgate_deliveries_user_id"`
	Payload        string     `gorm:"column:payload;type:text"`
	Processed      bool       `gorm:"column:processed;not null;default:false"`
	ProcessedAt    *time.Time `gorm:"column:processed_at"`
	Error          string     `gorm:"column:error;type:text"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (deliveryRow) TableName() string { return "hookgate_deliveries" }

// InsertDelivery is a single insert-if-absent on delivery_id. A conflicting
// insert affects no rows, or on dialects that still raise, surfaces as a
// translated duplicate key error; both report false.
func (s *Store) InsertDelivery(ctx context.Context, delivery storage.Delivery) (bool, error) {
	if delivery.DeliveryID == "" {
		return false, errors.New("delivery id is required")
	}
	data := deliveryRow{
		DeliveryID:     delivery.DeliveryID,
		EventType:      delivery.EventType,
		Action:         delivery.Action,
		InstallationID: delivery.InstallationID,
		RepositoryID:   delivery.RepositoryID,
		UserID:         delivery.UserID,
		Payload:        delivery.Payload,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "delivery_id"}},
			DoNothing: true,
		}).
		Create(&data)
	if result.Error != nil {
		if isDuplicate(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) MarkDeliveryProcessed(ctx context.Context, deliveryID string, errMsg string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&deliveryRow{}).
		Where("delivery_id = ?", deliveryID).
		Updates(map[string]interface{}{
			"processed":    true,
			"processed_at": at,
			"error":        errMsg,
			"updated_at":   s.now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID string) (*storage.Delivery, error) {
	var data deliveryRow
	err := s.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := deliveryFromRow(data)
	return &record, nil
}

// ListDeliveries returns one page of matching deliveries, newest first, and
// the total match count.
func (s *Store) ListDeliveries(ctx context.Context, filter storage.DeliveryFilter) ([]storage.Delivery, int64, error) {
	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&deliveryRow{})
		if filter.UserID != 0 {
			query = query.Where("user_id = ?", filter.UserID)
		}
		if filter.EventType != "" {
			query = query.Where("event_type = ?", filter.EventType)
		}
		if filter.RepositoryID != 0 {
			query = query.Where("repository_id = ?", filter.RepositoryID)
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var data []deliveryRow
	if err := applyPage(filtered().Order("created_at desc, id desc"), filter.Limit, filter.Offset).Find(&data).Error; err != nil {
		return nil, 0, err
	}
	records := make([]storage.Delivery, 0, len(data))
	for _, item := range data {
		records = append(records, deliveryFromRow(item))
	}
	return records, total, nil
}

func deliveryFromRow(data deliveryRow) storage.Delivery {
	return storage.Delivery{
		ID:             data.ID,
		DeliveryID:     data.DeliveryID,
		EventType:      data.EventType,
		Action:         data.Action,
		InstallationID: data.InstallationID,
		RepositoryID:   data.RepositoryID,
		UserID:         data.UserID,
		Payload:        data.Payload,
		Processed:      data.Processed,
		ProcessedAt:    data.ProcessedAt,
		Error:          data.Error,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
}
