package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDeviceStatusNotFound = fmt.Errorf("device status %w", model.ErrNotFound)

// DeviceStatusRepository keeps the single device status row.
type DeviceStatusRepository struct {
	*pg.DB
}

func NewDeviceStatusRepository(db *pg.DB) *DeviceStatusRepository {
	return &DeviceStatusRepository{db}
}

func (r *DeviceStatusRepository) Latest(ctx context.Context) (*model.DeviceStatus, error) {
	var entity DeviceStatusEntity
	err := r.Read(ctx).Where("id = ?", model.DeviceStatusRowID).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	return toDeviceStatusModel(&entity), nil
}

// Upsert replaces the stored status with s.
func (r *DeviceStatusRepository) Upsert(ctx context.Context, s *model.DeviceStatus) (*model.DeviceStatus, error) {
	entity := toDeviceStatusEntity(s)
	err := r.Write(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_id", "connected", "state", "last_check"}),
	}).Create(entity).Error
	if err != nil {
		return nil, err
	}
	return toDeviceStatusModel(entity), nil
}
