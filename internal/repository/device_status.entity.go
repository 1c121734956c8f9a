package repository

import (
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
)

type DeviceStatusEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;column:id"`
	DeviceID  *string   `db:"device_id"  gorm:"column:device_id;size:64"`
	Connected bool      `db:"connected"  gorm:"column:connected;not null;default:false"`
	State     string    `db:"state"      gorm:"column:state;size:20;not null;default:unknown"`
	LastCheck time.Time `db:"last_check" gorm:"column:last_check;not null"`
}

func (DeviceStatusEntity) TableName() string {
	return "device_status"
}

func toDeviceStatusEntity(d *model.DeviceStatus) *DeviceStatusEntity {
	return &DeviceStatusEntity{
		ID:        model.DeviceStatusRowID,
		DeviceID:  d.DeviceID,
		Connected: d.Connected,
		State:     string(d.State),
		LastCheck: d.LastCheck,
	}
}

func toDeviceStatusModel(e *DeviceStatusEntity) *model.DeviceStatus {
	return &model.DeviceStatus{
		ID:        e.ID,
		DeviceID:  e.DeviceID,
		Connected: e.Connected,
		State:     model.ParseDeviceState(e.State),
		LastCheck: e.LastCheck,
	}
}
