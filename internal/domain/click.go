package domain

import (
	"time"
)

// ClickEvent представляет событие перехода по сокращенной ссылке
type ClickEvent struct {
	ID         int64     `gorm:"primaryKey;column:id" json:"id"`
	LinkID     int64     `gorm:"column:link_id;not null;index:idx_clicks_link_time,priority:1" json:"link_id"`
	IPAddress  *string   `gorm:"column:ip_address;size:45;index" json:"ip_address,omitempty"`
	UserAgent  *string   `gorm:"column:user_agent;type:text" json:"user_agent,omitempty"`
	Referer    *string   `gorm:"column:referer;size:500" json:"referer,omitempty"`
	Country    *string   `gorm:"column:country;size:2" json:"country,omitempty"` // ISO код страны
	DeviceType *string   `gorm:"column:device_type;size:10" json:"device_type,omitempty"` // 'desktop', 'mobile', 'tablet'
	Browser    *string   `gorm:"column:browser;size:50" json:"browser,omitempty"`
	OS         *string   `gorm:"column:os;size:50" json:"os,omitempty"`
	ClickedAt  time.Time `gorm:"column:clicked_at;index:idx_clicks_link_time,priority:2" json:"clicked_at"`
	IsUnique   bool      `gorm:"column:is_unique;not null;default:false" json:"is_unique"` // первый клик с этого IP за сутки

	// Relationships
	Link *ShortLink `gorm:"foreignKey:LinkID;constraint:OnDelete:CASCADE" json:"link,omitempty"`
}

// TableName возвращает название таблицы для GORM
func (ClickEvent) TableName() string {
	return "clicks"
}

// GetDeviceType возвращает тип устройства или "unknown"
func (c *ClickEvent) GetDeviceType() string {
	if c.DeviceType != nil {
		return *c.DeviceType
	}
	return "unknown"
}

// Classification содержит результат разбора User-Agent и геоданных клика
type Classification struct {
	DeviceType *string
	Browser    *string
	OS         *string
	Country    *string
}
