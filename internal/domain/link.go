package domain

import "time"

// ShortLink представляет сокращенную ссылку
type ShortLink struct {
	ID           int64      `gorm:"primaryKey;column:id" json:"id"`
	Code         string     `gorm:"column:code;size:16;uniqueIndex;not null" json:"code"`
	Alias        *string    `gorm:"column:alias;size:32;uniqueIndex" json:"alias,omitempty"`
	Destination  string     `gorm:"column:destination;type:text;not null" json:"destination"`
	Title        *string    `gorm:"column:title;size:255" json:"title,omitempty"`
	Description  *string    `gorm:"column:description;type:text" json:"description,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ExpiresAt    *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true" json:"is_active"`
	OwnerID      *int64     `gorm:"column:owner_id;index" json:"owner_id,omitempty"`
	PasswordHash *string    `gorm:"column:password_hash;size:100" json:"-"`
	ClickCeiling *int64     `gorm:"column:click_ceiling" json:"click_ceiling,omitempty"`
	ClickCount   int64      `gorm:"column:click_count;not null;default:0" json:"click_count"`
}

// TableName возвращает название таблицы для GORM
func (ShortLink) TableName() string {
	return "short_links"
}

// Key возвращает ключ разрешения: алиас, если задан, иначе код
func (l *ShortLink) Key() string {
	if l.Alias != nil && *l.Alias != "" {
		return *l.Alias
	}
	return l.Code
}

// IsExpired проверяет, истек ли срок действия ссылки на момент now.
// Граница включается: в момент expires_at ссылка уже истекла.
func (l *ShortLink) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// CeilingReached проверяет, достигнут ли лимит переходов
func (l *ShortLink) CeilingReached() bool {
	return l.ClickCeiling != nil && l.ClickCount >= *l.ClickCeiling
}

// Clone создает глубокую копию ссылки
func (l *ShortLink) Clone() *ShortLink {
	c := *l
	if l.Alias != nil {
		v := *l.Alias
		c.Alias = &v
	}
	if l.Title != nil {
		v := *l.Title
		c.Title = &v
	}
	if l.Description != nil {
		v := *l.Description
		c.Description = &v
	}
	if l.ExpiresAt != nil {
		v := *l.ExpiresAt
		c.ExpiresAt = &v
	}
	if l.OwnerID != nil {
		v := *l.OwnerID
		c.OwnerID = &v
	}
	if l.PasswordHash != nil {
		v := *l.PasswordHash
		c.PasswordHash = &v
	}
	if l.ClickCeiling != nil {
		v := *l.ClickCeiling
		c.ClickCeiling = &v
	}
	return &c
}
