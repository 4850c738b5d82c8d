package domain

import "time"

// AnalyticsSummary хранит агрегированную статистику по ссылке
type AnalyticsSummary struct {
	LinkID       int64      `gorm:"primaryKey;column:link_id" json:"link_id"`
	TotalClicks  int64      `gorm:"column:total_clicks;not null;default:0" json:"total_clicks"`
	UniqueClicks int64      `gorm:"column:unique_clicks;not null;default:0" json:"unique_clicks"`
	LastClickAt  *time.Time `gorm:"column:last_click_at" json:"last_click_at,omitempty"`

	// Relationships
	Link *ShortLink `gorm:"foreignKey:LinkID;constraint:OnDelete:CASCADE" json:"link,omitempty"`
}

// TableName возвращает название таблицы для GORM
func (AnalyticsSummary) TableName() string {
	return "analytics_summaries"
}

// AnalyticsReport объединяет сводку и последние события за окно запроса
type AnalyticsReport struct {
	Summary      AnalyticsSummary  `json:"summary"`
	RecentEvents []*ClickEvent     `json:"recent_events"`
	ByDevice     map[string]int64  `json:"by_device"`
	ByBrowser    map[string]int64  `json:"by_browser"`
	ByOS         map[string]int64  `json:"by_os"`
	WindowDays   int               `json:"window_days"`
}
