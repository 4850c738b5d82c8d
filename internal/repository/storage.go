package repository

import (
	"QLINK-Backend/internal/domain"
	"context"
	"errors"
	"time"
)

var (
	ErrLinkNotFound   = errors.New("link not found")
	ErrDuplicateKey   = errors.New("code or alias already exists")
	ErrCeilingReached = errors.New("click ceiling reached")
)

// CleanupResult содержит итоги одного прохода очистки
type CleanupResult struct {
	ExpiredLinks int64
	PrunedClicks int64
}

type Storage interface {
	// Mapping methods
	CreateMapping(ctx context.Context, link *domain.ShortLink) error
	FindMapping(ctx context.Context, key string) (*domain.ShortLink, error)
	FindMappingAny(ctx context.Context, key string) (*domain.ShortLink, error)
	Deactivate(ctx context.Context, key string) error
	ListByOwner(ctx context.Context, ownerID int64) ([]*domain.ShortLink, error)

	// Click methods
	RecordClick(ctx context.Context, event *domain.ClickEvent) (int64, error)

	// Analytics methods
	GetAnalytics(ctx context.Context, linkID int64, windowDays int) (*domain.AnalyticsReport, error)

	// Maintenance methods
	Cleanup(ctx context.Context, clickRetention time.Duration) (CleanupResult, error)
	Ping(ctx context.Context) error
}
