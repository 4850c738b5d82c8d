package postgres

import (
	"QLINK-Backend/internal/domain"
	"QLINK-Backend/internal/repository"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PostgresStorage реализует интерфейс Storage для PostgreSQL
type PostgresStorage struct {
	db  *gorm.DB
	log *zap.Logger
}

// New создает новый экземпляр PostgreSQL storage
func New(db *gorm.DB, log *zap.Logger) *PostgresStorage {
	return &PostgresStorage{
		db:  db,
		log: log,
	}
}

// --- Mapping Methods ---

// CreateMapping сохраняет новую ссылку вместе с нулевой строкой аналитики
// в одной транзакции. Уникальность кода и алиаса обеспечивается
// уникальными индексами, а не проверками на стороне приложения.
func (s *PostgresStorage) CreateMapping(ctx context.Context, link *domain.ShortLink) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	if err := tx.Create(link).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return repository.ErrDuplicateKey
		}
		s.log.Error("failed to create mapping", zap.String("code", link.Code), zap.Error(err))
		return fmt.Errorf("failed to create mapping: %w", err)
	}

	summary := domain.AnalyticsSummary{LinkID: link.ID}
	if err := tx.Create(&summary).Error; err != nil {
		tx.Rollback()
		s.log.Error("failed to create analytics summary", zap.Int64("link_id", link.ID), zap.Error(err))
		return fmt.Errorf("failed to create analytics summary: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		s.log.Error("failed to commit mapping transaction", zap.String("code", link.Code), zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("created mapping", zap.String("code", link.Code), zap.Int64("link_id", link.ID))
	return nil
}

// FindMapping получает активную неистекшую ссылку по коду или алиасу.
// Предикат активности и срока действия вычисляется в момент запроса.
func (s *PostgresStorage) FindMapping(ctx context.Context, key string) (*domain.ShortLink, error) {
	var link domain.ShortLink

	err := s.db.WithContext(ctx).
		Where("(code = ? OR alias = ?) AND is_active = ?", key, key, true).
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrLinkNotFound
	}
	if err != nil {
		s.log.Error("failed to find mapping", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to find mapping: %w", err)
	}

	return &link, nil
}

// FindMappingAny получает ссылку по коду или алиасу без проверки
// активности и срока действия
func (s *PostgresStorage) FindMappingAny(ctx context.Context, key string) (*domain.ShortLink, error) {
	var link domain.ShortLink

	err := s.db.WithContext(ctx).
		Where("code = ? OR alias = ?", key, key).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrLinkNotFound
	}
	if err != nil {
		s.log.Error("failed to find mapping", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to find mapping: %w", err)
	}

	return &link, nil
}

// Deactivate деактивирует ссылку (мягкое удаление)
func (s *PostgresStorage) Deactivate(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Model(&domain.ShortLink{}).
		Where("code = ? OR alias = ?", key, key).
		Update("is_active", false)
	if result.Error != nil {
		s.log.Error("failed to deactivate link", zap.String("key", key), zap.Error(result.Error))
		return fmt.Errorf("failed to deactivate link: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return repository.ErrLinkNotFound
	}

	s.log.Info("deactivated link", zap.String("key", key))
	return nil
}

// ListByOwner возвращает список активных ссылок владельца
func (s *PostgresStorage) ListByOwner(ctx context.Context, ownerID int64) ([]*domain.ShortLink, error) {
	var links []*domain.ShortLink

	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("created_at DESC").
		Find(&links).Error
	if err != nil {
		s.log.Error("failed to list owner links", zap.Int64("owner_id", ownerID), zap.Error(err))
		return nil, fmt.Errorf("failed to list owner links: %w", err)
	}

	return links, nil
}

// --- Click Methods ---

// RecordClick записывает событие клика в одной транзакции: условный
// атомарный инкремент счетчика, вычисление флага уникальности, вставка
// события и обновление сводки. Возвращает новое значение счетчика.
//
// Инкремент выполняется первым: UPDATE берет блокировку строки ссылки,
// поэтому конкурирующие RecordClick для одной ссылки сериализуются и
// подсчет окна уникальности видит все уже зафиксированные события.
func (s *PostgresStorage) RecordClick(ctx context.Context, event *domain.ClickEvent) (int64, error) {
	if event.ClickedAt.IsZero() {
		event.ClickedAt = time.Now()
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()
	if tx.Error != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	// Условный инкремент: счетчик никогда не превышает потолок
	result := tx.Model(&domain.ShortLink{}).
		Where("id = ? AND is_active = ?", event.LinkID, true).
		Where("click_ceiling IS NULL OR click_count < click_ceiling").
		UpdateColumn("click_count", gorm.Expr("click_count + 1"))
	if result.Error != nil {
		tx.Rollback()
		s.log.Error("failed to increment click count", zap.Int64("link_id", event.LinkID), zap.Error(result.Error))
		return 0, fmt.Errorf("failed to increment click count: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Разбираемся, почему инкремент не прошел: ссылки нет,
		// она неактивна или достигнут потолок
		var link domain.ShortLink
		err := tx.Where("id = ?", event.LinkID).First(&link).Error
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, repository.ErrLinkNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("failed to inspect link: %w", err)
		}
		if !link.IsActive {
			return 0, repository.ErrLinkNotFound
		}
		return link.ClickCount, repository.ErrCeilingReached
	}

	// Флаг уникальности: не было ли события с этого адреса по этой
	// ссылке за последние 24 часа
	event.IsUnique = false
	if event.IPAddress != nil && *event.IPAddress != "" {
		var prior int64
		err := tx.Model(&domain.ClickEvent{}).
			Where("link_id = ? AND ip_address = ? AND clicked_at > ?",
				event.LinkID, *event.IPAddress, event.ClickedAt.Add(-24*time.Hour)).
			Count(&prior).Error
		if err != nil {
			tx.Rollback()
			s.log.Error("failed to count prior clicks", zap.Int64("link_id", event.LinkID), zap.Error(err))
			return 0, fmt.Errorf("failed to count prior clicks: %w", err)
		}
		event.IsUnique = prior == 0
	}

	if err := tx.Create(event).Error; err != nil {
		tx.Rollback()
		s.log.Error("failed to create click event", zap.Int64("link_id", event.LinkID), zap.Error(err))
		return 0, fmt.Errorf("failed to create click event: %w", err)
	}

	uniqueDelta := 0
	if event.IsUnique {
		uniqueDelta = 1
	}

	result = tx.Model(&domain.AnalyticsSummary{}).
		Where("link_id = ?", event.LinkID).
		Updates(map[string]interface{}{
			"total_clicks":  gorm.Expr("total_clicks + 1"),
			"unique_clicks": gorm.Expr("unique_clicks + ?", uniqueDelta),
			"last_click_at": event.ClickedAt,
		})
	if result.Error != nil {
		tx.Rollback()
		s.log.Error("failed to update analytics summary", zap.Int64("link_id", event.LinkID), zap.Error(result.Error))
		return 0, fmt.Errorf("failed to update analytics summary: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		summary := domain.AnalyticsSummary{
			LinkID:       event.LinkID,
			TotalClicks:  1,
			UniqueClicks: int64(uniqueDelta),
			LastClickAt:  &event.ClickedAt,
		}
		if err := tx.Create(&summary).Error; err != nil {
			tx.Rollback()
			s.log.Error("failed to create analytics summary", zap.Int64("link_id", event.LinkID), zap.Error(err))
			return 0, fmt.Errorf("failed to create analytics summary: %w", err)
		}
	}

	var newCount int64
	err := tx.Model(&domain.ShortLink{}).
		Where("id = ?", event.LinkID).
		Select("click_count").
		Scan(&newCount).Error
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to read click count: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		s.log.Error("failed to commit click transaction", zap.Int64("link_id", event.LinkID), zap.Error(err))
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return newCount, nil
}

// --- Analytics Methods ---

// GetAnalytics возвращает сводку, последние события и разбивки по
// классификации за окно в windowDays дней. Только чтение.
func (s *PostgresStorage) GetAnalytics(ctx context.Context, linkID int64, windowDays int) (*domain.AnalyticsReport, error) {
	var summary domain.AnalyticsSummary

	err := s.db.WithContext(ctx).Where("link_id = ?", linkID).First(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrLinkNotFound
	}
	if err != nil {
		s.log.Error("failed to get analytics summary", zap.Int64("link_id", linkID), zap.Error(err))
		return nil, fmt.Errorf("failed to get analytics summary: %w", err)
	}

	windowStart := time.Now().AddDate(0, 0, -windowDays)

	var events []*domain.ClickEvent
	err = s.db.WithContext(ctx).
		Where("link_id = ? AND clicked_at >= ?", linkID, windowStart).
		Order("clicked_at DESC").
		Limit(100).
		Find(&events).Error
	if err != nil {
		s.log.Error("failed to list recent clicks", zap.Int64("link_id", linkID), zap.Error(err))
		return nil, fmt.Errorf("failed to list recent clicks: %w", err)
	}

	byDevice, err := s.groupClicks(ctx, linkID, "device_type", windowStart)
	if err != nil {
		return nil, err
	}
	byBrowser, err := s.groupClicks(ctx, linkID, "browser", windowStart)
	if err != nil {
		return nil, err
	}
	byOS, err := s.groupClicks(ctx, linkID, "os", windowStart)
	if err != nil {
		return nil, err
	}

	return &domain.AnalyticsReport{
		Summary:      summary,
		RecentEvents: events,
		ByDevice:     byDevice,
		ByBrowser:    byBrowser,
		ByOS:         byOS,
		WindowDays:   windowDays,
	}, nil
}

// groupClicks возвращает распределение кликов по значению колонки
// классификации внутри окна
func (s *PostgresStorage) groupClicks(ctx context.Context, linkID int64, column string, since time.Time) (map[string]int64, error) {
	var results []struct {
		Label string `gorm:"column:label"`
		Count int64  `gorm:"column:count"`
	}

	err := s.db.WithContext(ctx).
		Model(&domain.ClickEvent{}).
		Select(fmt.Sprintf("COALESCE(NULLIF(%s, ''), 'unknown') as label, count(*) as count", column)).
		Where("link_id = ? AND clicked_at >= ?", linkID, since).
		Group(column).
		Find(&results).Error
	if err != nil {
		s.log.Error("failed to group clicks", zap.Int64("link_id", linkID), zap.String("column", column), zap.Error(err))
		return nil, fmt.Errorf("failed to group clicks by %s: %w", column, err)
	}

	grouped := make(map[string]int64, len(results))
	for _, result := range results {
		// NULL и явное 'unknown' сливаются в одну метку
		grouped[result.Label] += result.Count
	}

	return grouped, nil
}

// --- Maintenance Methods ---

// Cleanup удаляет истекшие ссылки (события и сводки уходят каскадом)
// и события старше горизонта хранения. Запускается по расписанию.
func (s *PostgresStorage) Cleanup(ctx context.Context, clickRetention time.Duration) (repository.CleanupResult, error) {
	var res repository.CleanupResult
	now := time.Now()

	expired := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&domain.ShortLink{})
	if expired.Error != nil {
		s.log.Error("failed to delete expired links", zap.Error(expired.Error))
		return res, fmt.Errorf("failed to delete expired links: %w", expired.Error)
	}
	res.ExpiredLinks = expired.RowsAffected

	if clickRetention > 0 {
		pruned := s.db.WithContext(ctx).
			Where("clicked_at < ?", now.Add(-clickRetention)).
			Delete(&domain.ClickEvent{})
		if pruned.Error != nil {
			s.log.Error("failed to prune old clicks", zap.Error(pruned.Error))
			return res, fmt.Errorf("failed to prune old clicks: %w", pruned.Error)
		}
		res.PrunedClicks = pruned.RowsAffected
	}

	s.log.Info("cleanup completed",
		zap.Int64("expired_links", res.ExpiredLinks),
		zap.Int64("pruned_clicks", res.PrunedClicks))
	return res, nil
}

// Ping проверяет состояние подключения к базе данных
func (s *PostgresStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
