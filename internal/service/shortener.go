package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"QLINK-Backend/internal/auth"
	"QLINK-Backend/internal/cache"
	"QLINK-Backend/internal/clicks"
	"QLINK-Backend/internal/config"
	"QLINK-Backend/internal/domain"
	"QLINK-Backend/internal/repository"
	"QLINK-Backend/internal/shortcode"

	"go.uber.org/zap"
)

const defaultAnalyticsWindowDays = 30

var (
	ErrNotFound         = errors.New("short link not found")
	ErrExpired          = errors.New("short link expired")
	ErrInactive         = errors.New("short link deactivated")
	ErrCeilingReached   = errors.New("short link click ceiling reached")
	ErrPasswordRequired = errors.New("short link requires a password")
	ErrAliasTaken       = errors.New("alias already taken")
	ErrValidation       = errors.New("validation failed")
	ErrCreateFailed     = errors.New("failed to create short link")
)

// ClickSink принимает клики на асинхронную запись
type ClickSink interface {
	Submit(job *clicks.ClickJob) error
}

// CreateRequest описывает параметры создания короткой ссылки
type CreateRequest struct {
	Destination  string
	CustomAlias  *string
	Title        string
	Description  string
	OwnerID      int64
	TTL          *time.Duration
	Password     *string
	ClickCeiling *int64
}

// Visit несет контекст посещения для записи клика
type Visit struct {
	IPAddress *string
	UserAgent string
	Referer   string
	Country   string
}

// Deps собирает зависимости сервиса
type Deps struct {
	Storage   repository.Storage
	Cache     *cache.Cache
	Generator *shortcode.Generator
	Clicks    ClickSink
	Passwords *auth.PasswordService
	Clock     domain.Clock
	Log       *zap.Logger
	Config    *config.URLShortener
}

// Shortener оркестрирует создание, резолв и аналитику коротких ссылок
type Shortener struct {
	storage   repository.Storage
	cache     *cache.Cache
	generator *shortcode.Generator
	sink      ClickSink
	passwords *auth.PasswordService
	clock     domain.Clock
	log       *zap.Logger
	cfg       *config.URLShortener
}

// NewShortener создает сервис коротких ссылок
func NewShortener(deps Deps) *Shortener {
	clock := deps.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}

	passwords := deps.Passwords
	if passwords == nil {
		passwords = auth.NewPasswordService()
	}

	cfg := deps.Config
	if cfg == nil {
		cfg = &config.URLShortener{
			CodeLength:            shortcode.DefaultCodeLength,
			MaxGenerationAttempts: shortcode.DefaultMaxAttempts,
			AnalyticsWindowDays:   defaultAnalyticsWindowDays,
		}
	}

	return &Shortener{
		storage:   deps.Storage,
		cache:     deps.Cache,
		generator: deps.Generator,
		sink:      deps.Clicks,
		passwords: passwords,
		clock:     clock,
		log:       deps.Log,
		cfg:       cfg,
	}
}

// CreateShortLink создает ссылку: валидация, резервирование алиаса,
// генерация кода с повтором при коллизии и сквозная запись в кэш
func (s *Shortener) CreateShortLink(ctx context.Context, req *CreateRequest) (*domain.ShortLink, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	link := &domain.ShortLink{
		Destination: req.Destination,
		IsActive:    true,
	}

	if req.Title != "" {
		title := req.Title
		link.Title = &title
	}
	if req.Description != "" {
		description := req.Description
		link.Description = &description
	}
	if req.OwnerID > 0 {
		owner := req.OwnerID
		link.OwnerID = &owner
	}
	if req.TTL != nil {
		expiresAt := s.clock.Now().Add(*req.TTL)
		link.ExpiresAt = &expiresAt
	}
	if req.ClickCeiling != nil {
		ceiling := *req.ClickCeiling
		link.ClickCeiling = &ceiling
	}
	if req.Password != nil && *req.Password != "" {
		hash, err := s.passwords.HashPassword(*req.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		link.PasswordHash = &hash
	}

	var reservedAlias string
	if req.CustomAlias != nil && *req.CustomAlias != "" {
		normalized, err := s.generator.ReserveAlias(*req.CustomAlias)
		if err != nil {
			if errors.Is(err, shortcode.ErrAliasReserved) {
				return nil, ErrAliasTaken
			}
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		reservedAlias = normalized
		link.Alias = &reservedAlias
	}

	attempts := s.cfg.MaxGenerationAttempts
	if attempts <= 0 {
		attempts = shortcode.DefaultMaxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		code, err := s.generator.Generate()
		if err != nil {
			s.releaseAlias(reservedAlias)
			return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
		}
		link.Code = code

		err = s.storage.CreateMapping(ctx, link)
		if err == nil {
			// База теперь владеет уникальностью, резервирования больше не нужны
			s.generator.Release(code)
			s.releaseAlias(reservedAlias)
			s.cacheLink(link)

			s.log.Info("short link created",
				zap.String("code", link.Code),
				zap.Int64("link_id", link.ID),
				zap.Int("attempt", attempt))
			return link, nil
		}

		s.generator.Release(code)

		if !errors.Is(err, repository.ErrDuplicateKey) {
			s.releaseAlias(reservedAlias)
			return nil, fmt.Errorf("failed to save link: %w", err)
		}

		// Дубликат мог возникнуть из-за занятого алиаса, а не кода
		if reservedAlias != "" {
			if _, aerr := s.storage.FindMappingAny(ctx, reservedAlias); aerr == nil {
				s.releaseAlias(reservedAlias)
				return nil, ErrAliasTaken
			}
		}

		s.log.Warn("short code collision, retrying",
			zap.String("code", code),
			zap.Int("attempt", attempt))
	}

	s.releaseAlias(reservedAlias)
	return nil, fmt.Errorf("%w after %d attempts", ErrCreateFailed, attempts)
}

// ResolveShortLink возвращает ссылку для редиректа и ставит клик в очередь.
// Запись клика не блокирует резолв и не может его провалить.
func (s *Shortener) ResolveShortLink(ctx context.Context, key string, visit *Visit) (*domain.ShortLink, error) {
	now := s.clock.Now()

	link, err := s.lookupActive(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if link.PasswordHash != nil && *link.PasswordHash != "" {
		return nil, ErrPasswordRequired
	}

	s.recordVisit(link, key, visit, now)
	return link, nil
}

// VerifyPassword проверяет пароль защищенной ссылки и при успехе
// возвращает ее вместе с записью клика
func (s *Shortener) VerifyPassword(ctx context.Context, key, password string, visit *Visit) (*domain.ShortLink, error) {
	now := s.clock.Now()

	link, err := s.lookupActive(ctx, key, now)
	if err != nil {
		return nil, err
	}

	if link.PasswordHash != nil && *link.PasswordHash != "" {
		if err := s.passwords.VerifyPassword(*link.PasswordHash, password); err != nil {
			return nil, err
		}
	}

	s.recordVisit(link, key, visit, now)
	return link, nil
}

// GetAnalytics возвращает отчет по ссылке, окно в днях клампится к дефолту
func (s *Shortener) GetAnalytics(ctx context.Context, key string, windowDays int) (*domain.AnalyticsReport, error) {
	if windowDays <= 0 {
		windowDays = s.cfg.AnalyticsWindowDays
	}
	if windowDays <= 0 {
		windowDays = defaultAnalyticsWindowDays
	}

	cacheKey := fmt.Sprintf("%s:%d", key, windowDays)
	if v, ok := s.cache.Get(cache.NamespaceAnalytics, cacheKey); ok {
		if report, ok := v.(*domain.AnalyticsReport); ok {
			return report, nil
		}
	}

	link, err := s.storage.FindMappingAny(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find link: %w", err)
	}

	report, err := s.storage.GetAnalytics(ctx, link.ID, windowDays)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analytics: %w", err)
	}

	s.cache.Set(cache.NamespaceAnalytics, cacheKey, report)
	return report, nil
}

// LinkInfo возвращает ссылку по ключу без проверки пригодности,
// используется для отображения статистики
func (s *Shortener) LinkInfo(ctx context.Context, key string) (*domain.ShortLink, error) {
	link, err := s.storage.FindMappingAny(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find link: %w", err)
	}
	return link, nil
}

// ListLinks возвращает ссылки владельца
func (s *Shortener) ListLinks(ctx context.Context, ownerID int64) ([]*domain.ShortLink, error) {
	links, err := s.storage.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}

// Deactivate отключает ссылку и выбрасывает ее из кэша
func (s *Shortener) Deactivate(ctx context.Context, key string) error {
	if err := s.storage.Deactivate(ctx, key); err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to deactivate link: %w", err)
	}

	s.Invalidate(ctx, key)
	s.log.Info("short link deactivated", zap.String("key", key))
	return nil
}

// Invalidate выбрасывает закэшированный маппинг по коду и алиасу
func (s *Shortener) Invalidate(ctx context.Context, key string) {
	link, ok := s.cachedLink(key)
	if !ok {
		if found, err := s.storage.FindMappingAny(ctx, key); err == nil {
			link = found
		}
	}

	s.cache.Invalidate(cache.NamespaceMapping, key)
	if link != nil {
		s.cache.Invalidate(cache.NamespaceMapping, link.Code)
		if link.Alias != nil && *link.Alias != "" {
			s.cache.Invalidate(cache.NamespaceMapping, *link.Alias)
		}
	}
}

// RunCleanup удаляет истекшие ссылки и старые клики
func (s *Shortener) RunCleanup(ctx context.Context) (repository.CleanupResult, error) {
	retention := time.Duration(s.cfg.ClickRetentionDays) * 24 * time.Hour

	result, err := s.storage.Cleanup(ctx, retention)
	if err != nil {
		return result, fmt.Errorf("cleanup failed: %w", err)
	}

	if result.ExpiredLinks > 0 || result.PrunedClicks > 0 {
		s.log.Info("cleanup completed",
			zap.Int64("expired_links", result.ExpiredLinks),
			zap.Int64("pruned_clicks", result.PrunedClicks))
	}
	return result, nil
}

// CacheStats отдает счетчики кэша для эндпоинта метрик
func (s *Shortener) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Ping проверяет доступность хранилища
func (s *Shortener) Ping(ctx context.Context) error {
	return s.storage.Ping(ctx)
}

// lookupActive ищет пригодную для перехода ссылку: сначала кэш, затем
// горячий запрос, затем классификация причины отказа
func (s *Shortener) lookupActive(ctx context.Context, key string, now time.Time) (*domain.ShortLink, error) {
	if link, ok := s.cachedLink(key); ok {
		if err := s.usable(link, now); err != nil {
			return nil, err
		}
		return link, nil
	}

	link, err := s.storage.FindMapping(ctx, key)
	if err == nil {
		s.cacheLink(link)
		if uerr := s.usable(link, now); uerr != nil {
			return nil, uerr
		}
		return link, nil
	}
	if !errors.Is(err, repository.ErrLinkNotFound) {
		return nil, fmt.Errorf("failed to resolve link: %w", err)
	}

	// Горячий запрос ничего не нашел: различаем отсутствие, истечение
	// и деактивацию. Негативный снапшот тоже кэшируем.
	any, aerr := s.storage.FindMappingAny(ctx, key)
	if aerr != nil {
		if errors.Is(aerr, repository.ErrLinkNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to classify link: %w", aerr)
	}

	s.cacheLink(any)
	if uerr := s.usable(any, now); uerr != nil {
		return nil, uerr
	}
	return any, nil
}

// usable проверяет пригодность ссылки для перехода
func (s *Shortener) usable(link *domain.ShortLink, now time.Time) error {
	if !link.IsActive {
		return ErrInactive
	}
	if link.IsExpired(now) {
		return ErrExpired
	}
	if link.CeilingReached() {
		return ErrCeilingReached
	}
	return nil
}

// recordVisit ставит клик в очередь и оптимистично двигает счетчик в кэше
func (s *Shortener) recordVisit(link *domain.ShortLink, key string, visit *Visit, now time.Time) {
	if visit == nil || s.sink == nil {
		return
	}

	job := &clicks.ClickJob{
		Key:       key,
		LinkID:    link.ID,
		IPAddress: visit.IPAddress,
		UserAgent: visit.UserAgent,
		Referer:   visit.Referer,
		Country:   visit.Country,
		ClickedAt: now,
	}
	if link.ClickCeiling != nil {
		ceiling := *link.ClickCeiling
		job.Ceiling = &ceiling
	}

	if err := s.sink.Submit(job); err != nil {
		s.log.Warn("click dropped", zap.String("key", key), zap.Error(err))
		return
	}

	bumped := link.Clone()
	bumped.ClickCount++
	s.cacheLink(bumped)
}

func (s *Shortener) validate(req *CreateRequest) error {
	parsed, err := url.Parse(req.Destination)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: destination must be an absolute http(s) URL", ErrValidation)
	}
	if req.TTL != nil && *req.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrValidation)
	}
	if req.ClickCeiling != nil && *req.ClickCeiling <= 0 {
		return fmt.Errorf("%w: click ceiling must be positive", ErrValidation)
	}
	if req.Password != nil && *req.Password != "" {
		if err := auth.IsValidPassword(*req.Password); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

func (s *Shortener) releaseAlias(alias string) {
	if alias != "" {
		s.generator.Release(alias)
	}
}

func (s *Shortener) cachedLink(key string) (*domain.ShortLink, bool) {
	v, ok := s.cache.Get(cache.NamespaceMapping, key)
	if !ok {
		return nil, false
	}
	link, ok := v.(*domain.ShortLink)
	return link, ok
}

// cacheLink кладет снапшот ссылки под оба ключа: код и алиас
func (s *Shortener) cacheLink(link *domain.ShortLink) {
	snapshot := link.Clone()
	s.cache.Set(cache.NamespaceMapping, snapshot.Code, snapshot)
	if snapshot.Alias != nil && *snapshot.Alias != "" {
		s.cache.Set(cache.NamespaceMapping, *snapshot.Alias, snapshot)
	}
}
