package memory

import (
	"QLINK-Backend/internal/domain"
	"QLINK-Backend/internal/repository"
	"context"
	"sort"
	"sync"
	"time"
)

type MemStorage struct {
	mu        sync.RWMutex
	links     map[int64]*domain.ShortLink
	byKey     map[string]int64
	clicks    map[int64][]*domain.ClickEvent
	summaries map[int64]*domain.AnalyticsSummary

	linkCounter  int64
	eventCounter int64

	clock domain.Clock
}

func New() *MemStorage {
	return NewWithClock(domain.RealClock{})
}

// NewWithClock создает хранилище с управляемым источником времени
func NewWithClock(clock domain.Clock) *MemStorage {
	return &MemStorage{
		links:     make(map[int64]*domain.ShortLink),
		byKey:     make(map[string]int64),
		clicks:    make(map[int64][]*domain.ClickEvent),
		summaries: make(map[int64]*domain.AnalyticsSummary),
		clock:     clock,
	}
}

// --- Mapping Methods ---

func (s *MemStorage) CreateMapping(_ context.Context, link *domain.ShortLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Проверяем, заняты ли код или алиас
	if _, exists := s.byKey[link.Code]; exists {
		return repository.ErrDuplicateKey
	}
	if link.Alias != nil && *link.Alias != "" {
		if _, exists := s.byKey[*link.Alias]; exists {
			return repository.ErrDuplicateKey
		}
	}

	s.linkCounter++
	link.ID = s.linkCounter
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.clock.Now()
	}

	stored := link.Clone()
	s.links[stored.ID] = stored
	s.byKey[stored.Code] = stored.ID
	if stored.Alias != nil && *stored.Alias != "" {
		s.byKey[*stored.Alias] = stored.ID
	}
	s.summaries[stored.ID] = &domain.AnalyticsSummary{LinkID: stored.ID}

	return nil
}

func (s *MemStorage) FindMapping(_ context.Context, key string) (*domain.ShortLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.lookup(key)
	if !ok {
		return nil, repository.ErrLinkNotFound
	}
	if !link.IsActive || link.IsExpired(s.clock.Now()) {
		return nil, repository.ErrLinkNotFound
	}
	return link.Clone(), nil
}

func (s *MemStorage) FindMappingAny(_ context.Context, key string) (*domain.ShortLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.lookup(key)
	if !ok {
		return nil, repository.ErrLinkNotFound
	}
	return link.Clone(), nil
}

func (s *MemStorage) Deactivate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.lookup(key)
	if !ok {
		return repository.ErrLinkNotFound
	}
	link.IsActive = false
	return nil
}

func (s *MemStorage) ListByOwner(_ context.Context, ownerID int64) ([]*domain.ShortLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*domain.ShortLink
	for _, link := range s.links {
		if link.IsActive && link.OwnerID != nil && *link.OwnerID == ownerID {
			owned = append(owned, link.Clone())
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	return owned, nil
}

// --- Click Methods ---

func (s *MemStorage) RecordClick(_ context.Context, event *domain.ClickEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, exists := s.links[event.LinkID]
	if !exists || !link.IsActive {
		return 0, repository.ErrLinkNotFound
	}
	if link.CeilingReached() {
		return link.ClickCount, repository.ErrCeilingReached
	}

	link.ClickCount++

	if event.ClickedAt.IsZero() {
		event.ClickedAt = s.clock.Now()
	}

	// Флаг уникальности: окно 24 часа по адресу и ссылке
	event.IsUnique = false
	if event.IPAddress != nil && *event.IPAddress != "" {
		windowStart := event.ClickedAt.Add(-24 * time.Hour)
		prior := false
		for _, c := range s.clicks[event.LinkID] {
			if c.IPAddress != nil && *c.IPAddress == *event.IPAddress && c.ClickedAt.After(windowStart) {
				prior = true
				break
			}
		}
		event.IsUnique = !prior
	}

	s.eventCounter++
	event.ID = s.eventCounter
	stored := *event
	s.clicks[event.LinkID] = append(s.clicks[event.LinkID], &stored)

	summary, ok := s.summaries[event.LinkID]
	if !ok {
		summary = &domain.AnalyticsSummary{LinkID: event.LinkID}
		s.summaries[event.LinkID] = summary
	}
	summary.TotalClicks++
	if event.IsUnique {
		summary.UniqueClicks++
	}
	clickedAt := event.ClickedAt
	summary.LastClickAt = &clickedAt

	return link.ClickCount, nil
}

// --- Analytics Methods ---

func (s *MemStorage) GetAnalytics(_ context.Context, linkID int64, windowDays int) (*domain.AnalyticsReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[linkID]
	if !ok {
		return nil, repository.ErrLinkNotFound
	}

	windowStart := s.clock.Now().AddDate(0, 0, -windowDays)

	var recent []*domain.ClickEvent
	byDevice := make(map[string]int64)
	byBrowser := make(map[string]int64)
	byOS := make(map[string]int64)

	for _, c := range s.clicks[linkID] {
		if c.ClickedAt.Before(windowStart) {
			continue
		}
		stored := *c
		recent = append(recent, &stored)
		byDevice[labelOrUnknown(c.DeviceType)]++
		byBrowser[labelOrUnknown(c.Browser)]++
		byOS[labelOrUnknown(c.OS)]++
	}

	sort.Slice(recent, func(i, j int) bool {
		return recent[i].ClickedAt.After(recent[j].ClickedAt)
	})
	if len(recent) > 100 {
		recent = recent[:100]
	}

	return &domain.AnalyticsReport{
		Summary:      *summary,
		RecentEvents: recent,
		ByDevice:     byDevice,
		ByBrowser:    byBrowser,
		ByOS:         byOS,
		WindowDays:   windowDays,
	}, nil
}

// --- Maintenance Methods ---

func (s *MemStorage) Cleanup(_ context.Context, clickRetention time.Duration) (repository.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res repository.CleanupResult
	now := s.clock.Now()

	for id, link := range s.links {
		if link.ExpiresAt != nil && !link.ExpiresAt.After(now) {
			delete(s.links, id)
			delete(s.byKey, link.Code)
			if link.Alias != nil {
				delete(s.byKey, *link.Alias)
			}
			delete(s.clicks, id)
			delete(s.summaries, id)
			res.ExpiredLinks++
		}
	}

	if clickRetention > 0 {
		horizon := now.Add(-clickRetention)
		for id, events := range s.clicks {
			kept := events[:0]
			for _, c := range events {
				if c.ClickedAt.Before(horizon) {
					res.PrunedClicks++
					continue
				}
				kept = append(kept, c)
			}
			s.clicks[id] = kept
		}
	}

	return res, nil
}

func (s *MemStorage) Ping(_ context.Context) error {
	return nil
}

// lookup ищет ссылку по коду или алиасу; вызывать под блокировкой
func (s *MemStorage) lookup(key string) (*domain.ShortLink, bool) {
	id, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	link, ok := s.links[id]
	return link, ok
}

func labelOrUnknown(v *string) string {
	if v == nil || *v == "" {
		return "unknown"
	}
	return *v
}
