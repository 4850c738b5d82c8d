package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"QLINK-Backend/internal/auth"
	"QLINK-Backend/internal/cache"
	"QLINK-Backend/internal/clicks"
	"QLINK-Backend/internal/config"
	"QLINK-Backend/internal/domain"
	"QLINK-Backend/internal/repository"
	"QLINK-Backend/internal/repository/memory"
	"QLINK-Backend/internal/shortcode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// collectSink records submitted click jobs instead of persisting them.
type collectSink struct {
	mu   sync.Mutex
	jobs []*clicks.ClickJob
	fail error
}

func (c *collectSink) Submit(job *clicks.ClickJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *collectSink) last() *clicks.ClickJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) == 0 {
		return nil
	}
	return c.jobs[len(c.jobs)-1]
}

type testEnv struct {
	svc   *Shortener
	store *memory.MemStorage
	cache *cache.Cache
	clock *domain.MockClock
	sink  *collectSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := domain.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewWithClock(clock)

	c, err := cache.New(cache.Config{
		MaxEntriesPerNamespace: 128,
		MappingTTL:             time.Hour,
		AnalyticsTTL:           time.Minute,
		StatsTTL:               time.Minute,
		JanitorInterval:        time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	sink := &collectSink{}

	svc := NewShortener(Deps{
		Storage:   store,
		Cache:     c,
		Generator: shortcode.NewGenerator(8, 5),
		Clicks:    sink,
		Passwords: auth.NewPasswordServiceWithCost(4),
		Clock:     clock,
		Log:       zap.NewNop(),
		Config: &config.URLShortener{
			CodeLength:            8,
			MaxGenerationAttempts: 5,
			BaseURL:               "http://sho.rt",
			ClickRetentionDays:    90,
			AnalyticsWindowDays:   30,
		},
	})

	return &testEnv{svc: svc, store: store, cache: c, clock: clock, sink: sink}
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func durPtr(d time.Duration) *time.Duration { return &d }

func testVisit() *Visit {
	return &Visit{
		IPAddress: strPtr("203.0.113.7"),
		UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0",
		Referer:   "https://news.example.org/",
	}
}

func TestShortener_CreateAndResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/landing",
		Title:       "Landing",
		OwnerID:     1,
	})
	require.NoError(t, err)
	assert.Len(t, link.Code, 8)
	assert.NotZero(t, link.ID)
	assert.True(t, link.IsActive)

	resolved, err := env.svc.ResolveShortLink(ctx, link.Code, testVisit())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/landing", resolved.Destination)

	require.Equal(t, 1, env.sink.count())
	job := env.sink.last()
	assert.Equal(t, link.Code, job.Key)
	assert.Equal(t, link.ID, job.LinkID)
	assert.Equal(t, env.clock.Now(), job.ClickedAt)
	assert.Equal(t, "203.0.113.7", *job.IPAddress)
}

func TestShortener_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *CreateRequest
	}{
		{"empty destination", &CreateRequest{Destination: ""}},
		{"relative url", &CreateRequest{Destination: "/just/a/path"}},
		{"unsupported scheme", &CreateRequest{Destination: "ftp://files.example.com/x"}},
		{"missing host", &CreateRequest{Destination: "https://"}},
		{"negative ttl", &CreateRequest{Destination: "https://example.com", TTL: durPtr(-time.Hour)}},
		{"zero ceiling", &CreateRequest{Destination: "https://example.com", ClickCeiling: int64Ptr(0)}},
		{"short password", &CreateRequest{Destination: "https://example.com", Password: strPtr("abc")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateShortLink(ctx, tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestShortener_CustomAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/sale",
		CustomAlias: strPtr("Summer--Sale"),
	})
	require.NoError(t, err)
	require.NotNil(t, link.Alias)
	assert.Equal(t, "summer-sale", *link.Alias)

	byAlias, err := env.svc.ResolveShortLink(ctx, "summer-sale", nil)
	require.NoError(t, err)
	assert.Equal(t, link.ID, byAlias.ID)

	byCode, err := env.svc.ResolveShortLink(ctx, link.Code, nil)
	require.NoError(t, err)
	assert.Equal(t, link.ID, byCode.ID)

	t.Run("taken alias is rejected", func(t *testing.T) {
		_, err := env.svc.CreateShortLink(ctx, &CreateRequest{
			Destination: "https://example.com/other",
			CustomAlias: strPtr("summer-sale"),
		})
		assert.ErrorIs(t, err, ErrAliasTaken)
	})

	t.Run("invalid alias is a validation error", func(t *testing.T) {
		_, err := env.svc.CreateShortLink(ctx, &CreateRequest{
			Destination: "https://example.com/other",
			CustomAlias: strPtr("x"),
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestShortener_ResolveClassification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("unknown key", func(t *testing.T) {
		_, err := env.svc.ResolveShortLink(ctx, "no-such-key", testVisit())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, env.sink.count())
	})

	t.Run("expired link", func(t *testing.T) {
		link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
			Destination: "https://example.com/t",
			TTL:         durPtr(time.Hour),
		})
		require.NoError(t, err)

		env.clock.Advance(2 * time.Hour)

		// Both resolves are answered from the snapshot cached at create.
		_, err = env.svc.ResolveShortLink(ctx, link.Code, testVisit())
		assert.ErrorIs(t, err, ErrExpired)
		_, err = env.svc.ResolveShortLink(ctx, link.Code, testVisit())
		assert.ErrorIs(t, err, ErrExpired)
		assert.Zero(t, env.sink.count())
	})

	t.Run("deactivated link", func(t *testing.T) {
		link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
			Destination: "https://example.com/d",
		})
		require.NoError(t, err)
		require.NoError(t, env.svc.Deactivate(ctx, link.Code))

		_, err = env.svc.ResolveShortLink(ctx, link.Code, testVisit())
		assert.ErrorIs(t, err, ErrInactive)
		assert.Zero(t, env.sink.count())
	})
}

func TestShortener_ResolveServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/cached",
	})
	require.NoError(t, err)

	// Create already warmed the cache, so both resolves are hits.
	_, err = env.svc.ResolveShortLink(ctx, link.Code, nil)
	require.NoError(t, err)
	_, err = env.svc.ResolveShortLink(ctx, link.Code, nil)
	require.NoError(t, err)

	stats := env.svc.CacheStats()
	assert.GreaterOrEqual(t, stats.Namespaces[cache.NamespaceMapping].Hits, int64(2))
	assert.NotZero(t, stats.Keys)
}

func TestShortener_PasswordProtected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/secret",
		Password:    strPtr("hunter22"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, link.PasswordHash)

	t.Run("resolve demands the password", func(t *testing.T) {
		_, err := env.svc.ResolveShortLink(ctx, link.Code, testVisit())
		assert.ErrorIs(t, err, ErrPasswordRequired)
		assert.Zero(t, env.sink.count())
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := env.svc.VerifyPassword(ctx, link.Code, "nope-nope", testVisit())
		assert.ErrorIs(t, err, auth.ErrInvalidPassword)
		assert.Zero(t, env.sink.count())
	})

	t.Run("correct password records the click", func(t *testing.T) {
		resolved, err := env.svc.VerifyPassword(ctx, link.Code, "hunter22", testVisit())
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/secret", resolved.Destination)
		assert.Equal(t, 1, env.sink.count())
	})
}

func TestShortener_CeilingWithOptimisticCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination:  "https://example.com/capped",
		ClickCeiling: int64Ptr(2),
	})
	require.NoError(t, err)

	// Each successful resolve bumps the cached counter, so the third
	// attempt is rejected without waiting for the pipeline to catch up.
	_, err = env.svc.ResolveShortLink(ctx, link.Code, testVisit())
	require.NoError(t, err)
	_, err = env.svc.ResolveShortLink(ctx, link.Code, testVisit())
	require.NoError(t, err)

	_, err = env.svc.ResolveShortLink(ctx, link.Code, testVisit())
	assert.ErrorIs(t, err, ErrCeilingReached)
	assert.Equal(t, 2, env.sink.count())
}

func TestShortener_CeilingInvalidationFlow(t *testing.T) {
	clock := domain.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewWithClock(clock)

	c, err := cache.New(cache.Config{
		MaxEntriesPerNamespace: 128,
		MappingTTL:             time.Hour,
		AnalyticsTTL:           time.Minute,
		StatsTTL:               time.Minute,
		JanitorInterval:        time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	processor := clicks.NewProcessor(store, nil, zap.NewNop(), clicks.ProcessorConfig{
		WorkerCount:     2,
		BufferSize:      16,
		RetryAttempts:   2,
		RetryDelay:      time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	})

	svc := NewShortener(Deps{
		Storage:   store,
		Cache:     c,
		Generator: shortcode.NewGenerator(8, 5),
		Clicks:    processor,
		Clock:     clock,
		Log:       zap.NewNop(),
	})

	processor.SetInvalidator(func(key string) {
		svc.Invalidate(context.Background(), key)
	})
	require.NoError(t, processor.Start())
	t.Cleanup(func() { _ = processor.Stop() })

	ctx := context.Background()
	link, err := svc.CreateShortLink(ctx, &CreateRequest{
		Destination:  "https://example.com/one-shot",
		ClickCeiling: int64Ptr(1),
	})
	require.NoError(t, err)

	_, err = svc.ResolveShortLink(ctx, link.Code, testVisit())
	require.NoError(t, err)

	// The worker persists the click, hits the ceiling and invalidates the
	// cached mapping; the next resolve sees the exhausted link.
	assert.Eventually(t, func() bool {
		_, rerr := svc.ResolveShortLink(ctx, link.Code, testVisit())
		return errors.Is(rerr, ErrCeilingReached)
	}, time.Second, 5*time.Millisecond)
}

func TestShortener_GetAnalytics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/stats",
	})
	require.NoError(t, err)

	for _, device := range []string{"mobile", "desktop"} {
		_, err := env.store.RecordClick(ctx, &domain.ClickEvent{
			LinkID:     link.ID,
			DeviceType: strPtr(device),
			ClickedAt:  env.clock.Now(),
		})
		require.NoError(t, err)
	}

	report, err := env.svc.GetAnalytics(ctx, link.Code, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Summary.TotalClicks)
	assert.Equal(t, 30, report.WindowDays)
	assert.Equal(t, int64(1), report.ByDevice["mobile"])

	t.Run("report is cached per window", func(t *testing.T) {
		_, err := env.store.RecordClick(ctx, &domain.ClickEvent{
			LinkID:    link.ID,
			ClickedAt: env.clock.Now(),
		})
		require.NoError(t, err)

		cached, err := env.svc.GetAnalytics(ctx, link.Code, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(2), cached.Summary.TotalClicks)

		fresh, err := env.svc.GetAnalytics(ctx, link.Code, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(3), fresh.Summary.TotalClicks)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := env.svc.GetAnalytics(ctx, "missing", 30)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestShortener_DeactivateInvalidatesBothKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/bye",
		CustomAlias: strPtr("goodbye-page"),
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.Deactivate(ctx, "goodbye-page"))

	_, err = env.svc.ResolveShortLink(ctx, "goodbye-page", nil)
	assert.ErrorIs(t, err, ErrInactive)
	_, err = env.svc.ResolveShortLink(ctx, link.Code, nil)
	assert.ErrorIs(t, err, ErrInactive)

	assert.ErrorIs(t, env.svc.Deactivate(ctx, "never-existed"), ErrNotFound)
}

func TestShortener_ListLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.svc.CreateShortLink(ctx, &CreateRequest{
			Destination: "https://example.com/mine",
			OwnerID:     5,
		})
		require.NoError(t, err)
	}
	_, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/theirs",
		OwnerID:     6,
	})
	require.NoError(t, err)

	links, err := env.svc.ListLinks(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestShortener_RunCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/temp",
		TTL:         durPtr(time.Hour),
	})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	result, err := env.svc.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ExpiredLinks)

	// The cached snapshot still classifies the key as expired until it
	// is invalidated or its TTL runs out.
	_, err = env.svc.ResolveShortLink(ctx, link.Code, nil)
	assert.ErrorIs(t, err, ErrExpired)

	env.svc.Invalidate(ctx, link.Code)
	_, err = env.svc.ResolveShortLink(ctx, link.Code, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShortener_ClickDropDoesNotFailResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.svc.CreateShortLink(ctx, &CreateRequest{
		Destination: "https://example.com/busy",
	})
	require.NoError(t, err)

	env.sink.fail = errors.New("click queue is full")

	resolved, err := env.svc.ResolveShortLink(ctx, link.Code, testVisit())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/busy", resolved.Destination)
	assert.Zero(t, env.sink.count())
}

// duplicateOnce wraps a storage and fails the first CreateMapping with a
// duplicate key error, simulating a code collision with existing data.
type duplicateOnce struct {
	repository.Storage
	fired bool
	calls int
}

func (d *duplicateOnce) CreateMapping(ctx context.Context, link *domain.ShortLink) error {
	d.calls++
	if !d.fired {
		d.fired = true
		return repository.ErrDuplicateKey
	}
	return d.Storage.CreateMapping(ctx, link)
}

func TestShortener_RetriesOnCodeCollision(t *testing.T) {
	env := newTestEnv(t)
	wrapped := &duplicateOnce{Storage: env.store}

	svc := NewShortener(Deps{
		Storage:   wrapped,
		Cache:     env.cache,
		Generator: shortcode.NewGenerator(8, 5),
		Clicks:    env.sink,
		Clock:     env.clock,
		Log:       zap.NewNop(),
	})

	link, err := svc.CreateShortLink(context.Background(), &CreateRequest{
		Destination: "https://example.com/retry",
	})
	require.NoError(t, err)
	assert.NotZero(t, link.ID)
	assert.Equal(t, 2, wrapped.calls)
}
