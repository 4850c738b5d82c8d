package clicks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"QLINK-Backend/internal/domain"
	"QLINK-Backend/internal/repository"
	"QLINK-Backend/internal/repository/memory"
	"QLINK-Backend/pkg/useragent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// hookedStorage delegates everything to the embedded storage except
// RecordClick, which is replaced by the test.
type hookedStorage struct {
	repository.Storage
	recordClick func(ctx context.Context, event *domain.ClickEvent) (int64, error)
}

func (h *hookedStorage) RecordClick(ctx context.Context, event *domain.ClickEvent) (int64, error) {
	return h.recordClick(ctx, event)
}

func testConfig() ProcessorConfig {
	return ProcessorConfig{
		WorkerCount:     3,
		BufferSize:      64,
		RetryAttempts:   3,
		RetryDelay:      5 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

func int64Ptr(n int64) *int64 { return &n }

func createLink(t *testing.T, store repository.Storage, code string, ceiling *int64) *domain.ShortLink {
	t.Helper()
	link := &domain.ShortLink{
		Code:         code,
		Destination:  "https://example.com/" + code,
		IsActive:     true,
		ClickCeiling: ceiling,
	}
	require.NoError(t, store.CreateMapping(context.Background(), link))
	return link
}

func TestProcessor_RecordsSubmittedClicks(t *testing.T) {
	store := memory.New()
	link := createLink(t, store, "proc0001", nil)

	p := NewProcessor(store, nil, zap.NewNop(), testConfig())
	require.NoError(t, p.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(&ClickJob{
			Key:       "proc0001",
			LinkID:    link.ID,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0",
			ClickedAt: time.Now(),
		}))
	}

	assert.Eventually(t, func() bool {
		report, err := store.GetAnalytics(context.Background(), link.ID, 30)
		return err == nil && report.Summary.TotalClicks == 5
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
}

func TestProcessor_ClassifiesUserAgent(t *testing.T) {
	t.Run("with parser", func(t *testing.T) {
		store := memory.New()
		link := createLink(t, store, "proccls1", nil)

		parser := useragent.NewParserFromDefaults(zap.NewNop())
		p := NewProcessor(store, parser, zap.NewNop(), testConfig())
		require.NoError(t, p.Start())
		defer func() { require.NoError(t, p.Stop()) }()

		require.NoError(t, p.Submit(&ClickJob{
			Key:       "proccls1",
			LinkID:    link.ID,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ClickedAt: time.Now(),
		}))

		assert.Eventually(t, func() bool {
			report, err := store.GetAnalytics(context.Background(), link.ID, 30)
			return err == nil && report.ByDevice["desktop"] == 1 && report.ByBrowser["Chrome"] == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("fallback without parser", func(t *testing.T) {
		store := memory.New()
		link := createLink(t, store, "proccls2", nil)

		p := NewProcessor(store, nil, zap.NewNop(), testConfig())
		require.NoError(t, p.Start())
		defer func() { require.NoError(t, p.Stop()) }()

		require.NoError(t, p.Submit(&ClickJob{
			Key:       "proccls2",
			LinkID:    link.ID,
			UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile/15E148",
			ClickedAt: time.Now(),
		}))

		assert.Eventually(t, func() bool {
			report, err := store.GetAnalytics(context.Background(), link.ID, 30)
			return err == nil && report.ByDevice["mobile"] == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestProcessor_StopDrainsQueue(t *testing.T) {
	inner := memory.New()
	link := createLink(t, inner, "procdrn1", nil)

	// Slow the storage down so jobs are still queued when Stop is called.
	store := &hookedStorage{Storage: inner, recordClick: func(ctx context.Context, event *domain.ClickEvent) (int64, error) {
		time.Sleep(2 * time.Millisecond)
		return inner.RecordClick(ctx, event)
	}}

	p := NewProcessor(store, nil, zap.NewNop(), testConfig())
	require.NoError(t, p.Start())

	const total = 50
	for i := 0; i < total; i++ {
		require.NoError(t, p.Submit(&ClickJob{Key: "procdrn1", LinkID: link.ID, ClickedAt: time.Now()}))
	}

	require.NoError(t, p.Stop())

	report, err := inner.GetAnalytics(context.Background(), link.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(total), report.Summary.TotalClicks)
}

func TestProcessor_RetriesTransientFailures(t *testing.T) {
	inner := memory.New()
	link := createLink(t, inner, "procrty1", nil)

	var calls atomic.Int32
	store := &hookedStorage{Storage: inner, recordClick: func(ctx context.Context, event *domain.ClickEvent) (int64, error) {
		if calls.Add(1) <= 2 {
			return 0, errors.New("connection reset")
		}
		return inner.RecordClick(ctx, event)
	}}

	p := NewProcessor(store, nil, zap.NewNop(), testConfig())
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Stop()) }()

	require.NoError(t, p.Submit(&ClickJob{Key: "procrty1", LinkID: link.ID, ClickedAt: time.Now()}))

	assert.Eventually(t, func() bool {
		report, err := inner.GetAnalytics(context.Background(), link.ID, 30)
		return err == nil && report.Summary.TotalClicks == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProcessor_TerminalErrorsAreNotRetried(t *testing.T) {
	t.Run("link not found", func(t *testing.T) {
		var calls atomic.Int32
		store := &hookedStorage{Storage: memory.New(), recordClick: func(ctx context.Context, event *domain.ClickEvent) (int64, error) {
			calls.Add(1)
			return 0, repository.ErrLinkNotFound
		}}

		p := NewProcessor(store, nil, zap.NewNop(), testConfig())
		require.NoError(t, p.Start())

		require.NoError(t, p.Submit(&ClickJob{Key: "gone", LinkID: 42, ClickedAt: time.Now()}))
		require.NoError(t, p.Stop())

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("ceiling reached invalidates the mapping", func(t *testing.T) {
		var calls atomic.Int32
		store := &hookedStorage{Storage: memory.New(), recordClick: func(ctx context.Context, event *domain.ClickEvent) (int64, error) {
			calls.Add(1)
			return 3, repository.ErrCeilingReached
		}}

		var mu sync.Mutex
		var invalidated []string

		p := NewProcessor(store, nil, zap.NewNop(), testConfig())
		p.SetInvalidator(func(key string) {
			mu.Lock()
			defer mu.Unlock()
			invalidated = append(invalidated, key)
		})
		require.NoError(t, p.Start())

		require.NoError(t, p.Submit(&ClickJob{Key: "capped01", LinkID: 42, Ceiling: int64Ptr(3), ClickedAt: time.Now()}))
		require.NoError(t, p.Stop())

		assert.Equal(t, int32(1), calls.Load())
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"capped01"}, invalidated)
	})
}

func TestProcessor_InvalidatesWhenCountReachesCeiling(t *testing.T) {
	store := memory.New()
	link := createLink(t, store, "procceil", int64Ptr(2))

	var mu sync.Mutex
	var invalidated []string

	p := NewProcessor(store, nil, zap.NewNop(), testConfig())
	p.SetInvalidator(func(key string) {
		mu.Lock()
		defer mu.Unlock()
		invalidated = append(invalidated, key)
	})
	require.NoError(t, p.Start())

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(&ClickJob{
			Key:       "procceil",
			LinkID:    link.ID,
			Ceiling:   int64Ptr(2),
			ClickedAt: time.Now(),
		}))
	}
	require.NoError(t, p.Stop())

	// Only the click that lands exactly on the ceiling fires the callback.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"procceil"}, invalidated)
}

func TestProcessor_SubmitDropsWhenQueueIsFull(t *testing.T) {
	inner := memory.New()
	link := createLink(t, inner, "procfull", nil)

	gate := make(chan struct{})
	store := &hookedStorage{Storage: inner, recordClick: func(ctx context.Context, event *domain.ClickEvent) (int64, error) {
		<-gate
		return inner.RecordClick(ctx, event)
	}}

	cfg := testConfig()
	cfg.WorkerCount = 1
	cfg.BufferSize = 1

	p := NewProcessor(store, nil, zap.NewNop(), cfg)
	require.NoError(t, p.Start())

	// First job is picked up by the worker and blocks on the gate.
	require.NoError(t, p.Submit(&ClickJob{Key: "procfull", LinkID: link.ID, ClickedAt: time.Now()}))
	assert.Eventually(t, func() bool {
		return p.GetStats()["queue_length"] == 0
	}, time.Second, time.Millisecond)

	// Second fills the buffer, third has nowhere to go.
	require.NoError(t, p.Submit(&ClickJob{Key: "procfull", LinkID: link.ID, ClickedAt: time.Now()}))
	err := p.Submit(&ClickJob{Key: "procfull", LinkID: link.ID, ClickedAt: time.Now()})
	assert.Error(t, err)

	close(gate)
	require.NoError(t, p.Stop())

	report, err := inner.GetAnalytics(context.Background(), link.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Summary.TotalClicks)
}

func TestProcessor_Lifecycle(t *testing.T) {
	p := NewProcessor(memory.New(), nil, zap.NewNop(), testConfig())

	assert.Error(t, p.Submit(&ClickJob{Key: "early"}))
	assert.Error(t, p.Stop())

	require.NoError(t, p.Start())
	assert.Error(t, p.Start())

	require.NoError(t, p.Stop())
	assert.Error(t, p.Submit(&ClickJob{Key: "late"}))
	assert.Error(t, p.Stop())

	stats := p.GetStats()
	assert.Equal(t, false, stats["started"])
}
