package clicks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"QLINK-Backend/internal/domain"
	"QLINK-Backend/internal/repository"
	"QLINK-Backend/pkg/useragent"

	"go.uber.org/zap"
)

// attemptTimeout bounds a single storage write so a stuck database
// cannot pin a worker forever.
const attemptTimeout = 30 * time.Second

// ClickJob carries everything needed to persist one click. The resolve
// path fills it from the request and the already-resolved link snapshot,
// so workers never have to look the link up again.
type ClickJob struct {
	Key       string // short code or alias, used for logs and invalidation
	LinkID    int64
	Ceiling   *int64
	IPAddress *string
	UserAgent string
	Referer   string
	Country   string
	ClickedAt time.Time
}

// ProcessorConfig holds configuration for the click processor
type ProcessorConfig struct {
	WorkerCount     int           // Number of worker goroutines
	BufferSize      int           // Size of the job queue buffer
	RetryAttempts   int           // Number of retry attempts for failed jobs
	RetryDelay      time.Duration // Base delay between retries
	ShutdownTimeout time.Duration // Time to wait for graceful shutdown
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() ProcessorConfig {
	return ProcessorConfig{
		WorkerCount:     3,
		BufferSize:      1000,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Processor persists clicks asynchronously so redirects never wait on the
// database. Jobs are dropped rather than queued unboundedly when the
// buffer is full.
type Processor struct {
	config       ProcessorConfig
	storage      repository.Storage
	parser       *useragent.Parser
	log          *zap.Logger
	jobQueue     chan *ClickJob
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	invalidateFn func(key string)
	mu           sync.RWMutex
}

// NewProcessor creates a new click processor. The parser may be nil, in
// which case a coarse substring-based device detection is used.
func NewProcessor(storage repository.Storage, parser *useragent.Parser, log *zap.Logger, config ProcessorConfig) *Processor {
	ctx, cancel := context.WithCancel(context.Background())

	return &Processor{
		config:   config,
		storage:  storage,
		parser:   parser,
		log:      log,
		jobQueue: make(chan *ClickJob, config.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetInvalidator registers a callback fired when a link reaches its click
// ceiling, so cached copies of the mapping can be dropped promptly.
// Must be called before Start.
func (p *Processor) SetInvalidator(fn func(key string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidateFn = fn
}

// Start begins processing click jobs
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("processor already started")
	}

	p.log.Info("starting click processor",
		zap.Int("workers", p.config.WorkerCount),
		zap.Int("buffer_size", p.config.BufferSize),
		zap.Int("retry_attempts", p.config.RetryAttempts),
	)

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits for the workers to drain it. Jobs
// already accepted are flushed to storage unless ShutdownTimeout expires,
// after which in-flight attempts are aborted.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("processor not started")
	}
	p.started = false
	close(p.jobQueue)
	p.mu.Unlock()

	p.log.Info("stopping click processor", zap.Int("pending_jobs", len(p.jobQueue)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("click processor stopped gracefully")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.cancel()
		p.log.Warn("click processor shutdown timeout reached")
		return fmt.Errorf("shutdown timeout reached")
	}
}

// Submit queues a click for asynchronous processing. It never blocks: when
// the queue is full the click is dropped and an error returned.
func (p *Processor) Submit(job *ClickJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return fmt.Errorf("processor not started")
	}

	select {
	case p.jobQueue <- job:
		p.log.Debug("click submitted for processing", zap.String("key", job.Key))
		return nil
	default:
		p.log.Error("click queue is full, dropping click",
			zap.String("key", job.Key),
			zap.Int("queue_size", len(p.jobQueue)),
		)
		return fmt.Errorf("click queue is full")
	}
}

// worker drains the job queue until it is closed and empty
func (p *Processor) worker(workerID int) {
	defer p.wg.Done()

	log := p.log.With(zap.Int("worker_id", workerID))
	log.Info("click worker started")

	for job := range p.jobQueue {
		p.processWithRetry(log, job)
	}

	log.Info("click worker stopped")
}

// processWithRetry persists a single click, retrying transient failures
// with exponential backoff. Rejections that cannot succeed on retry (link
// gone, ceiling reached) are dropped immediately.
func (p *Processor) processWithRetry(log *zap.Logger, job *ClickJob) {
	var lastErr error

	for attempt := 1; attempt <= p.config.RetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, attemptTimeout)
		err := p.processClick(ctx, log, job)
		cancel()

		if err == nil {
			if attempt > 1 {
				log.Info("click recording succeeded after retry",
					zap.String("key", job.Key),
					zap.Int("attempt", attempt),
				)
			}
			return
		}

		if errors.Is(err, repository.ErrCeilingReached) {
			log.Info("click rejected, ceiling reached", zap.String("key", job.Key))
			p.invalidate(job.Key)
			return
		}
		if errors.Is(err, repository.ErrLinkNotFound) {
			log.Warn("click dropped, link no longer active", zap.String("key", job.Key))
			return
		}

		lastErr = err
		log.Warn("click recording failed",
			zap.String("key", job.Key),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.config.RetryAttempts),
			zap.Error(err),
		)

		if attempt == p.config.RetryAttempts {
			break
		}

		// Exponential backoff delay
		delay := p.config.RetryDelay * time.Duration(1<<(attempt-1))

		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			log.Info("worker shutdown during retry delay")
			return
		}
	}

	log.Error("click recording failed after all retries",
		zap.String("key", job.Key),
		zap.Int("attempts", p.config.RetryAttempts),
		zap.Error(lastErr),
	)
}

// processClick classifies and persists one click
func (p *Processor) processClick(ctx context.Context, log *zap.Logger, job *ClickJob) error {
	event := &domain.ClickEvent{
		LinkID:    job.LinkID,
		IPAddress: job.IPAddress,
		UserAgent: strPtrOrNil(job.UserAgent),
		Referer:   strPtrOrNil(job.Referer),
		Country:   strPtrOrNil(job.Country),
		ClickedAt: job.ClickedAt,
	}

	c := p.classify(job.UserAgent)
	event.DeviceType = c.DeviceType
	event.Browser = c.Browser
	event.OS = c.OS

	newCount, err := p.storage.RecordClick(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to record click: %w", err)
	}

	if job.Ceiling != nil && newCount >= *job.Ceiling {
		log.Info("click ceiling reached",
			zap.String("key", job.Key),
			zap.Int64("count", newCount),
		)
		p.invalidate(job.Key)
	}

	log.Debug("click recorded",
		zap.String("key", job.Key),
		zap.String("device_type", event.GetDeviceType()),
		zap.Int64("count", newCount),
	)

	return nil
}

// classify derives the device classification from a User-Agent string
func (p *Processor) classify(userAgent string) domain.Classification {
	if userAgent == "" {
		return domain.Classification{DeviceType: strPtrOrNil("unknown")}
	}

	if p.parser != nil {
		info := p.parser.ParseUserAgent(userAgent)
		return domain.Classification{
			DeviceType: strPtrOrNil(info.DeviceType),
			Browser:    strPtrOrNil(info.Browser),
			OS:         strPtrOrNil(info.OS),
		}
	}

	// Fallback to simple detection when no parser is configured.
	// Tablets are checked before phones: tablet User-Agents often carry
	// mobile markers as well.
	ua := strings.ToLower(userAgent)
	deviceType := "desktop"
	switch {
	case strings.Contains(ua, "bot"), strings.Contains(ua, "spider"), strings.Contains(ua, "crawler"):
		deviceType = "bot"
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		deviceType = "tablet"
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		deviceType = "mobile"
	}
	return domain.Classification{DeviceType: &deviceType}
}

func strPtrOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (p *Processor) invalidate(key string) {
	p.mu.RLock()
	fn := p.invalidateFn
	p.mu.RUnlock()

	if fn != nil {
		fn(key)
	}
}

// GetStats returns processor statistics
func (p *Processor) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"started":        p.started,
		"queue_length":   len(p.jobQueue),
		"queue_capacity": cap(p.jobQueue),
		"worker_count":   p.config.WorkerCount,
		"retry_attempts": p.config.RetryAttempts,
	}
}
