package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"QLINK-Backend/internal/clicks"
	"QLINK-Backend/internal/service"

	"go.uber.org/zap"
)

// HealthHandler обработчик health checks и сервисных операций
type HealthHandler struct {
	shortener *service.Shortener
	processor *clicks.Processor
	log       *zap.Logger
}

// NewHealthHandler создает новый health handler
func NewHealthHandler(shortener *service.Shortener, processor *clicks.Processor, log *zap.Logger) *HealthHandler {
	return &HealthHandler{
		shortener: shortener,
		processor: processor,
		log:       log,
	}
}

// HealthResponse структура ответа health check
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Version        string    `json:"version"`
	DatabaseStatus string    `json:"database_status"`
	Uptime         string    `json:"uptime,omitempty"`
}

var startTime = time.Now()

// Health основной health check endpoint
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Проверяем состояние хранилища
	dbStatus := "healthy"
	if err := h.shortener.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
		h.log.Error("database health check failed", zap.Error(err))
	}

	status := "healthy"
	statusCode := http.StatusOK

	if dbStatus == "unhealthy" {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:         status,
		Timestamp:      time.Now(),
		Version:        "1.0.0",
		DatabaseStatus: dbStatus,
		Uptime:         time.Since(startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("failed to encode health response", zap.Error(err))
	}

	if status != "healthy" {
		h.log.Warn("health check failed", zap.String("database_status", dbStatus))
	}
}

// Ready readiness probe endpoint
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("failed to encode ready response", zap.Error(err))
	}
}

// Metrics отдает счетчики кэша и конвейера кликов
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]interface{}{
		"uptime_seconds": time.Since(startTime).Seconds(),
		"timestamp":      time.Now(),
		"version":        "1.0.0",
		"cache":          h.shortener.CacheStats(),
	}
	if h.processor != nil {
		metrics["clicks"] = h.processor.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(metrics); err != nil {
		h.log.Error("failed to encode metrics response", zap.Error(err))
	}
}

// Cleanup запускает внеочередную чистку истекших ссылок и старых кликов
func (h *HealthHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	result, err := h.shortener.RunCleanup(ctx)
	if err != nil {
		h.log.Error("manual cleanup failed", zap.Error(err))
		http.Error(w, "Cleanup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int64{
		"expired_links": result.ExpiredLinks,
		"pruned_clicks": result.PrunedClicks,
	}); err != nil {
		h.log.Error("failed to encode cleanup response", zap.Error(err))
	}
}
