package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"QLINK-Backend/internal/auth"
	"QLINK-Backend/internal/service"

	"go.uber.org/zap"
)

// LinksHandler обработчик для работы со ссылками
type LinksHandler struct {
	shortener *service.Shortener
	log       *zap.Logger
	baseURL   string
}

// NewLinksHandler создает новый обработчик ссылок
func NewLinksHandler(shortener *service.Shortener, log *zap.Logger, baseURL string) *LinksHandler {
	return &LinksHandler{
		shortener: shortener,
		log:       log,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// CreateLinkRequest структура запроса создания ссылки
type CreateLinkRequest struct {
	OriginalURL  string `json:"original_url"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	CustomAlias  string `json:"custom_alias,omitempty"`
	OwnerID      int64  `json:"owner_id,omitempty"`
	TTL          string `json:"ttl,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Password     string `json:"password,omitempty"`
	ClickCeiling *int64 `json:"click_ceiling,omitempty"`
}

// CreateLinkResponse структура ответа создания ссылки
type CreateLinkResponse struct {
	Key       string `json:"key"`
	Code      string `json:"code"`
	Alias     string `json:"alias,omitempty"`
	ShortURL  string `json:"short_url"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// LinkInfo информация о ссылке
type LinkInfo struct {
	Key         string `json:"key"`
	OriginalURL string `json:"original_url"`
	Title       string `json:"title,omitempty"`
	ClickCount  int64  `json:"click_count"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// ListLinksResponse структура ответа списка ссылок
type ListLinksResponse struct {
	Links []LinkInfo `json:"links"`
}

// GetStatsResponse структура ответа статистики
type GetStatsResponse struct {
	Key             string           `json:"key"`
	OriginalURL     string           `json:"original_url"`
	Title           string           `json:"title,omitempty"`
	IsActive        bool             `json:"is_active"`
	ClickCount      int64            `json:"click_count"`
	UniqueClicks    int64            `json:"unique_clicks"`
	LastClickAt     string           `json:"last_click_at,omitempty"`
	WindowDays      int              `json:"window_days"`
	ClicksByDevice  map[string]int64 `json:"clicks_by_device"`
	ClicksByBrowser map[string]int64 `json:"clicks_by_browser"`
	ClicksByOS      map[string]int64 `json:"clicks_by_os"`
	RecentEvents    int              `json:"recent_events"`
	CreatedAt       string           `json:"created_at"`
	ExpiresAt       string           `json:"expires_at,omitempty"`
}

// VerifyPasswordRequest структура запроса проверки пароля
type VerifyPasswordRequest struct {
	Password string `json:"password"`
}

// VerifyPasswordResponse структура ответа проверки пароля
type VerifyPasswordResponse struct {
	OriginalURL string `json:"original_url"`
}

// CreateLink создает новую короткую ссылку
func (h *LinksHandler) CreateLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid create link request", zap.Error(err))
		h.writeError(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	if req.OriginalURL == "" {
		h.writeError(w, "Original URL is required", http.StatusBadRequest)
		return
	}

	ttl, err := parseExpiry(req.TTL, req.ExpiresAt)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	createReq := &service.CreateRequest{
		Destination:  req.OriginalURL,
		Title:        req.Title,
		Description:  req.Description,
		OwnerID:      req.OwnerID,
		TTL:          ttl,
		ClickCeiling: req.ClickCeiling,
	}
	if req.CustomAlias != "" {
		createReq.CustomAlias = &req.CustomAlias
	}
	if req.Password != "" {
		createReq.Password = &req.Password
	}

	link, err := h.shortener.CreateShortLink(r.Context(), createReq)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response := CreateLinkResponse{
		Key:      link.Key(),
		Code:     link.Code,
		ShortURL: h.baseURL + "/" + link.Key(),
	}
	if link.Alias != nil {
		response.Alias = *link.Alias
	}
	if link.ExpiresAt != nil {
		response.ExpiresAt = link.ExpiresAt.Format(time.RFC3339)
	}

	h.log.Info("created link",
		zap.String("key", link.Key()),
		zap.Int64("owner_id", req.OwnerID))
	h.writeJSON(w, response, http.StatusCreated)
}

// ListLinks возвращает список ссылок владельца
func (h *LinksHandler) ListLinks(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil || ownerID <= 0 {
		h.writeError(w, "owner_id query parameter is required", http.StatusBadRequest)
		return
	}

	links, err := h.shortener.ListLinks(r.Context(), ownerID)
	if err != nil {
		h.log.Error("failed to list links", zap.Int64("owner_id", ownerID), zap.Error(err))
		h.writeError(w, "Failed to retrieve links", http.StatusInternalServerError)
		return
	}

	linkInfos := make([]LinkInfo, len(links))
	for i, link := range links {
		info := LinkInfo{
			Key:         link.Key(),
			OriginalURL: link.Destination,
			ClickCount:  link.ClickCount,
			IsActive:    link.IsActive,
			CreatedAt:   link.CreatedAt.Format(time.RFC3339),
		}
		if link.Title != nil {
			info.Title = *link.Title
		}
		if link.ExpiresAt != nil {
			info.ExpiresAt = link.ExpiresAt.Format(time.RFC3339)
		}
		linkInfos[i] = info
	}

	h.writeJSON(w, ListLinksResponse{Links: linkInfos}, http.StatusOK)
}

// GetStats возвращает статистику по ссылке
func (h *LinksHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	// Извлекаем ключ из /api/stats/{key}
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		h.writeError(w, "Key is required", http.StatusBadRequest)
		return
	}
	key := pathParts[2]

	windowDays := 0
	if days := r.URL.Query().Get("days"); days != "" {
		parsed, err := strconv.Atoi(days)
		if err != nil || parsed < 0 {
			h.writeError(w, "Invalid days parameter", http.StatusBadRequest)
			return
		}
		windowDays = parsed
	}

	link, err := h.shortener.LinkInfo(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	report, err := h.shortener.GetAnalytics(r.Context(), key, windowDays)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response := GetStatsResponse{
		Key:             link.Key(),
		OriginalURL:     link.Destination,
		IsActive:        link.IsActive,
		ClickCount:      report.Summary.TotalClicks,
		UniqueClicks:    report.Summary.UniqueClicks,
		WindowDays:      report.WindowDays,
		ClicksByDevice:  report.ByDevice,
		ClicksByBrowser: report.ByBrowser,
		ClicksByOS:      report.ByOS,
		RecentEvents:    len(report.RecentEvents),
		CreatedAt:       link.CreatedAt.Format(time.RFC3339),
	}
	if link.Title != nil {
		response.Title = *link.Title
	}
	if report.Summary.LastClickAt != nil {
		response.LastClickAt = report.Summary.LastClickAt.Format(time.RFC3339)
	}
	if link.ExpiresAt != nil {
		response.ExpiresAt = link.ExpiresAt.Format(time.RFC3339)
	}

	h.writeJSON(w, response, http.StatusOK)
}

// DeleteLink деактивирует ссылку
func (h *LinksHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	// Извлекаем ключ из /api/links/{key}
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 || pathParts[2] == "" {
		h.writeError(w, "Key is required", http.StatusBadRequest)
		return
	}
	key := pathParts[2]

	if err := h.shortener.Deactivate(r.Context(), key); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.log.Info("deactivated link", zap.String("key", key))
	w.WriteHeader(http.StatusNoContent)
}

// VerifyPassword проверяет пароль защищенной ссылки и возвращает адрес
func (h *LinksHandler) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	// Извлекаем ключ из /api/links/{key}/verify
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 4 || pathParts[2] == "" {
		h.writeError(w, "Key is required", http.StatusBadRequest)
		return
	}
	key := pathParts[2]

	var req VerifyPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	link, err := h.shortener.VerifyPassword(r.Context(), key, req.Password, visitFromRequest(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, VerifyPasswordResponse{OriginalURL: link.Destination}, http.StatusOK)
}

// Helper methods

func (h *LinksHandler) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (h *LinksHandler) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError транслирует ошибки сервиса в HTTP статусы
func (h *LinksHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		h.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrAliasTaken):
		h.writeError(w, "Alias already exists", http.StatusConflict)
	case errors.Is(err, service.ErrNotFound):
		h.writeError(w, "Link not found", http.StatusNotFound)
	case errors.Is(err, service.ErrExpired):
		h.writeError(w, "Link expired", http.StatusGone)
	case errors.Is(err, service.ErrInactive):
		h.writeError(w, "Link deactivated", http.StatusGone)
	case errors.Is(err, service.ErrCeilingReached):
		h.writeError(w, "Link click limit reached", http.StatusGone)
	case errors.Is(err, service.ErrPasswordRequired):
		h.writeError(w, "Password required", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInvalidPassword):
		h.writeError(w, "Invalid password", http.StatusUnauthorized)
	default:
		h.log.Error("request failed", zap.Error(err))
		h.writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// parseExpiry переводит ttl или expires_at запроса в срок жизни ссылки
func parseExpiry(ttl, expiresAt string) (*time.Duration, error) {
	if ttl != "" && expiresAt != "" {
		return nil, errors.New("ttl and expires_at are mutually exclusive")
	}

	if ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, errors.New("invalid ttl format, use a duration like 24h")
		}
		return &d, nil
	}

	if expiresAt != "" {
		ts, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return nil, errors.New("invalid expires_at format, use RFC3339")
		}
		d := time.Until(ts)
		return &d, nil
	}

	return nil, nil
}
