package http

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"QLINK-Backend/internal/service"

	"go.uber.org/zap"
)

// RedirectHandler обработчик редиректов
type RedirectHandler struct {
	shortener *service.Shortener
	log       *zap.Logger
}

// NewRedirectHandler создает новый обработчик редиректов
func NewRedirectHandler(shortener *service.Shortener, log *zap.Logger) *RedirectHandler {
	return &RedirectHandler{
		shortener: shortener,
		log:       log,
	}
}

// HandleRedirect обрабатывает переход по короткой ссылке
func (h *RedirectHandler) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")

	if key == "" || isSystemPath(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	link, err := h.shortener.ResolveShortLink(r.Context(), key, visitFromRequest(r))
	if err != nil {
		h.writeRedirectError(w, r, key, err)
		return
	}

	h.log.Info("successful redirect",
		zap.String("key", key),
		zap.String("destination", link.Destination))

	http.Redirect(w, r, link.Destination, http.StatusFound)
}

// writeRedirectError переводит причину отказа в HTTP статус
func (h *RedirectHandler) writeRedirectError(w http.ResponseWriter, r *http.Request, key string, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.log.Debug("short link not found", zap.String("key", key))
		http.NotFound(w, r)
	case errors.Is(err, service.ErrExpired):
		http.Error(w, "Link expired", http.StatusGone)
	case errors.Is(err, service.ErrInactive):
		http.Error(w, "Link deactivated", http.StatusGone)
	case errors.Is(err, service.ErrCeilingReached):
		http.Error(w, "Link click limit reached", http.StatusGone)
	case errors.Is(err, service.ErrPasswordRequired):
		http.Error(w, "Password required", http.StatusUnauthorized)
	default:
		h.log.Error("failed to process redirect", zap.String("key", key), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// visitFromRequest собирает контекст посещения для записи клика
func visitFromRequest(r *http.Request) *service.Visit {
	visit := &service.Visit{
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Country:   r.Header.Get("CF-IPCountry"),
	}
	if ip := extractIPAddress(r); ip != "" {
		visit.IPAddress = &ip
	}
	return visit
}

// extractIPAddress извлекает IP адрес из запроса с учетом прокси
func extractIPAddress(r *http.Request) string {
	// Проверяем заголовки прокси в порядке приоритета
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		// X-Forwarded-For может содержать список IP через запятую
		ips := strings.Split(ip, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	if ip := r.Header.Get("X-Client-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	// Fallback к RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
