package http

import (
	"net/http"
	"strings"

	"QLINK-Backend/internal/clicks"
	"QLINK-Backend/internal/service"

	"go.uber.org/zap"
)

// Server HTTP сервер с обработчиками
type Server struct {
	linksHandler    *LinksHandler
	redirectHandler *RedirectHandler
	healthHandler   *HealthHandler
	log             *zap.Logger
}

// NewServer создает новый HTTP сервер
func NewServer(shortener *service.Shortener, processor *clicks.Processor, log *zap.Logger, baseURL string) *Server {
	return &Server{
		linksHandler:    NewLinksHandler(shortener, log, baseURL),
		redirectHandler: NewRedirectHandler(shortener, log),
		healthHandler:   NewHealthHandler(shortener, processor, log),
		log:             log,
	}
}

// SetupRoutes настраивает маршруты
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health checks
	mux.HandleFunc("/health", s.healthHandler.Health)
	mux.HandleFunc("/ready", s.healthHandler.Ready)
	mux.HandleFunc("/metrics", s.healthHandler.Metrics)

	// API endpoints
	mux.HandleFunc("/api/shorten", s.withCORS(s.linksHandler.CreateLink))
	mux.HandleFunc("/api/links", s.withCORS(s.linksHandler.ListLinks))
	mux.HandleFunc("/api/stats/", s.withCORS(s.linksHandler.GetStats))
	mux.HandleFunc("/api/links/", s.withCORS(s.handleLinksAPI))

	// Обслуживание
	mux.HandleFunc("/api/admin/cleanup", s.withCORS(s.healthHandler.Cleanup))

	// Redirect endpoint - должен быть последним
	mux.HandleFunc("/", s.redirectHandler.HandleRedirect)

	return mux
}

// handleLinksAPI обрабатывает /api/links/* endpoints с разными HTTP методами
func (s *Server) handleLinksAPI(w http.ResponseWriter, r *http.Request) {
	// POST /api/links/{key}/verify - проверка пароля защищенной ссылки
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/verify") {
		s.linksHandler.VerifyPassword(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.linksHandler.ListLinks(w, r)
	case http.MethodDelete:
		s.linksHandler.DeleteLink(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// withCORS добавляет CORS headers к обработчику
func (s *Server) withCORS(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		handler(w, r)
	}
}

// isSystemPath проверяет, относится ли путь к служебным маршрутам
func isSystemPath(path string) bool {
	systemPaths := []string{
		"/api/",
		"/health",
		"/ready",
		"/metrics",
	}

	for _, systemPath := range systemPaths {
		if strings.HasPrefix(path, systemPath) {
			return true
		}
	}

	return false
}
