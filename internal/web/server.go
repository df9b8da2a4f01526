// Package web — HTTP-интерфейс сервиса: допуск WebSocket-каналов, запуск пакетных
// операций, просмотр активных задач и истории, health и метрики.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"session-web/internal/batch"
	"session-web/internal/infra/logger"
	"session-web/internal/infra/metrics"
	"session-web/internal/progress"
	"session-web/internal/ws"
)

const (
	readHeaderTimeout = 15 * time.Second
	idleTimeout       = 60 * time.Second
	maxUploadBytes    = 64 << 20
)

// HistoryReader — чтение истории завершённых задач.
type HistoryReader interface {
	Get(ctx context.Context, taskID string) (progress.Snapshot, error)
	List(ctx context.Context, limit int) ([]progress.Snapshot, error)
}

// Credentials — сведения о пуле API-ключей без секретов.
type Credentials interface {
	Len() int
	IDs() []int
}

// Deps — зависимости HTTP-слоя. History, Credentials и Metrics необязательны.
type Deps struct {
	Channels  *ws.Registry
	Protocol  *ws.Handler
	Trackers  *progress.Registry
	Runner    *batch.Runner
	Validator batch.Operation

	History     HistoryReader
	Credentials Credentials
	Metrics     *metrics.Metrics

	// BaseContext — базовый контекст запросов и WebSocket-каналов.
	BaseContext context.Context
	// BatchContext — контекст фоновых пакетов. Отменяется при остановке раньше
	// BaseContext, чтобы подписчики успели получить итоговую сводку.
	BatchContext   context.Context
	OriginPatterns []string
	LogFile        string // JSON-лог для /api/logs; пустое значение отключает выдачу
	Version        string
}

// Server — HTTP-сервер сервиса.
type Server struct {
	srv  *http.Server
	deps Deps
}

// NewServer собирает роутер и http.Server на адресе addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.BatchContext == nil {
		deps.BatchContext = deps.BaseContext
	}
	s := &Server{deps: deps}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		// WriteTimeout не задаётся: WebSocket-каналы живут дольше любого таймаута записи.
		BaseContext:       func(net.Listener) context.Context { return deps.BaseContext },
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)

	r.Get("/ws", s.handleWS)
	r.Get("/ws/{task_id}", s.handleWS)
	r.Get("/stream", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{task_id}", s.handleTask)
		r.Get("/history", s.handleHistory)
		r.Post("/validate", s.handleValidate)
		r.Get("/logs", s.handleLogs)
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	return r
}

// Handler возвращает корневой обработчик (для httptest).
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start запускает сервер и блокируется до его остановки.
func (s *Server) Start() error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает сервер. Захваченные WebSocket-соединения
// Shutdown не ждёт: их закрывает ws.Registry.Close.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down web server...")
	return s.srv.Shutdown(ctx)
}
