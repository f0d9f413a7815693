// Package api exposes the HTTP surface: the language catalogue, the
// session CRUD subset, execution admission, and execution reads. All
// domain decisions live below it; handlers translate bodies and map the
// error taxonomy onto status codes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/emberworks-io/crucible/admission"
	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/store"
	"github.com/emberworks-io/crucible/types"
)

// MaxSourceBytes bounds autosaved source text.
const MaxSourceBytes = 1 << 20

// Store is the durable-store surface the API depends on.
type Store interface {
	ListLanguages(ctx context.Context) ([]types.Language, error)
	GetLanguage(ctx context.Context, id int64) (*types.Language, error)
	CreateSession(ctx context.Context, id string, languageID int64, source string) (*types.Session, error)
	GetSession(ctx context.Context, id string) (*types.Session, error)
	GetSessionWithLanguage(ctx context.Context, id string) (*store.SessionWithLanguage, error)
	UpdateSessionSource(ctx context.Context, id, source string) error
	CloseSession(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, sessionID string, limit int) ([]types.Execution, error)
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
}

// Admitter is the admission surface the API depends on.
type Admitter interface {
	Submit(ctx context.Context, sessionID string, timeLimitMS, memoryLimitMB int) (*admission.Result, error)
}

// Config carries the per-process request defaults.
type Config struct {
	// DefaultTimeLimitMS fills run requests that omit a time limit.
	DefaultTimeLimitMS int
	// DefaultMemoryMB fills run requests that omit a memory limit.
	DefaultMemoryMB int
}

// Server holds handler dependencies.
type Server struct {
	store   Store
	admit   Admitter
	cfg     Config
	logger  *log.Logger
	metrics http.Handler
}

// New creates the server. metricsHandler may be nil, which disables the
// scrape endpoint.
func New(st Store, admit Admitter, cfg Config, logger *log.Logger, metricsHandler http.Handler) *Server {
	if cfg.DefaultTimeLimitMS <= 0 {
		cfg.DefaultTimeLimitMS = 5000
	}
	if cfg.DefaultMemoryMB <= 0 {
		cfg.DefaultMemoryMB = 256
	}
	return &Server{store: st, admit: admit, cfg: cfg, logger: logger, metrics: metricsHandler}
}

// Router builds the chi router with the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/languages", s.handleListLanguages)
	r.Get("/languages/{id}", s.handleGetLanguage)

	r.Route("/code-sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Patch("/{id}", s.handleUpdateSource)
		r.Patch("/{id}/close", s.handleCloseSession)
		r.Post("/{id}/run", s.handleRun)
		r.Get("/{id}/executions", s.handleListExecutions)
	})

	r.Get("/executions/{id}", s.handleGetExecution)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}
