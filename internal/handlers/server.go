package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/opsledger/apps/api/internal/audit"
	"github.com/opsledger/apps/api/internal/autofix"
	"github.com/opsledger/apps/api/internal/config"
	"github.com/opsledger/apps/api/internal/httpx"
	"github.com/opsledger/apps/api/internal/importer"
	"github.com/opsledger/apps/api/internal/queue"
)

const defaultReportTTL = 15 * time.Minute

// Enqueuer hands an import to the background worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.ImportTask) error
}

type Server struct {
	Config   config.Config
	Importer *importer.Importer
	Fixer    *autofix.Fixer
	Audit    *audit.Logger
	Logger   *slog.Logger
	// Reports holds importRunReport values keyed by run id.
	Reports *cache.Cache
	// Queue is nil when no broker is configured; async imports then answer 503.
	Queue Enqueuer
}

func NewServer(
	cfg config.Config,
	imp *importer.Importer,
	fixer *autofix.Fixer,
	auditLogger *audit.Logger,
	logger *slog.Logger,
	enqueuer Enqueuer,
) *Server {
	ttl := cfg.ReportCacheTTL
	if ttl <= 0 {
		ttl = defaultReportTTL
	}
	return &Server{
		Config:   cfg,
		Importer: imp,
		Fixer:    fixer,
		Audit:    auditLogger,
		Logger:   logger,
		Reports:  cache.New(ttl, 2*ttl),
		Queue:    enqueuer,
	}
}

func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  s.Queue != nil,
	})
}
