package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	openapimiddleware "github.com/oapi-codegen/nethttp-middleware"

	"github.com/opsledger/apps/api/internal/audit"
	"github.com/opsledger/apps/api/internal/autofix"
	"github.com/opsledger/apps/api/internal/config"
	"github.com/opsledger/apps/api/internal/handlers"
	"github.com/opsledger/apps/api/internal/httpx"
	"github.com/opsledger/apps/api/internal/importer"
	"github.com/opsledger/apps/api/internal/importhash"
	"github.com/opsledger/apps/api/internal/middleware"
	"github.com/opsledger/apps/api/internal/store"
)

// multipart framing on top of the file itself
const uploadOverheadBytes = 1 << 20

// NewServer wires the import engine, the auto-fixer and the audit trail onto s.
// enqueuer may be nil.
func NewServer(cfg config.Config, s store.Store, enqueuer handlers.Enqueuer, logger *slog.Logger) *handlers.Server {
	auditLogger := audit.NewLogger(s)
	imp := importer.New(s, importer.Config{
		Limits: cfg.StoreLimits,
		Hasher: importhash.New(cfg.HashAlgorithm),
		Logger: logger,
		Hooks:  []importer.PostCommitHook{importer.PriceAuditHook(auditLogger)},
	})
	fixer := autofix.New(s, autofix.Config{
		Limits: cfg.StoreLimits,
		Logger: logger,
	})
	return handlers.NewServer(cfg, imp, fixer, auditLogger, logger, enqueuer)
}

func NewRouter(cfg config.Config, h *handlers.Server, logger *slog.Logger) (http.Handler, error) {
	specPath := cfg.OpenAPISpecPath
	if specPath == "" {
		specPath = "openapi.yaml"
	}
	if _, err := os.Stat(specPath); err != nil {
		return nil, fmt.Errorf("openapi spec not found at %s: %w", specPath, err)
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi spec: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders(cfg.Env))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.LimitBodyBytesWithOverrides(cfg.APIMaxBodyBytes, []middleware.BodyLimitOverride{
		{PathPrefix: "/imports/", PathSuffix: "/upload", MaxBytes: cfg.ImportMaxFileBytes + uploadOverheadBytes},
	}))

	validator := openapimiddleware.OapiRequestValidatorWithOptions(doc, &openapimiddleware.Options{
		SilenceServersWarning: true,
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			requestID := w.Header().Get(middleware.HeaderRequestID)
			httpx.WriteJSON(w, statusCode, httpx.ErrorEnvelope{
				Error:     httpx.ErrorBody{Code: "validation_error", Message: message},
				RequestID: requestID,
			})
		},
	})
	importLimiter := middleware.NewIPRateLimiterWithMaxEntries(cfg.ImportRateLimit, time.Minute, cfg.RateLimitMaxIPs)
	limitImports := importLimiter.Middleware("Too many imports")

	api := chi.NewRouter()

	api.Group(func(validated chi.Router) {
		validated.Use(validator)
		validated.Get("/health", h.GetHealth)

		validated.With(limitImports).Post("/imports/{entityType}", func(w http.ResponseWriter, r *http.Request) {
			h.PostImports(w, r, chi.URLParam(r, "entityType"))
		})
		validated.With(limitImports).Post("/imports/{entityType}/async", func(w http.ResponseWriter, r *http.Request) {
			h.PostImportsAsync(w, r, chi.URLParam(r, "entityType"))
		})
		validated.Get("/imports/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
			h.GetImportsRunsRunId(w, r, chi.URLParam(r, "runId"))
		})
		validated.With(limitImports).Post("/catalog/autofix", h.PostCatalogAutofix)
	})

	// Multipart and CSV routes skip request validation; the handlers check them.
	api.Group(func(files chi.Router) {
		files.With(limitImports).Post("/imports/{entityType}/upload", func(w http.ResponseWriter, r *http.Request) {
			h.PostImportsUpload(w, r, chi.URLParam(r, "entityType"))
		})
		files.Get("/imports/runs/{runId}/errors.csv", func(w http.ResponseWriter, r *http.Request) {
			h.GetImportsRunsRunIdErrorsCsv(w, r, chi.URLParam(r, "runId"))
		})
		files.Get("/imports/templates/{template}.csv", func(w http.ResponseWriter, r *http.Request) {
			h.GetImportsTemplatesTemplateCsv(w, r, chi.URLParam(r, "template"))
		})
	})

	r.Mount("/api", api)
	return r, nil
}
