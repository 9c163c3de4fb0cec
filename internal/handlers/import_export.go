package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/opsledger/apps/api/internal/audit"
	"github.com/opsledger/apps/api/internal/autofix"
	"github.com/opsledger/apps/api/internal/httpx"
	"github.com/opsledger/apps/api/internal/importer"
	"github.com/opsledger/apps/api/internal/middleware"
	"github.com/opsledger/apps/api/internal/queue"
	"github.com/opsledger/apps/api/internal/rowmap"
	"github.com/opsledger/apps/api/internal/spreadsheet"
)

const (
	importSourceJSON   = "json"
	importSourceUpload = "upload"
	importSourceQueue  = "queue"
)

type importMode string

const (
	importModeDryRun importMode = "dry_run"
	importModeApply  importMode = "apply"
)

func parseImportMode(raw string) (importMode, bool) {
	switch importMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", importModeDryRun:
		return importModeDryRun, true
	case importModeApply:
		return importModeApply, true
	default:
		return "", false
	}
}

func modeFor(dryRun bool) importMode {
	if dryRun {
		return importModeDryRun
	}
	return importModeApply
}

type importRequest struct {
	Rows   []rowmap.Row `json:"rows"`
	DryRun bool         `json:"dryRun"`
}

type autofixRequest struct {
	Errors []importer.RowError `json:"errors"`
}

type importRunReport struct {
	RunID      string          `json:"runId"`
	EntityType string          `json:"entityType"`
	Mode       importMode      `json:"mode"`
	Source     string          `json:"source"`
	Filename   string          `json:"filename,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ErrorsCsv  string          `json:"errorsCsv"`
	Result     importer.Result `json:"result"`
	RequestID  string          `json:"requestId"`
}

type enqueuedImportResponse struct {
	TaskID    string `json:"taskId"`
	RunID     string `json:"runId"`
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

type parsedImportFile struct {
	Filename string
	Format   spreadsheet.Format
	Mode     importMode
	Rows     []rowmap.Row
}

func (s *Server) PostImports(w http.ResponseWriter, r *http.Request, entityType string) {
	var req importRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body", nil)
		return
	}
	if appErr := s.checkRowLimit(len(req.Rows)); appErr != nil {
		httpx.WriteError(w, r, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		return
	}

	report := s.runImport(r, entityType, req.Rows, modeFor(req.DryRun), importSourceJSON, "")
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) PostImportsUpload(w http.ResponseWriter, r *http.Request, entityType string) {
	parsed, appErr := parseImportUpload(r, s.Config.ImportMaxFileBytes)
	if appErr != nil {
		httpx.WriteError(w, r, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	if appErr := s.checkRowLimit(len(parsed.Rows)); appErr != nil {
		httpx.WriteError(w, r, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		return
	}

	report := s.runImport(r, entityType, parsed.Rows, parsed.Mode, importSourceUpload, parsed.Filename)
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) PostImportsAsync(w http.ResponseWriter, r *http.Request, entityType string) {
	if s.Queue == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "queue_unavailable", "Background imports are not configured", nil)
		return
	}

	var req importRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body", nil)
		return
	}
	if appErr := s.checkRowLimit(len(req.Rows)); appErr != nil {
		httpx.WriteError(w, r, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	task := queue.ImportTask{
		TaskID:     uuid.NewString(),
		RunID:      uuid.NewString(),
		EntityType: entityType,
		DryRun:     req.DryRun,
		Rows:       req.Rows,
		RequestID:  requestID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.Queue.Enqueue(r.Context(), task); err != nil {
		s.Logger.Error("import_enqueue_failed", "task_id", task.TaskID, "error", err)
		httpx.WriteError(w, r, http.StatusBadGateway, "queue_error", "Failed to enqueue import", nil)
		return
	}

	_ = s.Audit.Log(r.Context(), audit.Entry{
		Action:     "import.enqueued",
		EntityType: "import_run",
		EntityID:   task.RunID,
		RequestID:  requestID,
		Metadata: map[string]any{
			"task_id":     task.TaskID,
			"entity_type": entityType,
			"mode":        string(modeFor(req.DryRun)),
			"rows":        len(req.Rows),
		},
	})

	httpx.WriteJSON(w, http.StatusAccepted, enqueuedImportResponse{
		TaskID:    task.TaskID,
		RunID:     task.RunID,
		Status:    "queued",
		RequestID: requestID,
	})
}

// StoreOutcome caches a report produced by the background worker so the run can be
// fetched like a synchronous one.
func (s *Server) StoreOutcome(outcome queue.ImportOutcome) {
	s.Reports.Set(outcome.Result.RunID, importRunReport{
		RunID:      outcome.Result.RunID,
		EntityType: outcome.EntityType,
		Mode:       modeFor(outcome.Result.DryRun),
		Source:     importSourceQueue,
		CreatedAt:  outcome.CompletedAt,
		ErrorsCsv:  errorsCsvPath(outcome.Result.RunID),
		Result:     outcome.Result,
	}, cache.DefaultExpiration)
}

func (s *Server) runImport(r *http.Request, entityType string, rows []rowmap.Row, mode importMode, source, filename string) importRunReport {
	ctx := r.Context()
	requestID := middleware.RequestIDFromContext(ctx)
	runID := uuid.NewString()
	startAction, completeAction := importActions(mode)

	_ = s.Audit.Log(ctx, audit.Entry{
		Action:     startAction,
		EntityType: "import_run",
		EntityID:   runID,
		RequestID:  requestID,
		Metadata: map[string]any{
			"entity_type": entityType,
			"source":      source,
			"filename":    filename,
			"rows":        len(rows),
		},
	})

	result := s.Importer.Import(ctx, entityType, rows, importer.Options{
		DryRun: mode == importModeDryRun,
		RunID:  runID,
	})

	_ = s.Audit.Log(ctx, audit.Entry{
		Action:     completeAction,
		EntityType: "import_run",
		EntityID:   runID,
		RequestID:  requestID,
		Metadata: map[string]any{
			"success":        result.Success,
			"imported_count": result.ImportedCount,
			"skipped_count":  result.SkippedCount,
			"error_count":    len(result.Errors),
			"imported_total": result.ImportedTotal,
		},
	})

	report := importRunReport{
		RunID:      runID,
		EntityType: entityType,
		Mode:       mode,
		Source:     source,
		Filename:   filename,
		CreatedAt:  time.Now().UTC(),
		ErrorsCsv:  errorsCsvPath(runID),
		Result:     result,
		RequestID:  requestID,
	}
	s.Reports.Set(runID, report, cache.DefaultExpiration)
	return report
}

func importActions(mode importMode) (string, string) {
	if mode == importModeApply {
		return "import.apply_started", "import.apply_completed"
	}
	return "import.dry_run_started", "import.dry_run_completed"
}

func (s *Server) GetImportsRunsRunId(w http.ResponseWriter, r *http.Request, importRunID string) {
	report, ok := s.lookupReport(importRunID)
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "import_run_not_found", "Import run not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) GetImportsRunsRunIdErrorsCsv(w http.ResponseWriter, r *http.Request, importRunID string) {
	report, ok := s.lookupReport(importRunID)
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "import_run_not_found", "Import run not found", nil)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"import-%s-errors.csv\"", report.RunID))
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"row_index", "error_type", "blocking", "field", "message", "closest_match", "resolution", "suggested_name"})
	for _, rowErr := range report.Result.Errors {
		resolution, suggested := "", ""
		if rowErr.Resolution != nil {
			resolution = rowErr.Resolution.Type + ":" + rowErr.Resolution.Entity
			suggested = rowErr.Resolution.SuggestedData.Name
		}
		_ = writer.Write([]string{
			strconv.Itoa(rowErr.RowIndex),
			rowErr.ErrorType,
			strconv.FormatBool(rowErr.Blocking),
			rowErr.Field,
			rowErr.ErrorMessage,
			rowErr.ClosestMatch,
			resolution,
			suggested,
		})
	}
	writer.Flush()
}

func (s *Server) PostCatalogAutofix(w http.ResponseWriter, r *http.Request) {
	var req autofixRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_body", "Malformed JSON body", nil)
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	result := s.Fixer.Fix(r.Context(), req.Errors, func(p autofix.Progress) {
		s.Logger.Debug("autofix_progress", "stage", p.Stage, "done", p.Done, "total", p.Total, "request_id", requestID)
	})

	_ = s.Audit.Log(r.Context(), audit.Entry{
		Action:     "import.autofix_completed",
		EntityType: "catalog",
		RequestID:  requestID,
		Metadata: map[string]any{
			"success":           result.Success,
			"created_companies": len(result.CreatedCompanies),
			"created_products":  len(result.CreatedProducts),
		},
	})

	if !result.Success {
		httpx.WriteError(w, r, http.StatusInternalServerError, "autofix_failed", result.Error, result)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) GetImportsTemplatesTemplateCsv(w http.ResponseWriter, r *http.Request, template string) {
	normalized := strings.ToLower(strings.TrimSpace(template))
	content, ok := importTemplates[normalized]
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "template_not_found", "Import template not found", nil)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s-template.csv\"", normalized))
	_, _ = w.Write([]byte(content))
}

func (s *Server) lookupReport(runID string) (importRunReport, bool) {
	if _, err := uuid.Parse(runID); err != nil {
		return importRunReport{}, false
	}
	cached, ok := s.Reports.Get(runID)
	if !ok {
		return importRunReport{}, false
	}
	report, ok := cached.(importRunReport)
	return report, ok
}

func (s *Server) checkRowLimit(rows int) *appError {
	if rows == 0 {
		return &appError{Status: http.StatusBadRequest, Code: "validation_error", Message: "rows must not be empty"}
	}
	if s.Config.ImportMaxRows > 0 && rows > s.Config.ImportMaxRows {
		return &appError{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    "too_many_rows",
			Message: fmt.Sprintf("import exceeds %d rows", s.Config.ImportMaxRows),
			Details: map[string]int{"rows": rows, "maxRows": s.Config.ImportMaxRows},
		}
	}
	return nil
}

func errorsCsvPath(runID string) string {
	return fmt.Sprintf("/api/imports/runs/%s/errors.csv", runID)
}

type appError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func parseImportUpload(r *http.Request, maxFileBytes int64) (parsedImportFile, *appError) {
	if !strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data") {
		return parsedImportFile{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_content_type",
			Message: "Content-Type must be multipart/form-data",
		}
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return parsedImportFile{}, &appError{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    "payload_too_large",
				Message: "Upload exceeds the size limit",
			}
		}
		return parsedImportFile{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_multipart",
			Message: "Failed to parse multipart form",
		}
	}

	mode, ok := parseImportMode(r.FormValue("mode"))
	if !ok {
		return parsedImportFile{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "validation_error",
			Message: "mode must be dry_run or apply",
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return parsedImportFile{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "missing_file",
			Message: "file is required",
		}
	}
	defer file.Close()

	if maxFileBytes > 0 && header.Size > maxFileBytes {
		return parsedImportFile{}, &appError{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    "file_too_large",
			Message: fmt.Sprintf("file exceeds %d bytes", maxFileBytes),
		}
	}

	format, err := spreadsheet.FormatFromFilename(header.Filename)
	if err != nil {
		return parsedImportFile{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "unsupported_file_type",
			Message: "file must be .csv, .xlsx or .xls",
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return parsedImportFile{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_file",
			Message: "Failed to read uploaded file",
		}
	}

	rows, err := spreadsheet.Parse(format, data)
	if err != nil {
		if errors.Is(err, spreadsheet.ErrEmpty) {
			return parsedImportFile{}, &appError{
				Status:  http.StatusBadRequest,
				Code:    "empty_file",
				Message: "file has no header row",
			}
		}
		return parsedImportFile{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_file",
			Message: "Failed to parse uploaded file",
			Details: map[string]string{"reason": err.Error()},
		}
	}

	return parsedImportFile{
		Filename: header.Filename,
		Format:   format,
		Mode:     mode,
		Rows:     rows,
	}, nil
}

var importTemplates = map[string]string{
	"orders": strings.Join([]string{
		"Customer,Product Name,Quantity,Unit Price,Order Date,Area,Discount,DiscountType,Tax",
		"Acme,Widget,10,5.00,2026-03-22,North,5,percentage,8%",
		"Acme,Widget,-2,5.00,2026-03-23,North,,,",
	}, "\n"),
	"orders-minimal": strings.Join([]string{
		"Customer,Product,Qty,Price,Date",
		"Acme,Widget,10,5.00,44000",
	}, "\n"),
}
