package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opsledger/apps/api/internal/middleware"
)

func TestWriteErrorCarriesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/imports/x", nil)
	req = req.WithContext(middleware.WithRequestID(req.Context(), "req-1"))
	rr := httptest.NewRecorder()

	WriteError(rr, req, http.StatusNotFound, "import_run_not_found", "Import run not found", nil)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var envelope ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.RequestID != "req-1" || envelope.Error.Code != "import_run_not_found" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
}

func TestDecodeJSON(t *testing.T) {
	var out map[string]any
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	if err := DecodeJSON(req, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}{"b":2}`))
	if err := DecodeJSON(req, &out); err == nil {
		t.Fatalf("expected trailing data to fail")
	}

	rr := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"0123456789"}`))
	req.Body = http.MaxBytesReader(rr, req.Body, 4)
	if err := DecodeJSON(req, &out); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}
