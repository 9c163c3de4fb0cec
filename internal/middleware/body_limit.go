package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

// BodyLimitOverride raises the body cap for one route family, e.g. spreadsheet uploads.
type BodyLimitOverride struct {
	PathPrefix string
	PathSuffix string
	MaxBytes   int64
}

func (o BodyLimitOverride) matches(path string) bool {
	if o.MaxBytes <= 0 || (o.PathPrefix == "" && o.PathSuffix == "") {
		return false
	}
	apiPath := strings.TrimPrefix(path, "/api")
	if o.PathPrefix != "" && !strings.HasPrefix(path, o.PathPrefix) && !strings.HasPrefix(apiPath, o.PathPrefix) {
		return false
	}
	return o.PathSuffix == "" || strings.HasSuffix(path, o.PathSuffix)
}

// LimitBodyBytesWithOverrides rejects requests whose declared Content-Length is
// over the cap and wraps the body so undeclared lengths fail on read.
func LimitBodyBytesWithOverrides(defaultMax int64, overrides []BodyLimitOverride) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			maxBytes := defaultMax
			for _, override := range overrides {
				if override.matches(r.URL.Path) {
					maxBytes = override.MaxBytes
					break
				}
			}
			if maxBytes > 0 {
				if r.ContentLength > maxBytes {
					writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large",
						fmt.Sprintf("Request body exceeds %d bytes", maxBytes), nil)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
