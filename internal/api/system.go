package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/coordinator"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Snapshotter exposes the coordinator's current view.
type Snapshotter interface {
	Snapshot() coordinator.Snapshot
}

// NewSystemHandler returns the unauthenticated health and metrics routes.
func NewSystemHandler(s Snapshotter) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/metrics", handleMetrics(s))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
