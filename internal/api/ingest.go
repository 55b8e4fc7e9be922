package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/capture"
	"github.com/kalambet/fieldsync/internal/coordinator"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
)

const maxCaptureBodySize = 16 << 20 // 16MB, the image limit is enforced by the ingestor

// Core is the delivery core as seen by the HTTP layer.
type Core interface {
	Snapshotter
	Entries(ctx context.Context) ([]queue.Entry, error)
	NotifyLifecycle(state string)
	SyncNow(ctx context.Context) (uploaded int, dropped bool, err error)
	BackgroundFetch(ctx context.Context, budget time.Duration) coordinator.FetchResult
}

// CaptureIngestor stores an image and enqueues it.
type CaptureIngestor interface {
	Ingest(ctx context.Context, r io.Reader, meta capture.Metadata) (queue.Entry, error)
}

// ConnectivitySetter accepts connectivity reports from the host shell.
type ConnectivitySetter interface {
	Set(connected bool)
}

// AttemptLog reads the upload attempt history.
type AttemptLog interface {
	RecentAttempts(entryID string, limit int) ([]storage.Attempt, error)
}

type AppDeps struct {
	Core         Core
	Captures     CaptureIngestor
	Connectivity ConnectivitySetter
	Attempts     AttemptLog // optional; if nil, attempt history returns 404
	Token        string
}

// EntryView is an entry as returned by the API. Inline image data is omitted.
type EntryView struct {
	ID         string     `json:"id"`
	URI        string     `json:"uri"`
	Inline     bool       `json:"inline"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	CapturedAt time.Time  `json:"captured_at"`
	Attempts   int        `json:"attempts"`
	Uploaded   bool       `json:"uploaded"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

func newEntryView(e queue.Entry) EntryView {
	return EntryView{
		ID:         e.ID,
		URI:        e.Payload.URI,
		Inline:     e.Payload.Base64 != "",
		Latitude:   e.Latitude,
		Longitude:  e.Longitude,
		CapturedAt: e.CapturedAt,
		Attempts:   e.Attempts,
		Uploaded:   e.Uploaded,
		UploadedAt: e.UploadedAt,
	}
}

// AttemptView is one attempt log row.
type AttemptView struct {
	EntryID     string    `json:"entry_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Success     bool      `json:"success"`
	StatusCode  int       `json:"status_code,omitempty"`
	Duplicate   bool      `json:"duplicate,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/captures", handleCreateCapture(deps))
	r.Get("/status", handleStatus(deps))
	r.Get("/queue", handleListQueue(deps))
	r.Get("/queue/{id}/attempts", handleListAttempts(deps))
	r.Post("/lifecycle", handleLifecycle(deps))
	r.Put("/connectivity", handleConnectivity(deps))
	r.Post("/sync", handleSync(deps))
	r.Post("/background-fetch", handleBackgroundFetch(deps))

	return r
}

func handleCreateCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCaptureBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		meta, err := parseCaptureMetadata(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		file, _, err := r.FormFile("image")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image is required")
			return
		}
		defer file.Close()

		e, err := deps.Captures.Ingest(r.Context(), file, meta)
		switch {
		case errors.Is(err, capture.ErrTooLarge):
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, capture.ErrNotJPEG):
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, capture.ErrInvalidLocation):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue capture: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID, "status": "queued"})
	}
}

func parseCaptureMetadata(r *http.Request) (capture.Metadata, error) {
	var meta capture.Metadata

	lat, err := strconv.ParseFloat(r.FormValue("latitude"), 64)
	if err != nil {
		return meta, errors.New("latitude must be a number")
	}
	lon, err := strconv.ParseFloat(r.FormValue("longitude"), 64)
	if err != nil {
		return meta, errors.New("longitude must be a number")
	}
	meta.Latitude = lat
	meta.Longitude = lon

	if ts := r.FormValue("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return meta, errors.New("timestamp must be RFC 3339")
		}
		meta.CapturedAt = t
	}
	return meta, nil
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Core.Snapshot())
	}
}

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Core.Entries(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to read queue: %v", err)
			return
		}

		pendingOnly := r.URL.Query().Get("pending") == "true"
		limit := parseIntParam(r, "limit", 0, 1000)

		views := make([]EntryView, 0, len(entries))
		for _, e := range entries {
			if pendingOnly && e.Uploaded {
				continue
			}
			views = append(views, newEntryView(e))
			if limit > 0 && len(views) == limit {
				break
			}
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleListAttempts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Attempts == nil {
			httpError(w, http.StatusNotFound, "not_found", "attempt log is not enabled")
			return
		}
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 20, 200)

		attempts, err := deps.Attempts.RecentAttempts(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read attempts: %v", err)
			return
		}

		views := make([]AttemptView, 0, len(attempts))
		for _, a := range attempts {
			views = append(views, AttemptView{
				EntryID:     a.EntryID,
				AttemptedAt: a.AttemptedAt,
				Success:     a.Success,
				StatusCode:  a.StatusCode,
				Duplicate:   a.Duplicate,
				Error:       a.Error,
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleLifecycle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.State != coordinator.StateForeground && req.State != coordinator.StateBackground {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "state must be %q or %q",
				coordinator.StateForeground, coordinator.StateBackground)
			return
		}

		deps.Core.NotifyLifecycle(req.State)
		writeJSON(w, http.StatusAccepted, map[string]string{"state": req.State})
	}
}

func handleConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Connected *bool `json:"connected"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Connected == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "connected is required")
			return
		}

		deps.Connectivity.Set(*req.Connected)
		writeJSON(w, http.StatusOK, map[string]bool{"connected": *req.Connected})
	}
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploaded, dropped, err := deps.Core.SyncNow(r.Context())
		resp := map[string]any{
			"uploaded": uploaded,
			"dropped":  dropped,
		}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleBackgroundFetch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var budget time.Duration
		if s := r.URL.Query().Get("budget"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "budget must be a positive duration")
				return
			}
			budget = d
		}

		result := deps.Core.BackgroundFetch(r.Context(), budget)
		writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
