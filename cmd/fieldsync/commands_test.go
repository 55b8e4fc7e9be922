package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/capture"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/coordinator"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func writeJPEG(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "IMG_0042.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}, 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}
	return path
}

func parseForm(t *testing.T, r recordedRequest) (map[string]string, []byte) {
	t.Helper()
	_, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		t.Fatalf("content type %q: %v", r.ContentType, err)
	}
	mr := multipart.NewReader(strings.NewReader(r.Body), params["boundary"])

	fields := map[string]string{}
	var image []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading part: %v", err)
		}
		data, _ := io.ReadAll(part)
		if part.FormName() == "image" {
			image = data
			continue
		}
		fields[part.FormName()] = string(data)
	}
	return fields, image
}

func TestPostCapture(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /captures": `{"id":"cap-123","status":"queued"}`,
	})
	path := writeJPEG(t)

	meta := capture.Metadata{
		Latitude:   48.8566,
		Longitude:  2.3522,
		CapturedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	id, err := postCapture(ctx, ts.client(), path, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "cap-123" {
		t.Errorf("id = %q, want cap-123", id)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	fields, image := parseForm(t, r)
	if fields["latitude"] != "48.8566" || fields["longitude"] != "2.3522" {
		t.Errorf("location fields = %v", fields)
	}
	if fields["timestamp"] != "2026-03-01T10:00:00Z" {
		t.Errorf("timestamp = %q", fields["timestamp"])
	}
	if len(image) != 7 || image[0] != 0xff {
		t.Errorf("image = %v", image)
	}
}

func TestPostCapture_OmitsZeroTimestamp(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /captures": `{"id":"cap-1","status":"queued"}`,
	})

	if _, err := postCapture(ctx, ts.client(), writeJPEG(t), capture.Metadata{Latitude: 1, Longitude: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields, _ := parseForm(t, ts.requests[0])
	if _, ok := fields["timestamp"]; ok {
		t.Error("timestamp sent for a zero capture time")
	}
}

func TestPostCapture_ServerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		w.Write([]byte(`{"error":{"message":"image is not a JPEG","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	_, err := postCapture(ctx, client, writeJPEG(t), capture.Metadata{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "415") || !strings.Contains(err.Error(), "image is not a JPEG") {
		t.Errorf("error = %q", err)
	}
}

func TestCaptureForm_MissingFile(t *testing.T) {
	if _, _, err := captureForm(filepath.Join(t.TempDir(), "missing.jpg"), capture.Metadata{}); err == nil {
		t.Fatal("expected error for a missing image")
	}
}

func TestDelegateSync(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /background-fetch": `{"result":"new_data"}`,
	})

	result, err := delegateSync(ctx, ts.client(), 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != coordinator.NewData {
		t.Errorf("result = %q, want new_data", result)
	}
	if got := ts.requests[0].Path; got != "/background-fetch?budget=10s" {
		t.Errorf("path = %q", got)
	}
}

func TestLifecycleAndConnectivity(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /lifecycle":   `{"state":"foreground"}`,
		"PUT /connectivity": `{"connected":true}`,
	})
	client := ts.client()

	resp, err := client.post(ctx, "/lifecycle", map[string]string{"state": "foreground"})
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	var lr map[string]string
	if err := decodeJSON(resp, &lr); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, err = client.put(ctx, "/connectivity", map[string]bool{"connected": true})
	if err != nil {
		t.Fatalf("connectivity: %v", err)
	}
	var cr map[string]bool
	if err := decodeJSON(resp, &cr); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ts.requests[0].Body != `{"state":"foreground"}` {
		t.Errorf("lifecycle body = %s", ts.requests[0].Body)
	}
	var body map[string]bool
	json.Unmarshal([]byte(ts.requests[1].Body), &body)
	if !body["connected"] || ts.requests[1].Method != http.MethodPut {
		t.Errorf("connectivity request = %+v", ts.requests[1])
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/queue/missing/attempts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404: not found") {
		t.Errorf("error = %q", err)
	}
}

func TestClient_ServerDown(t *testing.T) {
	client := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: &http.Client{Timeout: time.Second}}
	_, err := client.get(ctx, "/status")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "is fieldsync running") {
		t.Errorf("error = %q", err)
	}
}

func TestRenderQueueTable(t *testing.T) {
	out := renderQueueTable([]api.EntryView{
		{ID: "0f8e2a6c-1111-2222-3333-444455556666", CapturedAt: time.Now().Add(-time.Hour), Latitude: 48.8566, Longitude: 2.3522, Attempts: 3},
		{ID: "short", CapturedAt: time.Now(), Uploaded: true},
	})

	for _, want := range []string{"0f8e2a6c", "48.85660, 2.35220", "pending", "uploaded", "short"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "1111-2222") {
		t.Errorf("table shows full ids:\n%s", out)
	}
}

func TestRenderConfigTable(t *testing.T) {
	out := renderConfigTable([]config.KeyInfo{
		{Key: "server.port", Value: "4100", Source: config.SourceDefault},
		{Key: "log.level", Value: "debug", EnvVar: "FIELDSYNC_LOG_LEVEL", Source: config.SourceEnv},
	})
	for _, want := range []string{"server.port", "4100", "default", "env FIELDSYNC_LOG_LEVEL"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestRenderAttemptsTable(t *testing.T) {
	now := time.Now()
	out := renderAttemptsTable([]api.AttemptView{
		{AttemptedAt: now, StatusCode: 503},
		{AttemptedAt: now, Success: true, StatusCode: 200},
		{AttemptedAt: now, Success: true, Duplicate: true, StatusCode: 200},
		{AttemptedAt: now, Error: "connection refused"},
	})

	for _, want := range []string{"failed", "503", "ok", "duplicate", "connection refused"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestCaptureCommand_Validation(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing image", []string{"capture", "--image", "", "--lat", "1", "--lon", "2"}, "--image is required"},
		{"latitude out of range", []string{"capture", "--image", "x.jpg", "--lat", "91", "--lon", "2"}, "invalid location"},
		{"NaN latitude", []string{"capture", "--image", "x.jpg", "--lat", "NaN", "--lon", "2"}, "invalid location"},
		{"bad time", []string{"capture", "--image", "x.jpg", "--lat", "1", "--lon", "2", "--time", "noon"}, "RFC 3339"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rootCmd.SetArgs(tt.args)
			err := rootCmd.Execute()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestLifecycleCommand_RejectsUnknownState(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"lifecycle", "sleeping"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for unknown state")
	}
}
