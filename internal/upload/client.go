package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/fieldsync/internal/queue"
)

// TimestampFormat is the ISO-8601 form sent in the timestamp field.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrNoImage is returned when an entry carries neither a readable file nor
// inline image data.
var ErrNoImage = errors.New("entry has no image data")

// Result describes the outcome of a single upload attempt.
type Result struct {
	Success    bool
	StatusCode int
	Duplicate  bool
	Err        error
}

// response mirrors the JSON body returned by the upload endpoint.
type response struct {
	Duplicate bool   `json:"duplicate"`
	ID        string `json:"id,omitempty"`
}

// Client posts captures to the remote upload endpoint.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for endpoint. A timeout <= 0 defaults to 30s.
// An empty token disables the Authorization header.
func New(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

// Send performs one upload of e. Any 2xx is a success, including responses
// flagged as duplicates. e.Attempts is sent as retryCount.
func (c *Client) Send(ctx context.Context, e queue.Entry) Result {
	body, contentType, err := encodeForm(e)
	if err != nil {
		c.logger.Warn("preparing upload", "entry_id", e.ID, "error", err)
		return Result{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Result{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Idempotency-Key", e.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("upload request failed", "entry_id", e.ID, "error", err)
		return Result{Err: fmt.Errorf("posting upload: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		c.logger.Debug("reading upload response", "entry_id", e.ID, "status", resp.StatusCode, "error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("upload rejected", "entry_id", e.ID, "status", resp.StatusCode, "body", snippet(data))
		return Result{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	res := Result{Success: true, StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(data)) > 0 {
		var r response
		if err := json.Unmarshal(data, &r); err != nil {
			c.logger.Warn("upload response not JSON", "entry_id", e.ID, "error", err)
		} else {
			res.Duplicate = r.Duplicate
		}
	}
	if res.Duplicate {
		c.logger.Info("upload acknowledged as duplicate", "entry_id", e.ID)
	}
	return res
}

func encodeForm(e queue.Entry) (*bytes.Buffer, string, error) {
	img, err := imageBytes(e.Payload)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="photo_%s.jpg"`, e.ID))
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("creating image part: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, "", fmt.Errorf("writing image part: %w", err)
	}

	fields := [][2]string{
		{"latitude", strconv.FormatFloat(e.Latitude, 'f', -1, 64)},
		{"longitude", strconv.FormatFloat(e.Longitude, 'f', -1, 64)},
		{"timestamp", e.CapturedAt.UTC().Format(TimestampFormat)},
		{"id", e.ID},
		{"retryCount", strconv.Itoa(e.Attempts)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// imageBytes prefers the file at p.URI and falls back to the inline copy.
func imageBytes(p queue.Payload) ([]byte, error) {
	if p.URI != "" {
		data, err := os.ReadFile(strings.TrimPrefix(p.URI, "file://"))
		if err == nil {
			return data, nil
		}
		if p.Base64 == "" {
			return nil, fmt.Errorf("reading %s: %w", p.URI, err)
		}
	}
	if p.Base64 == "" {
		return nil, ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(p.Base64)
	if err != nil {
		return nil, fmt.Errorf("decoding inline image: %w", err)
	}
	return data, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
