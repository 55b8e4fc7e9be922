package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fieldsync/internal/coordinator"
	"github.com/kalambet/fieldsync/internal/queue"
)

var (
	// ErrTooLarge is returned for images above the configured size limit.
	ErrTooLarge = errors.New("image exceeds size limit")
	// ErrNotJPEG is returned when the data does not start with a JPEG marker.
	ErrNotJPEG = errors.New("image is not a JPEG")
	// ErrInvalidLocation is returned for out-of-range coordinates.
	ErrInvalidLocation = errors.New("invalid location")
)

var jpegMagic = []byte{0xff, 0xd8}

// Enqueuer hands a capture over to the delivery core.
type Enqueuer interface {
	Enqueue(ctx context.Context, c coordinator.Capture) (queue.Entry, error)
}

// Metadata accompanies an image.
type Metadata struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks coordinate ranges. NaN and infinities are rejected
// explicitly: NaN compares false against both bounds and cannot be encoded
// into the persisted queue.
func (m Metadata) Validate() error {
	if !finite(m.Latitude) || m.Latitude < -90 || m.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidLocation, m.Latitude)
	}
	if !finite(m.Longitude) || m.Longitude < -180 || m.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidLocation, m.Longitude)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Ingestor copies images into the blob directory and enqueues them.
type Ingestor struct {
	blobDir  string
	maxBytes int64
	queue    Enqueuer
	logger   *slog.Logger
}

// NewIngestor creates an Ingestor storing blobs under blobDir.
// If maxBytes is <= 0, it defaults to 5 MiB.
func NewIngestor(blobDir string, maxBytes int64, q Enqueuer) *Ingestor {
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Ingestor{
		blobDir:  blobDir,
		maxBytes: maxBytes,
		queue:    q,
		logger:   slog.Default(),
	}
}

// Ingest stores the image read from r and enqueues it with meta.
func (in *Ingestor) Ingest(ctx context.Context, r io.Reader, meta Metadata) (queue.Entry, error) {
	if err := meta.Validate(); err != nil {
		return queue.Entry{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, in.maxBytes+1))
	if err != nil {
		return queue.Entry{}, fmt.Errorf("reading image: %w", err)
	}
	if int64(len(data)) > in.maxBytes {
		return queue.Entry{}, fmt.Errorf("%w (%d bytes)", ErrTooLarge, in.maxBytes)
	}
	if !bytes.HasPrefix(data, jpegMagic) {
		return queue.Entry{}, ErrNotJPEG
	}

	if err := os.MkdirAll(in.blobDir, 0o755); err != nil {
		return queue.Entry{}, fmt.Errorf("creating blob directory: %w", err)
	}
	path := filepath.Join(in.blobDir, uuid.New().String()+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return queue.Entry{}, fmt.Errorf("writing blob: %w", err)
	}

	e, err := in.queue.Enqueue(ctx, coordinator.Capture{
		Payload:    queue.Payload{URI: path},
		Latitude:   meta.Latitude,
		Longitude:  meta.Longitude,
		CapturedAt: meta.CapturedAt,
	})
	if err != nil {
		os.Remove(path)
		return queue.Entry{}, fmt.Errorf("enqueueing capture: %w", err)
	}
	return e, nil
}
