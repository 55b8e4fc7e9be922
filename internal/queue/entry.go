package queue

import (
	"time"

	"github.com/google/uuid"
)

// Payload references the captured image. URI points at a file on disk;
// Base64 optionally carries the encoded image inline.
type Payload struct {
	URI    string `json:"uri"`
	Base64 string `json:"base64,omitempty"`
}

// Entry is one capture awaiting (or having completed) delivery.
type Entry struct {
	ID         string     `json:"id"`
	Payload    Payload    `json:"payload"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	CapturedAt time.Time  `json:"captured_at"`
	Attempts   int        `json:"attempts"`
	Uploaded   bool       `json:"uploaded"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

// Stats are the lifetime capture and delivery counters.
type Stats struct {
	TotalCaptured int `json:"total_captured"`
	TotalUploaded int `json:"total_uploaded"`
}

// NewEntry builds a fresh entry with a random id, zero attempts and
// uploaded=false.
func NewEntry(p Payload, lat, lon float64, capturedAt time.Time) Entry {
	return Entry{
		ID:         uuid.New().String(),
		Payload:    p,
		Latitude:   lat,
		Longitude:  lon,
		CapturedAt: capturedAt.UTC(),
	}
}

// CountPending returns the number of entries not yet uploaded.
func CountPending(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if !e.Uploaded {
			n++
		}
	}
	return n
}

// Purge drops uploaded entries captured before now-retention. Entries that
// are not uploaded are always kept. The input slice is not modified.
func Purge(entries []Entry, now time.Time, retention time.Duration) []Entry {
	cutoff := now.Add(-retention)
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Uploaded && e.CapturedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}
