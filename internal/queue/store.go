package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/fieldsync/internal/storage"
)

const (
	// QueueKey holds the JSON array of entries.
	QueueKey = "upload_queue"
	// StatsKey holds the aggregate counters.
	StatsKey = "upload_stats"
)

// DocumentStore is the whole-document persistence primitive.
type DocumentStore interface {
	GetDocument(key string) (storage.Document, error)
	PutDocument(key, value string) error
}

// Store reads and overwrites the queue and stats documents. It never fails
// towards callers: read errors yield empty values and write errors are logged.
// Store does not serialize access; callers hold the coordinator's guard.
type Store struct {
	docs   DocumentStore
	logger *slog.Logger
}

func NewStore(docs DocumentStore) *Store {
	return &Store{docs: docs, logger: slog.Default()}
}

// Load returns all persisted entries, or an empty slice when the document is
// missing or unreadable.
func (s *Store) Load() []Entry {
	entries, err := s.load()
	if err != nil {
		s.logger.Error("loading upload queue", "error", err)
		return []Entry{}
	}
	return entries
}

func (s *Store) load() ([]Entry, error) {
	doc, err := s.docs.GetDocument(QueueKey)
	if errors.Is(err, storage.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", QueueKey, err)
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(doc.Value), &entries); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", QueueKey, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Replace overwrites the queue document with entries and returns them.
func (s *Store) Replace(entries []Entry) []Entry {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		s.logger.Error("encoding upload queue", "error", err)
		return entries
	}
	if err := s.docs.PutDocument(QueueKey, string(data)); err != nil {
		s.logger.Error("writing upload queue", "entries", len(entries), "error", err)
	}
	return entries
}

// GetStats returns the persisted counters, or zeros when unavailable.
func (s *Store) GetStats() Stats {
	doc, err := s.docs.GetDocument(StatsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Stats{}
	}
	if err != nil {
		s.logger.Error("reading upload stats", "error", err)
		return Stats{}
	}
	var st Stats
	if err := json.Unmarshal([]byte(doc.Value), &st); err != nil {
		s.logger.Error("decoding upload stats", "error", err)
		return Stats{}
	}
	return st
}

// SetStats overwrites the stats document and returns st.
func (s *Store) SetStats(st Stats) Stats {
	data, err := json.Marshal(st)
	if err != nil {
		s.logger.Error("encoding upload stats", "error", err)
		return st
	}
	if err := s.docs.PutDocument(StatsKey, string(data)); err != nil {
		s.logger.Error("writing upload stats", "error", err)
	}
	return st
}
