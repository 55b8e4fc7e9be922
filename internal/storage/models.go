package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is a whole-value record addressed by key.
type Document struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Attempt is one upload attempt as recorded in the attempt log.
type Attempt struct {
	ID          string
	EntryID     string
	AttemptedAt time.Time
	Success     bool
	StatusCode  int
	Duplicate   bool
	Error       string
}
