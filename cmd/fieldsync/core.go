package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/fieldsync/internal/capture"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/coordinator"
	"github.com/kalambet/fieldsync/internal/delivery"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/upload"
)

// attemptLogRetention bounds how long attempt history is kept.
const attemptLogRetention = 7 * 24 * time.Hour

// core is the delivery stack built from one configuration.
type core struct {
	store   *storage.Store
	monitor *connectivity.Monitor
	proc    *delivery.Processor
	coord   *coordinator.Coordinator
	ingest  *capture.Ingestor
	inbox   *capture.Inbox
}

func newCore(cfg config.Config, store *storage.Store) *core {
	qs := queue.NewStore(store)
	tracker := queue.NewTracker(qs)
	guard := semaphore.NewWeighted(1)

	monitor := connectivity.NewMonitor(cfg.Connectivity.ProbeURL, cfg.Connectivity.Interval())
	uploader := upload.New(cfg.Upload.Endpoint, cfg.Upload.APIToken, cfg.Upload.RequestTimeout())

	proc := delivery.NewProcessor(qs, tracker, uploader, monitor, delivery.Options{
		Policy: delivery.RetryPolicy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			Delay:       cfg.Delivery.Delay(),
		},
		Retention:        cfg.Delivery.RetentionWindow(),
		PersistEachEntry: cfg.Delivery.PersistEachEntry,
		Guard:            guard,
		Attempts:         store,
	})

	coord := coordinator.New(qs, tracker, proc, monitor, guard, coordinator.Options{
		PollInterval:     cfg.Triggers.Interval(),
		BackgroundBudget: cfg.Triggers.Budget(),
	})

	ingest := capture.NewIngestor(filepath.Join(cfg.Storage.DataDir, "blobs"), int64(cfg.Capture.MaxImageBytes), coord)

	return &core{
		store:   store,
		monitor: monitor,
		proc:    proc,
		coord:   coord,
		ingest:  ingest,
		inbox:   capture.NewInbox(cfg.Capture.InboxDir, ingest),
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldsync.lock")
}

// tryLock takes the data directory lock without blocking. ok is false when
// another process holds it.
func tryLock(dataDir string) (lock *flock.Flock, ok bool, err error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("creating data directory: %w", err)
	}
	lock = flock.New(lockFilePath(dataDir))
	ok, err = lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", lock.Path(), err)
	}
	return lock, ok, nil
}

// pruneAttempts drops old attempt history every interval until ctx is done.
func pruneAttempts(ctx context.Context, store *storage.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := store.PruneAttempts(time.Now().Add(-attemptLogRetention))
		if err != nil {
			slog.Warn("pruning attempt log", "error", err)
		} else if n > 0 {
			slog.Debug("pruned attempt log", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
