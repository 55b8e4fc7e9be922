package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Inbox turns image/sidecar pairs dropped into a directory into captures.
// A pair is NAME.jpg (or .jpeg) plus NAME.json holding Metadata; the sidecar
// should be written last. Accepted pairs are removed; invalid ones are moved
// to the rejected/ subdirectory.
type Inbox struct {
	dir    string
	ingest *Ingestor
}

func NewInbox(dir string, ingest *Ingestor) *Inbox {
	return &Inbox{dir: dir, ingest: ingest}
}

// Watch processes existing pairs, then watches the inbox until ctx is
// cancelled.
func (ib *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(ib.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(ib.dir); err != nil {
		return fmt.Errorf("watching %s: %w", ib.dir, err)
	}
	ib.ingest.logger.Info("watching capture inbox", "path", ib.dir)

	ib.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if base, ok := pairBase(event.Name); ok {
				ib.process(ctx, base)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ib.ingest.logger.Error("inbox watcher error", "error", err)
		}
	}
}

// Scan processes every complete pair currently in the inbox.
func (ib *Inbox) Scan(ctx context.Context) {
	entries, err := os.ReadDir(ib.dir)
	if err != nil {
		ib.ingest.logger.Warn("scanning inbox", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if base, ok := pairBase(filepath.Join(ib.dir, e.Name())); ok {
			ib.process(ctx, base)
		}
	}
}

// pairBase strips a recognised extension from name.
func pairBase(name string) (string, bool) {
	for _, ext := range []string{".json", ".jpg", ".jpeg"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)], true
		}
	}
	return "", false
}

func (ib *Inbox) process(ctx context.Context, base string) {
	sidecar := base + ".json"
	image := ""
	for _, ext := range []string{".jpg", ".jpeg"} {
		if _, err := os.Stat(base + ext); err == nil {
			image = base + ext
			break
		}
	}
	if image == "" {
		return
	}

	raw, err := os.ReadFile(sidecar)
	if err != nil {
		return
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		// Possibly still being written; the next write event retries.
		ib.ingest.logger.Debug("sidecar not yet readable", "path", sidecar, "error", err)
		return
	}

	f, err := os.Open(image)
	if err != nil {
		return
	}
	e, err := ib.ingest.Ingest(ctx, f, meta)
	f.Close()

	switch {
	case err == nil:
		ib.ingest.logger.Info("inbox capture queued", "entry_id", e.ID, "image", filepath.Base(image))
		os.Remove(image)
		os.Remove(sidecar)
	case errors.Is(err, ErrTooLarge), errors.Is(err, ErrNotJPEG), errors.Is(err, ErrInvalidLocation):
		ib.ingest.logger.Warn("inbox capture rejected", "image", filepath.Base(image), "error", err)
		ib.reject(image, sidecar)
	default:
		ib.ingest.logger.Error("inbox capture failed", "image", filepath.Base(image), "error", err)
	}
}

func (ib *Inbox) reject(paths ...string) {
	dir := filepath.Join(ib.dir, "rejected")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		ib.ingest.logger.Error("creating rejected directory", "error", err)
		return
	}
	for _, p := range paths {
		if err := os.Rename(p, filepath.Join(dir, filepath.Base(p))); err != nil {
			ib.ingest.logger.Warn("moving rejected file", "path", p, "error", err)
		}
	}
}
