package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/upload"
)

// DefaultRetention is how long uploaded entries stay in the queue, measured
// from capture time.
const DefaultRetention = time.Hour

// Uploader performs one upload attempt.
type Uploader interface {
	Send(ctx context.Context, e queue.Entry) upload.Result
}

// ConnectivityChecker reports whether the network is believed reachable.
type ConnectivityChecker interface {
	Connected(ctx context.Context) bool
}

// QueueStore is the whole-document queue persistence.
type QueueStore interface {
	Load() []queue.Entry
	Replace(entries []queue.Entry) []queue.Entry
}

// StatsRecorder bumps the lifetime uploaded counter.
type StatsRecorder interface {
	IncrementUploaded() queue.Stats
}

// AttemptRecorder stores per-attempt outcomes for inspection.
type AttemptRecorder interface {
	RecordAttempt(a storage.Attempt) error
}

// Options tune a Processor. Zero values select the defaults.
type Options struct {
	Policy    RetryPolicy
	Retention time.Duration
	// PersistEachEntry writes the queue after every processed entry instead
	// of once at the end of the run.
	PersistEachEntry bool
	// Guard serializes queue and stats mutation with other writers such as
	// enqueue. Nil disables guarding.
	Guard *semaphore.Weighted
	// Attempts, if set, receives every attempt outcome.
	Attempts AttemptRecorder
}

// Processor drains the pending entries of the queue. It is not safe for
// concurrent RunOnce calls; the coordinator guarantees a single run in flight.
type Processor struct {
	store     QueueStore
	stats     StatsRecorder
	uploader  Uploader
	conn      ConnectivityChecker
	policy    RetryPolicy
	retention time.Duration
	persist   bool
	guard     *semaphore.Weighted
	attempts  AttemptRecorder
	now       func() time.Time
	logger    *slog.Logger
}

// NewProcessor creates a Processor with the given dependencies.
func NewProcessor(store QueueStore, stats StatsRecorder, uploader Uploader, conn ConnectivityChecker, opts Options) *Processor {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Processor{
		store:     store,
		stats:     stats,
		uploader:  uploader,
		conn:      conn,
		policy:    opts.Policy,
		retention: opts.Retention,
		persist:   opts.PersistEachEntry,
		guard:     opts.Guard,
		attempts:  opts.Attempts,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// RunOnce attempts every pending entry once through the retry policy and
// returns how many entries became uploaded. It returns 0 without touching the
// store when disconnected. If ctx ends mid-run the remaining entries are
// skipped, progress so far is still persisted and ctx.Err() is returned.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	if !p.conn.Connected(ctx) {
		p.logger.Debug("skipping run while disconnected")
		return 0, nil
	}

	var entries []queue.Entry
	if err := p.locked(ctx, func() { entries = p.store.Load() }); err != nil {
		return 0, fmt.Errorf("acquiring store: %w", err)
	}

	if queue.CountPending(entries) == 0 {
		p.commit(ctx, entries, true)
		return 0, nil
	}

	uploaded := 0
	var runErr error
	for i := range entries {
		if entries[i].Uploaded {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		e := &entries[i]
		ok, made := p.policy.Do(ctx, func(ctx context.Context) bool {
			res := p.uploader.Send(ctx, *e)
			e.Attempts++
			p.record(*e, res)
			return res.Success
		})

		if ok {
			now := p.now().UTC()
			e.Uploaded = true
			e.UploadedAt = &now
			uploaded++
			p.locked(context.WithoutCancel(ctx), func() { p.stats.IncrementUploaded() })
			p.logger.Info("entry uploaded", "entry_id", e.ID, "attempts", e.Attempts)
		} else if made > 0 {
			p.logger.Warn("entry remains queued", "entry_id", e.ID, "run_attempts", made, "attempts", e.Attempts)
		}

		if p.persist {
			p.commit(ctx, entries, false)
		}
	}

	p.commit(ctx, entries, false)

	if runErr == nil {
		runErr = ctx.Err()
	}
	return uploaded, runErr
}

// commit purges expired uploaded entries and writes the result, keeping any
// entry enqueued since the run loaded the queue. With onlyIfPurged it skips
// the write when nothing would change.
func (p *Processor) commit(ctx context.Context, entries []queue.Entry, onlyIfPurged bool) {
	p.locked(context.WithoutCancel(ctx), func() {
		kept := queue.Purge(entries, p.now(), p.retention)
		if onlyIfPurged && len(kept) == len(entries) {
			return
		}
		added := p.enqueuedSince(entries)
		if removed := len(entries) - len(kept); removed > 0 {
			p.logger.Debug("purged uploaded entries", "count", removed)
		}
		p.store.Replace(append(kept, added...))
	})
}

// enqueuedSince returns persisted entries whose ids are absent from seen.
// Must be called with the guard held.
func (p *Processor) enqueuedSince(seen []queue.Entry) []queue.Entry {
	known := make(map[string]struct{}, len(seen))
	for _, e := range seen {
		known[e.ID] = struct{}{}
	}
	var added []queue.Entry
	for _, e := range p.store.Load() {
		if _, ok := known[e.ID]; !ok {
			added = append(added, e)
		}
	}
	return added
}

func (p *Processor) locked(ctx context.Context, fn func()) error {
	if p.guard == nil {
		fn()
		return nil
	}
	if err := p.guard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.guard.Release(1)
	fn()
	return nil
}

func (p *Processor) record(e queue.Entry, res upload.Result) {
	if p.attempts == nil {
		return
	}
	a := storage.Attempt{
		ID:          uuid.New().String(),
		EntryID:     e.ID,
		AttemptedAt: p.now().UTC(),
		Success:     res.Success,
		StatusCode:  res.StatusCode,
		Duplicate:   res.Duplicate,
	}
	if res.Err != nil {
		a.Error = res.Err.Error()
	}
	if err := p.attempts.RecordAttempt(a); err != nil {
		p.logger.Warn("recording attempt", "entry_id", e.ID, "error", err)
	}
}
