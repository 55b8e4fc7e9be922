package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/fieldsync/internal/queue"
)

// Trigger names the source that asked for a run.
type Trigger string

const (
	TriggerStartup      Trigger = "startup"
	TriggerConnectivity Trigger = "connectivity"
	TriggerForeground   Trigger = "foreground"
	TriggerTimer        Trigger = "timer"
	TriggerBackground   Trigger = "background"
	TriggerCapture      Trigger = "capture"
	TriggerManual       Trigger = "manual"
)

// FetchResult is reported back to an OS background scheduler.
type FetchResult string

const (
	NewData FetchResult = "new_data"
	NoData  FetchResult = "no_data"
	Failed  FetchResult = "failed"
)

// Lifecycle states reported by the host shell.
const (
	StateForeground = "foreground"
	StateBackground = "background"
)

// Runner executes one processing run.
type Runner interface {
	RunOnce(ctx context.Context) (int, error)
}

// QueueStore is the whole-document queue persistence.
type QueueStore interface {
	Load() []queue.Entry
	Replace(entries []queue.Entry) []queue.Entry
}

// StatsTracker maintains the lifetime counters.
type StatsTracker interface {
	IncrementCaptured() queue.Stats
	Get() queue.Stats
}

// ConnectivityChecker reports whether the network is believed reachable.
type ConnectivityChecker interface {
	Connected(ctx context.Context) bool
}

// Capture is a new artifact handed over by the capture collaborator.
type Capture struct {
	Payload    queue.Payload
	Latitude   float64
	Longitude  float64
	CapturedAt time.Time
}

// Snapshot is a point-in-time view for display surfaces.
type Snapshot struct {
	Pending         int       `json:"pending"`
	Queued          int       `json:"queued"`
	TotalCaptured   int       `json:"total_captured"`
	TotalUploaded   int       `json:"total_uploaded"`
	Connected       bool      `json:"connected"`
	Running         bool      `json:"running"`
	Runs            int64     `json:"runs"`
	DroppedTriggers int64     `json:"dropped_triggers"`
	LastRunAt       time.Time `json:"last_run_at,omitempty"`
	LastRunTrigger  Trigger   `json:"last_run_trigger,omitempty"`
	LastRunUploaded int       `json:"last_run_uploaded"`
	LastRunError    string    `json:"last_run_error,omitempty"`
}

// Options tune a Coordinator. Zero values select the defaults.
type Options struct {
	// PollInterval is the periodic timer; it only requests a run while
	// entries are pending.
	PollInterval time.Duration
	// BackgroundBudget bounds BackgroundFetch when the caller passes none.
	BackgroundBudget time.Duration
}

type eventKind int

const (
	evTrigger eventKind = iota
	evConnectivity
	evLifecycle
)

type event struct {
	kind      eventKind
	trigger   Trigger
	connected bool
	state     string
	ctx       context.Context
	reply     chan outcome
}

type outcome struct {
	trigger  Trigger
	uploaded int
	err      error
	dropped  bool
	reply    chan outcome
}

// Coordinator turns independent wake-up sources into non-overlapping runs.
// All triggers are serialized through one event loop; a trigger arriving
// while a run is in flight is dropped.
type Coordinator struct {
	store  QueueStore
	stats  StatsTracker
	runner Runner
	conn   ConnectivityChecker
	guard  *semaphore.Weighted

	poll   time.Duration
	budget time.Duration

	events chan event
	done   chan outcome

	// Owned by the Run loop.
	running       bool
	lastConnected bool

	mu   sync.RWMutex
	snap Snapshot

	logger *slog.Logger
}

// New creates a Coordinator. guard must be the same semaphore the runner
// uses to serialize store mutation.
func New(store QueueStore, stats StatsTracker, runner Runner, conn ConnectivityChecker, guard *semaphore.Weighted, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.BackgroundBudget <= 0 {
		opts.BackgroundBudget = 25 * time.Second
	}
	if guard == nil {
		guard = semaphore.NewWeighted(1)
	}
	return &Coordinator{
		store:  store,
		stats:  stats,
		runner: runner,
		conn:   conn,
		guard:  guard,
		poll:   opts.PollInterval,
		budget: opts.BackgroundBudget,
		events: make(chan event, 32),
		done:   make(chan outcome, 1),
		logger: slog.Default(),
	}
}

// Run is the single consumer loop. It requests a startup run, then serves
// triggers until ctx is cancelled. An in-flight run is awaited before
// returning.
func (c *Coordinator) Run(ctx context.Context) error {
	c.refresh(ctx)
	c.lastConnected = c.conn.Connected(ctx)
	c.start(ctx, event{kind: evTrigger, trigger: TriggerStartup})
	return c.serve(ctx)
}

func (c *Coordinator) serve(ctx context.Context) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.running {
				c.finish(ctx, <-c.done)
			}
			return ctx.Err()
		case <-ticker.C:
			if c.Snapshot().Pending > 0 {
				c.start(ctx, event{kind: evTrigger, trigger: TriggerTimer})
			}
		case ev := <-c.events:
			c.handle(ctx, ev)
		case out := <-c.done:
			c.finish(ctx, out)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnectivity:
		rising := ev.connected && !c.lastConnected
		c.lastConnected = ev.connected
		c.mu.Lock()
		c.snap.Connected = ev.connected
		c.mu.Unlock()
		if rising {
			c.start(ctx, event{kind: evTrigger, trigger: TriggerConnectivity})
		}
	case evLifecycle:
		if ev.state == StateForeground {
			c.start(ctx, event{kind: evTrigger, trigger: TriggerForeground})
			return
		}
		c.logger.Debug("app lifecycle changed", "state", ev.state)
	default:
		c.start(ctx, ev)
	}
}

// start launches a run unless one is already in flight.
func (c *Coordinator) start(ctx context.Context, ev event) {
	if c.running {
		c.mu.Lock()
		c.snap.DroppedTriggers++
		c.mu.Unlock()
		c.logger.Debug("run in progress; trigger dropped", "trigger", ev.trigger)
		if ev.reply != nil {
			ev.reply <- outcome{trigger: ev.trigger, dropped: true}
		}
		return
	}

	runCtx := ctx
	if ev.ctx != nil {
		runCtx = ev.ctx
	}

	c.running = true
	c.mu.Lock()
	c.snap.Running = true
	c.mu.Unlock()

	c.logger.Debug("starting run", "trigger", ev.trigger)
	go func() {
		n, err := c.runner.RunOnce(runCtx)
		c.done <- outcome{trigger: ev.trigger, uploaded: n, err: err, reply: ev.reply}
	}()
}

func (c *Coordinator) finish(ctx context.Context, out outcome) {
	c.running = false

	c.mu.Lock()
	c.snap.Running = false
	c.snap.Runs++
	c.snap.LastRunAt = time.Now().UTC()
	c.snap.LastRunTrigger = out.trigger
	c.snap.LastRunUploaded = out.uploaded
	c.snap.LastRunError = ""
	if out.err != nil {
		c.snap.LastRunError = out.err.Error()
	}
	c.mu.Unlock()

	if out.err != nil {
		c.logger.Warn("run ended early", "trigger", out.trigger, "uploaded", out.uploaded, "error", out.err)
	} else if out.uploaded > 0 {
		c.logger.Info("run completed", "trigger", out.trigger, "uploaded", out.uploaded)
	}

	c.refresh(context.WithoutCancel(ctx))

	if out.reply != nil {
		out.reply <- out
	}
}

// refresh recomputes the queue and stats counters of the snapshot.
func (c *Coordinator) refresh(ctx context.Context) {
	if err := c.guard.Acquire(ctx, 1); err != nil {
		return
	}
	entries := c.store.Load()
	st := c.stats.Get()
	c.guard.Release(1)

	connected := c.conn.Connected(ctx)

	c.mu.Lock()
	c.snap.Queued = len(entries)
	c.snap.Pending = queue.CountPending(entries)
	c.snap.TotalCaptured = st.TotalCaptured
	c.snap.TotalUploaded = st.TotalUploaded
	c.snap.Connected = connected
	c.mu.Unlock()
}

// Snapshot returns the latest counters and run state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Entries returns the persisted queue.
func (c *Coordinator) Entries(ctx context.Context) ([]queue.Entry, error) {
	if err := c.guard.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring store: %w", err)
	}
	defer c.guard.Release(1)
	return c.store.Load(), nil
}

// Enqueue persists a new entry and counts it as captured. It serializes with
// any running processor through the store guard but is never dropped. When
// connected, it then requests a run so the capture is delivered promptly.
func (c *Coordinator) Enqueue(ctx context.Context, capt Capture) (queue.Entry, error) {
	capturedAt := capt.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	e := queue.NewEntry(capt.Payload, capt.Latitude, capt.Longitude, capturedAt)

	if err := c.guard.Acquire(ctx, 1); err != nil {
		return queue.Entry{}, fmt.Errorf("acquiring store: %w", err)
	}
	entries := c.store.Load()
	c.store.Replace(append(entries, e))
	c.stats.IncrementCaptured()
	c.guard.Release(1)

	c.logger.Info("capture queued", "entry_id", e.ID)
	c.refresh(context.WithoutCancel(ctx))

	if c.conn.Connected(ctx) {
		c.post(event{kind: evTrigger, trigger: TriggerCapture})
	}
	return e, nil
}

// NotifyConnectivity reports a connectivity observation. Only a transition to
// connected requests a run. Safe to call from any goroutine; never blocks.
func (c *Coordinator) NotifyConnectivity(connected bool) {
	c.post(event{kind: evConnectivity, connected: connected})
}

// NotifyLifecycle reports an app lifecycle change. Entering the foreground
// requests a run.
func (c *Coordinator) NotifyLifecycle(state string) {
	c.post(event{kind: evLifecycle, state: state})
}

// RequestRun asks for a run on behalf of trigger. It is dropped if a run is
// already in flight.
func (c *Coordinator) RequestRun(trigger Trigger) {
	c.post(event{kind: evTrigger, trigger: trigger})
}

// SyncNow requests a run and waits for it. dropped reports that another run
// was already in flight.
func (c *Coordinator) SyncNow(ctx context.Context) (uploaded int, dropped bool, err error) {
	reply := make(chan outcome, 1)
	select {
	case c.events <- event{kind: evTrigger, trigger: TriggerManual, reply: reply}:
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
	select {
	case out := <-reply:
		return out.uploaded, out.dropped, out.err
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

// BackgroundFetch runs the queue on behalf of an OS scheduler within budget.
// A budget <= 0 uses the configured default. The result is no_data when
// disconnected or when another run is in flight.
func (c *Coordinator) BackgroundFetch(ctx context.Context, budget time.Duration) FetchResult {
	if budget <= 0 {
		budget = c.budget
	}
	if !c.conn.Connected(ctx) {
		return NoData
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	reply := make(chan outcome, 1)
	select {
	case c.events <- event{kind: evTrigger, trigger: TriggerBackground, ctx: runCtx, reply: reply}:
	case <-runCtx.Done():
		return NoData
	}

	select {
	case out := <-reply:
		return fetchResult(out)
	case <-runCtx.Done():
	}

	// The run observes the same deadline and persists before returning.
	grace := time.NewTimer(fetchGrace)
	defer grace.Stop()
	select {
	case out := <-reply:
		return fetchResult(out)
	case <-grace.C:
		c.logger.Warn("background fetch did not finish within budget", "budget", budget)
		return Failed
	}
}

// fetchGrace is how long BackgroundFetch waits for a run to wind down after
// its budget expires.
const fetchGrace = 2 * time.Second

func fetchResult(out outcome) FetchResult {
	return ResultOf(out.uploaded, out.dropped, out.err)
}

// ResultOf maps the outcome of a run to the value reported to a background
// scheduler. Progress wins over an error: a run that uploaded anything
// reports new_data even if it ended early.
func ResultOf(uploaded int, dropped bool, err error) FetchResult {
	switch {
	case dropped:
		return NoData
	case uploaded > 0:
		return NewData
	case err != nil:
		return Failed
	default:
		return NoData
	}
}

func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event queue full; trigger dropped", "trigger", ev.trigger)
	}
}
