package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/fieldsync/internal/delivery"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/upload"
)

type fakeConn struct{ v atomic.Bool }

func (f *fakeConn) Connected(context.Context) bool { return f.v.Load() }

func connState(connected bool) *fakeConn {
	c := &fakeConn{}
	c.v.Store(connected)
	return c
}

type fakeRunner struct {
	calls atomic.Int32
	runFn func(ctx context.Context) (int, error)
}

func (f *fakeRunner) RunOnce(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if f.runFn == nil {
		return 0, nil
	}
	return f.runFn(ctx)
}

type harness struct {
	db    *storage.Store
	store *queue.Store
	stats *queue.Tracker
	guard *semaphore.Weighted
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	qs := queue.NewStore(db)
	return &harness{db: db, store: qs, stats: queue.NewTracker(qs), guard: semaphore.NewWeighted(1)}
}

func (h *harness) coordinator(r Runner, conn ConnectivityChecker, opts Options) *Coordinator {
	return New(h.store, h.stats, r, conn, h.guard, opts)
}

// start runs c in the background and stops it when the test ends.
func start(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_StartupRun(t *testing.T) {
	h := newHarness(t)
	r := &fakeRunner{}
	c := h.coordinator(r, connState(true), Options{PollInterval: time.Hour})
	start(t, c)

	waitFor(t, "startup run", func() bool { return c.Snapshot().Runs == 1 })
	if got := c.Snapshot().LastRunTrigger; got != TriggerStartup {
		t.Errorf("LastRunTrigger = %q, want %q", got, TriggerStartup)
	}
}

func TestTriggers_SingleFlight(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	r := &fakeRunner{runFn: func(ctx context.Context) (int, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		defer inFlight.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 0, nil
	}}
	c := h.coordinator(r, connState(true), Options{PollInterval: time.Hour})
	start(t, c)

	waitFor(t, "startup run in flight", func() bool { return c.Snapshot().Running })

	c.RequestRun(TriggerManual)
	c.NotifyLifecycle(StateForeground)
	c.NotifyConnectivity(false)
	c.NotifyConnectivity(true)
	c.RequestRun(TriggerManual)

	waitFor(t, "dropped triggers", func() bool { return c.Snapshot().DroppedTriggers == 4 })
	close(release)
	waitFor(t, "run finished", func() bool { return !c.Snapshot().Running && c.Snapshot().Runs == 1 })

	if n := r.calls.Load(); n != 1 {
		t.Errorf("runner called %d times, want 1", n)
	}
	if m := maxInFlight.Load(); m != 1 {
		t.Errorf("max concurrent runs = %d, want 1", m)
	}
}

func TestConnectivity_RisingEdgeOnly(t *testing.T) {
	h := newHarness(t)
	r := &fakeRunner{}
	conn := connState(false)
	c := h.coordinator(r, conn, Options{PollInterval: time.Hour})
	start(t, c)
	waitFor(t, "startup run", func() bool { return c.Snapshot().Runs == 1 })

	c.NotifyConnectivity(false)
	conn.v.Store(true)
	c.NotifyConnectivity(true)
	waitFor(t, "connectivity run", func() bool { return c.Snapshot().Runs == 2 })
	if got := c.Snapshot().LastRunTrigger; got != TriggerConnectivity {
		t.Errorf("LastRunTrigger = %q, want connectivity", got)
	}

	c.NotifyConnectivity(true)
	_, dropped, err := c.SyncNow(context.Background())
	if err != nil || dropped {
		t.Fatalf("SyncNow = dropped:%v err:%v", dropped, err)
	}
	if runs := c.Snapshot().Runs; runs != 3 {
		t.Errorf("Runs = %d, want 3 (repeated connected report must not run)", runs)
	}
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t)
	r := &fakeRunner{}
	c := h.coordinator(r, connState(true), Options{PollInterval: time.Hour})
	start(t, c)
	waitFor(t, "startup run", func() bool { return c.Snapshot().Runs == 1 })

	c.NotifyLifecycle(StateBackground)
	c.NotifyLifecycle(StateForeground)
	waitFor(t, "foreground run", func() bool { return c.Snapshot().Runs == 2 })
	if got := c.Snapshot().LastRunTrigger; got != TriggerForeground {
		t.Errorf("LastRunTrigger = %q, want foreground", got)
	}
}

func TestTimer_OnlyWhenPending(t *testing.T) {
	h := newHarness(t)
	r := &fakeRunner{}
	c := h.coordinator(r, connState(false), Options{PollInterval: 10 * time.Millisecond})
	start(t, c)
	waitFor(t, "startup run", func() bool { return c.Snapshot().Runs == 1 })

	time.Sleep(80 * time.Millisecond)
	if runs := c.Snapshot().Runs; runs != 1 {
		t.Fatalf("Runs = %d with empty queue, want 1", runs)
	}

	if _, err := c.Enqueue(context.Background(), Capture{Payload: queue.Payload{URI: "/a.jpg"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "timer run", func() bool {
		s := c.Snapshot()
		return s.Runs >= 2 && s.LastRunTrigger == TriggerTimer
	})
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(&fakeRunner{}, connState(false), Options{PollInterval: time.Hour})

	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	e, err := c.Enqueue(context.Background(), Capture{
		Payload:    queue.Payload{URI: "/a.jpg"},
		Latitude:   48.85,
		Longitude:  2.35,
		CapturedAt: at,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if e.ID == "" || e.Attempts != 0 || e.Uploaded || !e.CapturedAt.Equal(at) {
		t.Errorf("entry = %+v", e)
	}

	entries := h.store.Load()
	if len(entries) != 1 || entries[0].ID != e.ID {
		t.Fatalf("persisted = %+v", entries)
	}
	if st := h.stats.Get(); st.TotalCaptured != 1 {
		t.Errorf("TotalCaptured = %d, want 1", st.TotalCaptured)
	}
	s := c.Snapshot()
	if s.Pending != 1 || s.Queued != 1 || s.TotalCaptured != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestEnqueue_WaitsForGuard(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(&fakeRunner{}, connState(false), Options{})

	if err := h.guard.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Enqueue(ctx, Capture{Payload: queue.Payload{URI: "/a.jpg"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue error = %v, want deadline exceeded", err)
	}
	h.guard.Release(1)

	if got := h.store.Load(); len(got) != 0 {
		t.Errorf("entry persisted despite failed enqueue: %v", got)
	}
}

func TestEnqueue_ConnectedRequestsRun(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(&fakeRunner{}, connState(true), Options{PollInterval: time.Hour})
	start(t, c)
	waitFor(t, "startup run", func() bool { return c.Snapshot().Runs == 1 })

	if _, err := c.Enqueue(context.Background(), Capture{Payload: queue.Payload{URI: "/a.jpg"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "capture run", func() bool { return c.Snapshot().LastRunTrigger == TriggerCapture })
}

func TestBackgroundFetch(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		runFn     func(ctx context.Context) (int, error)
		want      FetchResult
		wantCalls int32
	}{
		{"disconnected", false, nil, NoData, 0},
		{"uploaded", true, func(context.Context) (int, error) { return 2, nil }, NewData, 1},
		{"nothing", true, func(context.Context) (int, error) { return 0, nil }, NoData, 1},
		{"error", true, func(context.Context) (int, error) { return 0, errors.New("boom") }, Failed, 1},
		{"budget expired with progress", true, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 1, ctx.Err()
		}, NewData, 1},
		{"budget expired without progress", true, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}, Failed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			r := &fakeRunner{runFn: tt.runFn}
			c := h.coordinator(r, connState(tt.connected), Options{PollInterval: time.Hour})
			// Loop driven without the startup run.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go c.serve(ctx)

			got := c.BackgroundFetch(context.Background(), 50*time.Millisecond)
			if got != tt.want {
				t.Errorf("BackgroundFetch = %q, want %q", got, tt.want)
			}
			if n := r.calls.Load(); n != tt.wantCalls {
				t.Errorf("runner calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestBackgroundFetch_DroppedWhileRunning(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	r := &fakeRunner{runFn: func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	}}
	c := h.coordinator(r, connState(true), Options{PollInterval: time.Hour})
	start(t, c)
	defer close(release)
	waitFor(t, "startup run in flight", func() bool { return c.Snapshot().Running })

	if got := c.BackgroundFetch(context.Background(), time.Second); got != NoData {
		t.Errorf("BackgroundFetch = %q while running, want no_data", got)
	}
	if n := r.calls.Load(); n != 1 {
		t.Errorf("runner calls = %d, want 1", n)
	}
}

func TestBackgroundFetch_RunContextHasDeadline(t *testing.T) {
	h := newHarness(t)
	var hadDeadline atomic.Bool
	r := &fakeRunner{runFn: func(ctx context.Context) (int, error) {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		return 0, nil
	}}
	c := h.coordinator(r, connState(true), Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.serve(ctx)

	c.BackgroundFetch(context.Background(), time.Second)
	if !hadDeadline.Load() {
		t.Error("background run context has no deadline")
	}
}

// TestEndToEnd_OfflineThenReconnect drives the real processor: captures made
// offline are delivered after connectivity returns.
func TestEndToEnd_OfflineThenReconnect(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := newHarness(t)
	conn := connState(false)
	proc := delivery.NewProcessor(h.store, h.stats, upload.New(srv.URL, "", time.Second), conn,
		delivery.Options{Guard: h.guard})
	c := h.coordinator(proc, conn, Options{PollInterval: time.Hour})
	start(t, c)

	img := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(img, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Enqueue(context.Background(), Capture{Payload: queue.Payload{URI: img}}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if s := c.Snapshot(); s.Pending != 3 || s.TotalUploaded != 0 {
		t.Fatalf("offline snapshot = %+v", s)
	}

	conn.v.Store(true)
	c.NotifyConnectivity(true)

	waitFor(t, "queue drained", func() bool {
		s := c.Snapshot()
		return s.Pending == 0 && s.TotalUploaded == 3
	})
	if n := received.Load(); n != 3 {
		t.Errorf("server received %d uploads, want 3", n)
	}
	if s := c.Snapshot(); s.TotalCaptured != 3 {
		t.Errorf("TotalCaptured = %d, want 3", s.TotalCaptured)
	}
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		uploaded int
		dropped  bool
		err      error
		want     FetchResult
	}{
		{0, false, nil, NoData},
		{2, false, nil, NewData},
		{2, false, context.DeadlineExceeded, NewData},
		{0, false, context.DeadlineExceeded, Failed},
		{0, true, nil, NoData},
	}
	for _, tt := range tests {
		if got := ResultOf(tt.uploaded, tt.dropped, tt.err); got != tt.want {
			t.Errorf("ResultOf(%d, %v, %v) = %s, want %s", tt.uploaded, tt.dropped, tt.err, got, tt.want)
		}
	}
}
