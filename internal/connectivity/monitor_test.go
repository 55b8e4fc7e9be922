package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestProbeURLFor(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://192.168.0.30:3000/upload", "http://192.168.0.30:3000/"},
		{"https://api.example.com/v1/upload?x=1", "https://api.example.com/"},
		{"not a url", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ProbeURLFor(tt.endpoint); got != tt.want {
			t.Errorf("ProbeURLFor(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestProbe_AnyResponseIsConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := NewMonitor(srv.URL, time.Minute)
	if !m.Probe(context.Background()) {
		t.Error("Probe() = false for a 404 response, want true")
	}
}

func TestProbe_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	m := NewMonitor(srv.URL, time.Minute)
	if m.Probe(context.Background()) {
		t.Error("Probe() = true for closed server, want false")
	}
}

func TestSet_NotifiesOnlyOnChange(t *testing.T) {
	m := NewMonitor("", 0)

	var mu sync.Mutex
	var seen []bool
	m.OnChange(func(c bool) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	if m.Connected(context.Background()) {
		t.Fatal("Connected() = true before any observation")
	}

	m.Set(false)
	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	want := []bool{false, true, false}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestRun_ProbesImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(srv.URL, time.Hour)
	changed := make(chan bool, 1)
	m.OnChange(func(c bool) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case c := <-changed:
		if !c {
			t.Error("first observation = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no observation from Run")
	}
	if !m.Connected(ctx) {
		t.Error("Connected() = false after successful probe")
	}
}

func TestRun_ReprobeDetectsOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	m := NewMonitor(srv.URL, time.Hour)
	changed := make(chan bool, 4)
	m.OnChange(func(c bool) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if c := <-changed; !c {
		t.Fatal("expected initial connected state")
	}

	srv.Close()
	m.Reprobe()

	select {
	case c := <-changed:
		if c {
			t.Error("state after outage = true, want false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reprobe did not report the outage")
	}
}

func TestRun_DisabledReturns(t *testing.T) {
	m := NewMonitor("", 0)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with no probe URL did not return")
	}
}
