package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Monitor tracks network reachability by probing a URL and accepting
// explicit reports from the host shell. Any HTTP response from the probe
// counts as connected; only transport failures count as disconnected.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	known     bool
	listeners []func(bool)

	wake chan struct{}
}

// NewMonitor creates a Monitor probing probeURL every interval. An empty
// probeURL disables probing; state then changes only through Set.
// If interval is <= 0, it defaults to 10s.
func NewMonitor(probeURL string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 3 * time.Second},
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}
}

// ProbeURLFor derives a probe target from an endpoint: its scheme and host.
func ProbeURLFor(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// Connected returns the last observed state. Before the first observation
// it reports false.
func (m *Monitor) Connected(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// OnChange registers fn to be called after every state change, including the
// first observation. Callbacks run on the goroutine that observed the change
// and must not block.
func (m *Monitor) OnChange(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Set records an externally observed state, e.g. an OS network callback.
func (m *Monitor) Set(connected bool) {
	m.mu.Lock()
	changed := !m.known || m.connected != connected
	m.known = true
	m.connected = connected
	var listeners []func(bool)
	if changed {
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connectivity changed", "connected", connected)
	for _, fn := range listeners {
		fn(connected)
	}
}

// Reprobe asks the Run loop to probe now instead of waiting for the next tick.
func (m *Monitor) Reprobe() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run probes until ctx is cancelled. It returns immediately if probing is
// disabled.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		m.logger.Info("connectivity probing disabled; waiting for reported state")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Set(m.Probe(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// Probe performs a single reachability check.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("connectivity probe failed", "url", m.probeURL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
