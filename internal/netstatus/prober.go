package netstatus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Prober periodically checks reachability of a health URL and feeds the result
// into a Monitor.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
	check    func(ctx context.Context) error
	logger   *slog.Logger
}

// NewProber creates a prober. A zero interval defaults to 15 seconds.
func NewProber(m *Monitor, url string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		monitor:  m,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// NewFuncProber creates a prober that calls check instead of fetching a URL.
// name only appears in logs.
func NewFuncProber(m *Monitor, name string, check func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *Prober {
	p := NewProber(m, name, interval, logger)
	p.check = check
	return p
}

// Check performs a single probe. Any response below 500 counts as reachable.
func (p *Prober) Check(ctx context.Context) error {
	if p.check != nil {
		return p.check(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: HTTP %d", p.url, resp.StatusCode)
	}
	return nil
}

// Probe runs one check and updates the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	err := p.Check(ctx)
	online := err == nil
	if !online && p.monitor.IsOnline() {
		p.logger.Warn("remote unreachable", "url", p.url, "error", err)
	}
	p.monitor.SetOnline(online)
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
