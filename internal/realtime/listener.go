// Package realtime follows the remote store's change feed over a websocket
// and writes pushed changes into local state.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/retry"
)

// ChangeEvent is one row change pushed by the remote store.
type ChangeEvent struct {
	Type      string        `json:"type"` // INSERT, UPDATE or DELETE
	Table     string        `json:"table"`
	Record    models.Record `json:"record,omitempty"`
	OldRecord models.Record `json:"old_record,omitempty"`
}

// Kind maps the event type to an operation kind.
func (e ChangeEvent) Kind() (models.OperationKind, bool) {
	switch strings.ToUpper(e.Type) {
	case "INSERT":
		return models.OperationInsert, true
	case "UPDATE":
		return models.OperationUpdate, true
	case "DELETE":
		return models.OperationDelete, true
	}
	return "", false
}

// subscribeMessage is sent once after connecting.
type subscribeMessage struct {
	Type   string   `json:"type"`
	Tables []string `json:"tables,omitempty"`
}

// Applier receives remote changes. It reports whether the change was taken.
type Applier interface {
	ApplyRemote(table string, kind models.OperationKind, rec models.Record) bool
}

// Config configures a Listener.
type Config struct {
	URL    string   // ws:// or wss:// endpoint; http(s) is rewritten
	APIKey string   // sent as the apikey header
	Tables []string // empty means every table

	// Reconnect provides the delay between reconnect attempts.
	Reconnect *retry.Scheduler
}

// Listener keeps a websocket open to the change feed, reconnecting with
// backoff until its context ends.
type Listener struct {
	cfg    Config
	state  Applier
	dialer *websocket.Dialer
	logger *slog.Logger
	tables map[string]bool

	connected atomic.Bool
	applied   atomic.Int64
	stale     atomic.Int64

	mu       sync.Mutex
	onChange []func(ChangeEvent)
}

// NewListener creates a Listener.
func NewListener(cfg Config, state Applier, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.New(retry.Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second}, logger)
	}
	cfg.URL = wsURL(cfg.URL)

	tables := make(map[string]bool, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tables[t] = true
	}
	return &Listener{
		cfg:    cfg,
		state:  state,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		tables: tables,
	}
}

// OnChange registers fn to run after each change that was applied.
func (l *Listener) OnChange(fn func(ChangeEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Connected reports whether the feed is currently open.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Stats returns how many pushed changes were applied and how many were
// ignored as older than local state.
func (l *Listener) Stats() (applied, stale int64) {
	return l.applied.Load(), l.stale.Load()
}

// Run listens until ctx is done, reconnecting after every failure.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := l.cfg.Reconnect.Backoff(attempt)
		attempt++
		l.logger.Warn("realtime feed lost, reconnecting", "error", err, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// listen runs one connection. It reports whether the dial succeeded.
func (l *Listener) listen(ctx context.Context) (bool, error) {
	header := http.Header{}
	if l.cfg.APIKey != "" {
		header.Set("apikey", l.cfg.APIKey)
	}
	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial realtime feed: %w (HTTP %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial realtime feed: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Tables: l.cfg.Tables}); err != nil {
		return true, fmt.Errorf("subscribe: %w", err)
	}

	l.connected.Store(true)
	defer l.connected.Store(false)
	l.logger.Info("realtime feed connected", "url", l.cfg.URL, "tables", l.cfg.Tables)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("feed closed by server")
			}
			return true, fmt.Errorf("read: %w", err)
		}

		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Warn("ignoring malformed realtime message", "error", err)
			continue
		}
		l.Handle(ev)
	}
}

// Handle applies one change event to local state.
func (l *Listener) Handle(ev ChangeEvent) bool {
	kind, ok := ev.Kind()
	if !ok {
		l.logger.Debug("ignoring realtime message", "type", ev.Type)
		return false
	}
	if len(l.tables) > 0 && !l.tables[ev.Table] {
		return false
	}

	rec := ev.Record
	if kind == models.OperationDelete && rec.ID() == "" {
		rec = ev.OldRecord
	}
	if rec.ID() == "" {
		l.logger.Warn("realtime change without record id", "table", ev.Table, "type", ev.Type)
		return false
	}

	if !l.state.ApplyRemote(ev.Table, kind, rec) {
		l.stale.Add(1)
		return false
	}
	l.applied.Add(1)
	l.logger.Debug("applied realtime change", "table", ev.Table, "kind", kind, "record_id", rec.ID())

	l.mu.Lock()
	hooks := append([]func(ChangeEvent){}, l.onChange...)
	l.mu.Unlock()
	for _, fn := range hooks {
		fn(ev)
	}
	return true
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
