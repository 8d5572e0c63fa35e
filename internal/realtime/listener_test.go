package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kilupskalvis/nestsync/internal/clock"
	"github.com/kilupskalvis/nestsync/internal/localstate"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)

func newState() *localstate.State {
	return localstate.New(clock.NewFake(now), nil)
}

func TestChangeEventKind(t *testing.T) {
	for typ, want := range map[string]models.OperationKind{
		"INSERT": models.OperationInsert,
		"update": models.OperationUpdate,
		"DELETE": models.OperationDelete,
	} {
		kind, ok := ChangeEvent{Type: typ}.Kind()
		require.True(t, ok, typ)
		assert.Equal(t, want, kind)
	}
	_, ok := ChangeEvent{Type: "heartbeat"}.Kind()
	assert.False(t, ok)
}

func TestHandle_AppliesAndFilters(t *testing.T) {
	state := newState()
	l := NewListener(Config{URL: "ws://unused", Tables: []string{"birds"}}, state, nil)

	var seen []string
	l.OnChange(func(ev ChangeEvent) { seen = append(seen, ev.Table+"/"+ev.Record.ID()) })

	assert.True(t, l.Handle(ChangeEvent{Type: "INSERT", Table: "birds", Record: models.Record{"id": "b1", "name": "Kiwi"}}))
	assert.False(t, l.Handle(ChangeEvent{Type: "INSERT", Table: "eggs", Record: models.Record{"id": "e1"}}))
	assert.False(t, l.Handle(ChangeEvent{Type: "INSERT", Table: "birds", Record: models.Record{"name": "no id"}}))

	rec, ok := state.Get("birds", "b1")
	require.True(t, ok)
	assert.Equal(t, "Kiwi", rec["name"])
	_, ok = state.Get("eggs", "e1")
	assert.False(t, ok)
	assert.Equal(t, []string{"birds/b1"}, seen)
}

func TestHandle_DeleteUsesOldRecord(t *testing.T) {
	state := newState()
	state.Put("chicks", models.Record{"id": "c1"})
	l := NewListener(Config{URL: "ws://unused"}, state, nil)

	assert.True(t, l.Handle(ChangeEvent{Type: "DELETE", Table: "chicks", OldRecord: models.Record{"id": "c1"}}))
	_, ok := state.Get("chicks", "c1")
	assert.False(t, ok)
}

func TestHandle_StaleChangeIgnored(t *testing.T) {
	state := newState()
	state.Put("birds", models.Record{"id": "b1", "name": "fresh", "updated_at": now.Format(time.RFC3339)})
	l := NewListener(Config{URL: "ws://unused"}, state, nil)

	taken := l.Handle(ChangeEvent{Type: "UPDATE", Table: "birds", Record: models.Record{
		"id": "b1", "name": "old", "updated_at": now.Add(-time.Hour).Format(time.RFC3339),
	}})
	assert.False(t, taken)

	applied, stale := l.Stats()
	assert.Equal(t, int64(0), applied)
	assert.Equal(t, int64(1), stale)
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "wss://db.example.com/realtime", wsURL("https://db.example.com/realtime"))
	assert.Equal(t, "ws://localhost:4000/socket", wsURL("http://localhost:4000/socket"))
	assert.Equal(t, "ws://x", wsURL("ws://x"))
}

// ==================== websocket ====================

var upgrader = websocket.Upgrader{}

func TestRun_ReceivesChanges(t *testing.T) {
	subscribed := make(chan subscribeMessage, 1)
	var apikey atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apikey.Store(r.Header.Get("apikey"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub

		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(ChangeEvent{Type: "INSERT", Table: "birds", Record: models.Record{"id": "b1", "name": "Kiwi"}})
		_ = conn.WriteJSON(ChangeEvent{Type: "UPDATE", Table: "birds", Record: models.Record{"id": "b1", "color": "green"}})

		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	state := newState()
	l := NewListener(Config{URL: srv.URL, APIKey: "anon-key", Tables: []string{"birds"}}, state, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.Type)
		assert.Equal(t, []string{"birds"}, sub.Tables)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never subscribed")
	}

	require.Eventually(t, func() bool {
		rec, ok := state.Get("birds", "b1")
		return ok && rec["color"] == "green"
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, l.Connected())
	assert.Equal(t, "anon-key", apikey.Load())

	rec, _ := state.Get("birds", "b1")
	assert.Equal(t, "Kiwi", rec["name"])

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.False(t, l.Connected())
}

func TestRun_Reconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}

		if conns.Add(1) == 1 {
			// drop the first connection straight away
			return
		}
		_ = conn.WriteJSON(ChangeEvent{Type: "INSERT", Table: "eggs", Record: models.Record{"id": "e1"}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	state := newState()
	l := NewListener(Config{
		URL:       srv.URL,
		Reconnect: retry.New(retry.Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}, nil),
	}, state, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := state.Get("eggs", "e1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}
