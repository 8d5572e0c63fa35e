package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kilupskalvis/nestsync/internal/clock"
	"github.com/kilupskalvis/nestsync/internal/engine"
	"github.com/kilupskalvis/nestsync/internal/localstate"
	"github.com/kilupskalvis/nestsync/internal/metrics"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/mutation"
	"github.com/kilupskalvis/nestsync/internal/netstatus"
	"github.com/kilupskalvis/nestsync/internal/notify"
	"github.com/kilupskalvis/nestsync/internal/queue"
	"github.com/kilupskalvis/nestsync/internal/remote"
	"github.com/kilupskalvis/nestsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAgent struct {
	srv    *httptest.Server
	queue  *queue.Queue
	remote *remote.MockStore
	net    *netstatus.Monitor
	local  *localstate.State
	engine *engine.Engine
}

func newTestAgent(t *testing.T, online bool, cfg *Config) *testAgent {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC))
	ta := &testAgent{
		queue:  queue.New(queue.NewMemoryStore(), queue.Options{Clock: clk}),
		remote: remote.NewMockStore(),
		net:    netstatus.NewMonitor(online),
		local:  localstate.New(clk, nil),
	}
	sched := retry.New(retry.Config{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: 8 * time.Second}, nil)
	notes := notify.NewRecorder(0)
	m := metrics.New()

	ta.engine = engine.New(engine.Options{
		Queue:    ta.queue,
		Remote:   ta.remote,
		Network:  ta.net,
		Retry:    sched,
		Local:    ta.local,
		Notifier: notes,
		Metrics:  m,
		Clock:    clk,
	})
	facade := mutation.New(mutation.Options{
		Queue:    ta.queue,
		Remote:   ta.remote,
		Network:  ta.net,
		Local:    ta.local,
		Retry:    sched,
		Notifier: notes,
		Metrics:  m,
	})

	handler, cleanup := Handler(Deps{
		Engine:        ta.engine,
		Facade:        facade,
		Queue:         ta.queue,
		Network:       ta.net,
		Records:       ta.local,
		Notifications: notes,
		Metrics:       m,
	}, cfg, nil)
	ta.srv = httptest.NewServer(handler)
	t.Cleanup(func() {
		ta.srv.Close()
		cleanup()
	})
	return ta
}

func (ta *testAgent) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ta.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	ta := newTestAgent(t, true, nil)
	resp := ta.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	ta := newTestAgent(t, true, nil)
	resp := ta.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMutate_OnlineSucceeds(t *testing.T) {
	ta := newTestAgent(t, true, nil)

	resp := ta.do(t, http.MethodPost, "/v1/mutations", MutationRequest{
		Table: "birds", Kind: models.OperationInsert, Payload: models.Record{"id": "b1", "name": "Kiwi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out MutationResponse
	decode(t, resp, &out)
	assert.True(t, out.Success)
	assert.Equal(t, "b1", out.RecordID)
	assert.Equal(t, "Kiwi", ta.remote.Get("birds", "b1")["name"])
}

func TestMutate_OfflineQueuesThenDrain(t *testing.T) {
	ta := newTestAgent(t, false, nil)

	resp := ta.do(t, http.MethodPost, "/v1/mutations", MutationRequest{
		Table: "birds", Kind: models.OperationInsert, Payload: models.Record{"id": "b1", "name": "Kiwi"}, Context: "Add Kiwi",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out MutationResponse
	decode(t, resp, &out)
	assert.True(t, out.Queued)
	assert.NotEmpty(t, out.OperationID)

	resp = ta.do(t, http.MethodGet, "/v1/queue", nil)
	var ops []models.QueuedOperation
	decode(t, resp, &ops)
	require.Len(t, ops, 1)
	assert.Equal(t, "Add Kiwi", ops[0].Context)

	resp = ta.do(t, http.MethodGet, "/v1/status", nil)
	var st Status
	decode(t, resp, &st)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.QueueDepth)
	assert.NotNil(t, st.OldestQueuedAt)

	ta.net.SetOnline(true)
	resp = ta.do(t, http.MethodPost, "/v1/drain", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res models.DrainResult
	decode(t, resp, &res)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, ta.queue.Size())
}

func TestMutate_BadRequests(t *testing.T) {
	ta := newTestAgent(t, true, nil)

	resp := ta.do(t, http.MethodPost, "/v1/mutations", MutationRequest{Kind: models.OperationInsert})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/v1/mutations", MutationRequest{Table: "birds", Kind: "upsert", Payload: models.Record{"id": "b1"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ta.srv.URL+"/v1/mutations", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestMutate_RejectedByRemote(t *testing.T) {
	ta := newTestAgent(t, true, nil)
	ta.remote.FailNext(&remote.RemoteError{Code: "invalid", Message: "ring number taken", Status: http.StatusUnprocessableEntity})

	resp := ta.do(t, http.MethodPost, "/v1/mutations", MutationRequest{
		Table: "birds", Kind: models.OperationInsert, Payload: models.Record{"id": "b1", "name": "Kiwi"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var out MutationResponse
	decode(t, resp, &out)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "ring number taken")

	_, ok := ta.local.Get("birds", "b1")
	assert.False(t, ok)
}

func TestDropQueued(t *testing.T) {
	ta := newTestAgent(t, false, nil)
	id, err := ta.queue.Enqueue("birds", models.OperationInsert, models.Record{"id": "b1"}, "")
	require.NoError(t, err)

	resp := ta.do(t, http.MethodDelete, "/v1/queue/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, ta.queue.Size())

	resp = ta.do(t, http.MethodDelete, "/v1/queue/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConflicts_ListAndResolve(t *testing.T) {
	ta := newTestAgent(t, true, nil)
	ta.remote.Put("birds", models.Record{"id": "b1", "name": "Kea", "sync_version": 2})
	ta.local.Put("birds", models.Record{"id": "b1", "name": "Kiwi", "sync_version": 1})
	_, err := ta.queue.Enqueue("birds", models.OperationUpdate, models.Record{"id": "b1", "name": "Kiwi"}, "Rename")
	require.NoError(t, err)

	resp := ta.do(t, http.MethodPost, "/v1/drain", nil)
	var res models.DrainResult
	decode(t, resp, &res)
	require.Len(t, res.Conflicts, 1)

	resp = ta.do(t, http.MethodGet, "/v1/conflicts", nil)
	var pending []models.ConflictRecord
	decode(t, resp, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "b1", pending[0].ID)

	resp = ta.do(t, http.MethodPost, "/v1/conflicts/birds/b1/resolve", ResolveRequest{Strategy: "coin-flip"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/v1/conflicts/birds/b1/resolve", ResolveRequest{Strategy: models.ResolveMerge})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/v1/conflicts/birds/b1/resolve", ResolveRequest{Strategy: models.ResolveRemote})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var final models.Record
	decode(t, resp, &final)
	assert.Equal(t, "Kea", final["name"])
	assert.Equal(t, 0, ta.queue.Size())

	resp = ta.do(t, http.MethodPost, "/v1/conflicts/birds/b1/resolve", ResolveRequest{Strategy: models.ResolveRemote})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordsAndNotifications(t *testing.T) {
	ta := newTestAgent(t, false, nil)
	ta.do(t, http.MethodPost, "/v1/mutations", MutationRequest{
		Table: "eggs", Kind: models.OperationInsert, Payload: models.Record{"id": "e1", "status": "laid"},
	})

	resp := ta.do(t, http.MethodGet, "/v1/records/eggs", nil)
	var recs []models.Record
	decode(t, resp, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "laid", recs[0]["status"])

	resp = ta.do(t, http.MethodGet, "/v1/notifications", nil)
	var notes []models.Notification
	decode(t, resp, &notes)
	require.NotEmpty(t, notes)
	assert.Equal(t, models.NotifyInfo, notes[len(notes)-1].Severity)
}

func TestTokenAuth(t *testing.T) {
	ta := newTestAgent(t, true, &Config{Token: "s3cret"})

	resp := ta.do(t, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ta.srv.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	// health stays open
	resp = ta.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ta := newTestAgent(t, true, &Config{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		resp := ta.do(t, http.MethodGet, "/v1/status", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := ta.do(t, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestWithRecovery(t *testing.T) {
	h := withRecovery(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWithRequestID(t *testing.T) {
	var seen string
	h := withRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "0b7e2a52-93c4-4f0e-9d44-3c2f3f6f8e11")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "0b7e2a52-93c4-4f0e-9d44-3c2f3f6f8e11", seen)
	assert.Equal(t, seen, rec.Header().Get(headerRequestID))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "not-a-uuid")
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", seen)
	assert.Len(t, seen, 36)
}

func TestHostLimiter_WindowResets(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC))
	l := newHostLimiter(2, clk)

	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))

	clk.Advance(time.Minute)
	assert.True(t, l.allow("10.0.0.1"))

	l.reset()
	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
