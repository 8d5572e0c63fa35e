package agent

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/nestsync/internal/clock"
)

type ctxKey int

const requestIDKey ctxKey = iota

const headerRequestID = "X-Request-ID"

// requestID returns the id assigned by withRequestID, or "".
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withRequestID tags each request with an id. A caller supplied X-Request-ID
// is kept when it is a UUID so a CLI call and the agent log line can be
// matched up.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// withAccessLog writes one line per request. Health and metrics scrapes go to
// debug.
func withAccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			level := slog.LevelInfo
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code(),
				"bytes", sw.written,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", requestID(r.Context()),
			)
		})
	}
}

// withRecovery turns a handler panic into a 500 if nothing was written yet.
func withRecovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				logger.Error("handler panic", "panic", rec, "path", r.URL.Path, "request_id", requestID(r.Context()))
				if sw.status == 0 {
					writeError(sw, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

// requireToken rejects requests without the configured bearer token.
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "auth_failed", "missing or invalid Authorization header")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hostLimiter allows limit requests per client host per minute. Expired
// windows are swept on access, at most once a minute.
type hostLimiter struct {
	limit int
	clock clock.Clock

	mu        sync.Mutex
	counts    map[string]int
	resets    map[string]time.Time
	lastSweep time.Time
}

func newHostLimiter(limit int, clk clock.Clock) *hostLimiter {
	if clk == nil {
		clk = clock.System{}
	}
	return &hostLimiter{
		limit:  limit,
		clock:  clk,
		counts: make(map[string]int),
		resets: make(map[string]time.Time),
	}
}

// allow counts one request from host and reports whether it is within limit.
func (l *hostLimiter) allow(host string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= time.Minute {
		for h, reset := range l.resets {
			if !now.Before(reset) {
				delete(l.resets, h)
				delete(l.counts, h)
			}
		}
		l.lastSweep = now
	}
	if reset, ok := l.resets[host]; !ok || !now.Before(reset) {
		l.resets[host] = now.Add(time.Minute)
		l.counts[host] = 0
	}
	l.counts[host]++
	return l.counts[host] <= l.limit
}

// reset forgets all windows.
func (l *hostLimiter) reset() {
	l.mu.Lock()
	l.counts = make(map[string]int)
	l.resets = make(map[string]time.Time)
	l.mu.Unlock()
}

func (l *hostLimiter) middleware(next http.Handler) http.Handler {
	if l.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.allow(host) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
