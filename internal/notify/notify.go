// Package notify delivers user-facing sync notifications: queued and rejected
// mutations, drain summaries, conflicts.
package notify

import (
	"log/slog"
	"sync"

	"github.com/kilupskalvis/nestsync/internal/models"
)

// Notifier receives user-facing notifications. Implementations must not
// block the caller for long.
type Notifier interface {
	Notify(n models.Notification)
}

// Func adapts a function to Notifier.
type Func func(n models.Notification)

// Notify calls f(n).
func (f Func) Notify(n models.Notification) { f(n) }

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(models.Notification) {}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// Notify delivers n to every non-nil notifier.
func (m Multi) Notify(n models.Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger means slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs at a level matching the severity.
func (l *LogNotifier) Notify(n models.Notification) {
	attrs := []any{"title", n.Title, "severity", string(n.Severity)}
	switch n.Severity {
	case models.NotifyError:
		l.logger.Error(n.Message, attrs...)
	case models.NotifyWarning:
		l.logger.Warn(n.Message, attrs...)
	default:
		l.logger.Info(n.Message, attrs...)
	}
}

// Recorder keeps every notification in memory. Used by tests and the agent's
// recent-activity view.
type Recorder struct {
	mu    sync.Mutex
	items []models.Notification
	limit int
}

// NewRecorder creates a Recorder keeping at most limit items (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify records n.
func (r *Recorder) Notify(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if r.limit > 0 && len(r.items) > r.limit {
		r.items = r.items[len(r.items)-r.limit:]
	}
}

// All returns a copy of the recorded notifications, oldest first.
func (r *Recorder) All() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.items...)
}

// Last returns the most recent notification.
func (r *Recorder) Last() (models.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return models.Notification{}, false
	}
	return r.items[len(r.items)-1], true
}

// BySeverity returns the recorded notifications with severity s.
func (r *Recorder) BySeverity(s models.NotificationSeverity) []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.items {
		if n.Severity == s {
			out = append(out, n)
		}
	}
	return out
}

// Reset drops every recorded notification.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}
