package models

// FailedOperation is a queued operation the engine gave up on
type FailedOperation struct {
	Operation *QueuedOperation `json:"operation"`
	Error     string           `json:"error"`
	Terminal  bool             `json:"terminal"` // dropped from the queue, the user must redo it
}

// DrainResult contains the outcome of a single drain pass
type DrainResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    []FailedOperation `json:"failed"`
	Conflicts []*ConflictRecord `json:"conflicts,omitempty"` // blocking conflicts, items left queued
	Retrying  int               `json:"retrying"`            // failed this pass, still queued
	Resolved  []*ConflictRecord `json:"resolved,omitempty"`  // auto-resolved toward remote
}

// Empty reports whether the drain did nothing at all.
func (r *DrainResult) Empty() bool {
	return r.Succeeded == 0 && len(r.Failed) == 0 && len(r.Conflicts) == 0 && r.Retrying == 0
}

// MutationResult is returned to call sites by the mutation facade
type MutationResult struct {
	Success     bool   `json:"success"`
	Queued      bool   `json:"queued"`
	OperationID string `json:"operation_id,omitempty"`
	RecordID    string `json:"record_id,omitempty"`
	Error       error  `json:"-"`
}

// NotificationSeverity is the user-facing level of a notification
type NotificationSeverity string

const (
	NotifyInfo    NotificationSeverity = "info"
	NotifySuccess NotificationSeverity = "success"
	NotifyWarning NotificationSeverity = "warning"
	NotifyError   NotificationSeverity = "error"
)

// Notification is a user-facing message about sync activity
type Notification struct {
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Severity NotificationSeverity `json:"severity"`
}
