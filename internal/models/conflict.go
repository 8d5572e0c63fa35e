package models

import "time"

// Severity ranks how much a diverging field matters to the user
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Weight returns the score contribution of a severity (high=3, medium=2, low=1).
func (s Severity) Weight() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// ResolutionStrategy defines how a conflict is settled
type ResolutionStrategy string

const (
	ResolveLocal  ResolutionStrategy = "local"  // keep the local version
	ResolveRemote ResolutionStrategy = "remote" // adopt the remote version
	ResolveMerge  ResolutionStrategy = "merge"  // caller supplies the merged payload
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolveLocal, ResolveRemote, ResolveMerge:
		return true
	}
	return false
}

// FieldConflict is a single field on which local and remote disagree
type FieldConflict struct {
	Field       string      `json:"field"`
	LocalValue  interface{} `json:"local_value"`
	RemoteValue interface{} `json:"remote_value"`
	Severity    Severity    `json:"severity"`
}

// ConflictRecord describes a disagreement between local and remote versions of a record
type ConflictRecord struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	LocalVersion   Record          `json:"local_version"`
	RemoteVersion  Record          `json:"remote_version"`
	FieldConflicts []FieldConflict `json:"field_conflicts"`
	ConflictScore  int             `json:"conflict_score"`
	AutoResolvable bool            `json:"auto_resolvable"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// Key returns the registry key "table/id".
func (c *ConflictRecord) Key() string {
	return RecordKey(c.Table, c.ID)
}

// Fields returns the names of the conflicting fields.
func (c *ConflictRecord) Fields() []string {
	names := make([]string, 0, len(c.FieldConflicts))
	for _, fc := range c.FieldConflicts {
		names = append(names, fc.Field)
	}
	return names
}
