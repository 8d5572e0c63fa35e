// Package models defines the core data structures used throughout nestsync
// including records, queued operations, conflicts and sync results.
package models

import (
	"fmt"
	"strconv"
	"time"
)

// Well-known record fields.
const (
	FieldID           = "id"
	FieldUserID       = "user_id"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"
	FieldLastModified = "last_modified"
	FieldSyncVersion  = "sync_version"
)

// Record is a single row of a table as a field map
type Record map[string]interface{}

// RecordKey returns the unique key for a record
func RecordKey(table, recordID string) string {
	return table + "/" + recordID
}

// ID returns the record's id field as a string, or "" if missing.
func (r Record) ID() string {
	v, ok := r[FieldID]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

// Clone returns a shallow copy of the field map. Nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Merge returns a copy of r with every field of newer applied on top.
func (r Record) Merge(newer Record) Record {
	merged := r.Clone()
	if merged == nil {
		merged = make(Record, len(newer))
	}
	for k, v := range newer {
		merged[k] = v
	}
	return merged
}

// versionFields identify which write of a record a copy reflects.
var versionFields = []string{FieldSyncVersion, FieldUpdatedAt, FieldLastModified}

// Versions returns only the version fields of r, or nil when it has none.
func (r Record) Versions() Record {
	var out Record
	for _, f := range versionFields {
		if v, ok := r[f]; ok && v != nil {
			if out == nil {
				out = make(Record, len(versionFields))
			}
			out[f] = v
		}
	}
	return out
}

// HasVersion reports whether r carries a sync_version or a modification time.
func (r Record) HasVersion() bool {
	if _, ok := r.SyncVersion(); ok {
		return true
	}
	_, ok := r.ModifiedAt()
	return ok
}

// SyncVersion returns the sync_version field if present and numeric.
func (r Record) SyncVersion() (int64, bool) {
	v, ok := r[FieldSyncVersion]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// ModifiedAt returns last_modified, falling back to updated_at.
func (r Record) ModifiedAt() (time.Time, bool) {
	for _, field := range []string{FieldLastModified, FieldUpdatedAt} {
		if t, ok := parseTime(r[field]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTime accepts RFC3339 strings, time.Time values and unix milliseconds.
func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		formats := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02T15:04:05.999999",
			"2006-01-02 15:04:05",
		}
		for _, f := range formats {
			if parsed, err := time.Parse(f, t); err == nil {
				return parsed, true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	}
	return time.Time{}, false
}
