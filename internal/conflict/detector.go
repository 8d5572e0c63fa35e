// Package conflict detects disagreements between the local and remote
// versions of a record and keeps the ones that need a user decision.
package conflict

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/kilupskalvis/nestsync/internal/clock"
	"github.com/kilupskalvis/nestsync/internal/models"
)

// DefaultTimestampTolerance is how far apart two modification times may be
// and still count as the same write.
const DefaultTimestampTolerance = time.Second

// excludedFields are bookkeeping columns never compared.
var excludedFields = map[string]bool{
	models.FieldID:           true,
	models.FieldUserID:       true,
	models.FieldCreatedAt:    true,
	models.FieldUpdatedAt:    true,
	models.FieldLastModified: true,
	models.FieldSyncVersion:  true,
}

// defaultSeverities classify fields for every table unless overridden.
var defaultSeverities = map[string]models.Severity{
	// identity and lifecycle
	"status":        models.SeverityHigh,
	"name":          models.SeverityHigh,
	"species":       models.SeverityHigh,
	"ring_number":   models.SeverityHigh,
	"gender":        models.SeverityHigh,
	"sex":           models.SeverityHigh,
	"mother_id":     models.SeverityHigh,
	"father_id":     models.SeverityHigh,
	"bird_id":       models.SeverityHigh,
	"incubation_id": models.SeverityHigh,
	"egg_id":        models.SeverityHigh,

	// descriptive
	"notes":       models.SeverityMedium,
	"description": models.SeverityMedium,
	"color":       models.SeverityMedium,
	"location":    models.SeverityMedium,
	"title":       models.SeverityMedium,
	"comment":     models.SeverityMedium,
}

// Detector compares local and remote records.
type Detector struct {
	overrides map[string]map[string]models.Severity // table -> field -> severity
	tolerance time.Duration
	clock     clock.Clock
}

// Option configures a Detector.
type Option func(*Detector)

// WithSeverities overrides field severities for one table.
func WithSeverities(table string, fields map[string]models.Severity) Option {
	return func(d *Detector) {
		if d.overrides[table] == nil {
			d.overrides[table] = make(map[string]models.Severity)
		}
		for f, s := range fields {
			d.overrides[table][f] = s
		}
	}
}

// WithTolerance sets the timestamp tolerance.
func WithTolerance(tol time.Duration) Option {
	return func(d *Detector) { d.tolerance = tol }
}

// WithClock sets the clock used for DetectedAt.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// NewDetector creates a Detector with the built-in severities.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		overrides: make(map[string]map[string]models.Severity),
		tolerance: DefaultTimestampTolerance,
		clock:     clock.System{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Severity classifies a field of a table.
func (d *Detector) Severity(table, field string) models.Severity {
	if fields, ok := d.overrides[table]; ok {
		if s, ok := fields[field]; ok {
			return s
		}
	}
	if s, ok := defaultSeverities[field]; ok {
		return s
	}
	return models.SeverityLow
}

// Detect returns a ConflictRecord when local and remote disagree, or nil.
// A missing side means there is nothing to conflict with.
func (d *Detector) Detect(local, remote models.Record, table string) *models.ConflictRecord {
	if local == nil || remote == nil {
		return nil
	}
	if sameWrite(local, remote, d.tolerance) {
		return nil
	}

	var fields []string
	for field := range local {
		if excludedFields[field] {
			continue
		}
		if _, ok := remote[field]; ok {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	var conflicts []models.FieldConflict
	score := 0
	autoResolvable := true
	for _, field := range fields {
		lv, rv := local[field], remote[field]
		if valuesEqual(lv, rv) {
			continue
		}
		sev := d.Severity(table, field)
		conflicts = append(conflicts, models.FieldConflict{
			Field:       field,
			LocalValue:  lv,
			RemoteValue: rv,
			Severity:    sev,
		})
		score += sev.Weight()
		if sev != models.SeverityLow {
			autoResolvable = false
		}
	}
	if len(conflicts) == 0 {
		return nil
	}

	id := local.ID()
	if id == "" {
		id = remote.ID()
	}
	return &models.ConflictRecord{
		ID:             id,
		Table:          table,
		LocalVersion:   local.Clone(),
		RemoteVersion:  remote.Clone(),
		FieldConflicts: conflicts,
		ConflictScore:  score,
		AutoResolvable: autoResolvable,
		DetectedAt:     d.clock.Now(),
	}
}

// sameWrite reports whether both sides carry the same version, or
// modification times within tolerance. Without either, the sides are
// assumed to disagree.
func sameWrite(local, remote models.Record, tolerance time.Duration) bool {
	lv, lok := local.SyncVersion()
	rv, rok := remote.SyncVersion()
	if lok && rok {
		return lv == rv
	}

	lt, lok := local.ModifiedAt()
	rt, rok := remote.ModifiedAt()
	if lok && rok {
		diff := lt.Sub(rt)
		if diff < 0 {
			diff = -diff
		}
		return diff <= tolerance
	}
	return false
}

// valuesEqual compares two decoded field values, treating all numeric types
// as float64 and nested maps/slices structurally.
func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case models.Record:
		return normalize(map[string]interface{}(n))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, val := range n {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, val := range n {
			out[i] = normalize(val)
		}
		return out
	case []string:
		out := make([]interface{}, len(n))
		for i, val := range n {
			out[i] = val
		}
		return out
	}
	return v
}
