// Package postgres implements remote.Store directly against a Postgres
// database, for deployments that reach the backend's database without going
// through its REST layer.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/remote"
)

const driverName = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex

	validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Store applies mutations as single SQL statements.
type Store struct {
	db *sql.DB
}

var _ remote.Store = (*Store)(nil)

// Connect prepares a handle for dsn without contacting the server, so an agent
// can start while the database is unreachable.
func Connect(dsn string) (*Store, error) {
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	s, err := Connect(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return s, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// Apply executes one insert, update or delete. Inserts and updates return the
// stored row.
func (s *Store) Apply(ctx context.Context, m models.Mutation) (models.Record, error) {
	if err := checkName(m.Table); err != nil {
		return nil, err
	}
	if m.RecordID == "" {
		return nil, remote.NewValidationError("mutation has no record id")
	}

	var (
		query string
		args  []any
		err   error
	)
	switch m.Kind {
	case models.OperationInsert:
		query, args, err = buildInsert(m)
	case models.OperationUpdate:
		query, args, err = buildUpdate(m)
	case models.OperationDelete:
		query = fmt.Sprintf("DELETE FROM %s WHERE id = $1", quote(m.Table))
		if _, err := s.db.ExecContext(ctx, query, m.RecordID); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	default:
		return nil, remote.NewValidationError(fmt.Sprintf("unknown operation kind %q", m.Kind))
	}
	if err != nil {
		return nil, err
	}

	rec, err := s.queryRow(ctx, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &remote.RemoteError{Code: "not_found", Message: fmt.Sprintf("no row %s in %s", m.RecordID, m.Table), Status: http.StatusNotFound}
	}
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

// Fetch returns the row with the given id, or nil.
func (s *Store) Fetch(ctx context.Context, table, recordID string) (models.Record, error) {
	if err := checkName(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t WHERE t.id = $1", quote(table))
	rec, err := s.queryRow(ctx, query, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) (models.Record, error) {
	var raw []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return nil, err
	}
	var rec models.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return rec, nil
}

func buildInsert(m models.Mutation) (string, []any, error) {
	payload := m.Payload.Clone()
	if payload == nil {
		payload = models.Record{}
	}
	payload[models.FieldID] = m.RecordID

	cols, args, err := columns(payload)
	if err != nil {
		return "", nil, err
	}
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)",
		quote(m.Table), strings.Join(quoted, ", "), strings.Join(params, ", "))
	return query, args, nil
}

func buildUpdate(m models.Mutation) (string, []any, error) {
	payload := m.Payload.Clone()
	delete(payload, models.FieldID)
	if len(payload) == 0 {
		// nothing to change; return the current row
		return fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t WHERE t.id = $1", quote(m.Table)), []any{m.RecordID}, nil
	}

	cols, args, err := columns(payload)
	if err != nil {
		return "", nil, err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quote(c), i+1)
	}
	args = append(args, m.RecordID)
	query := fmt.Sprintf("UPDATE %s AS t SET %s WHERE t.id = $%d RETURNING to_jsonb(t)",
		quote(m.Table), strings.Join(sets, ", "), len(args))
	return query, args, nil
}

// columns returns the sorted column names of rec and their values. Nested
// maps and slices are passed as JSON.
func columns(rec models.Record) ([]string, []any, error) {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		if err := checkName(c); err != nil {
			return nil, nil, err
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, c := range cols {
		switch v := rec[c].(type) {
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, nil, remote.NewValidationError(fmt.Sprintf("column %s: %v", c, err))
			}
			args[i] = string(data)
		default:
			args[i] = v
		}
	}
	return cols, args, nil
}

func checkName(name string) error {
	if !validName.MatchString(name) {
		return remote.NewValidationError(fmt.Sprintf("invalid identifier %q", name))
	}
	return nil
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// classify maps database errors onto remote.RemoteError so the shared retry
// policy applies: constraint violations and bad statements are final,
// serialization failures and lost connections are retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &remote.RemoteError{Code: pgErr.Code, Message: pgErr.Message, Status: statusFor(pgErr.Code)}
	}
	if pgconn.Timeout(err) {
		return &remote.RemoteError{Code: "timeout", Message: err.Error(), Status: http.StatusGatewayTimeout}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return &remote.RemoteError{Code: "connection", Message: err.Error(), Status: http.StatusServiceUnavailable}
	}
	return err
}

// statusFor maps a SQLSTATE code to the HTTP status the REST layer would use.
func statusFor(code string) int {
	switch {
	case code == "42501":
		return http.StatusForbidden
	case code == "42P01":
		return http.StatusNotFound
	case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "22"):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(code, "42"):
		return http.StatusBadRequest
	case strings.HasPrefix(code, "40"), strings.HasPrefix(code, "53"),
		strings.HasPrefix(code, "57"), strings.HasPrefix(code, "08"):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
