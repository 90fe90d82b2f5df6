// Package journal records Cloud Link lifecycle events in SQLite so that an
// operator can see why a masterbox was offline. Message payloads are never
// stored here.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types written by the cloud link.
const (
	EventBootstrapAssigned   = "bootstrap_assigned"
	EventBootstrapUnassigned = "bootstrap_unassigned"
	EventBootstrapFailed     = "bootstrap_failed"
	EventConnected           = "connected"
	EventConnectError        = "connect_error"
	EventDisconnected        = "disconnected"
	EventReconnectScheduled  = "reconnect_scheduled"
	EventStatusReportFailed  = "status_report_failed"
)

// Default and maximum page sizes for List.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// Entry is a single journal row.
type Entry struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	State      string    `json:"state"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	EventType string    // optional
	Since     time.Time // optional, inclusive
	Limit     int       // default 50, max 500
}

// Repository persists and queries journal entries.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// SQLiteRepository stores entries in the link_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a journal backed by db. The link_events table
// must already exist (see the migrations package).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts e. ID and CreatedAt are generated when empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.EventType == "" {
		return fmt.Errorf("recording link event: %w", ErrMissingEventType)
	}
	if e.ID == "" {
		e.ID = "lnk-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_events (id, event_type, state, assigned_to, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.State, e.AssignedTo, e.Detail,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting link event: %w", err)
	}
	return nil
}

// List returns entries matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}

	var conditions []string
	var args []any
	if filter.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, event_type, state, assigned_to, detail, created_at FROM link_events %s ORDER BY created_at DESC, rowid DESC LIMIT ?",
		where,
	)
	args = append(args, filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying link events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EventType, &e.State, &e.AssignedTo, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning link event: %w", err)
		}
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing link event timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link events: %w", err)
	}

	return entries, nil
}
