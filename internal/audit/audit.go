package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is an immutable record of a state-changing action.
type Entry struct {
	ID         string                 `json:"id"`
	ActorID    string                 `json:"actor_id"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	At         time.Time              `json:"at"`
}

// Recorder appends audit entries. The core never deletes them.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, limit, offset int) ([]Entry, error)
}

// Log persists audit entries in Postgres.
type Log struct {
	db *sql.DB
}

// NewLog creates a Postgres-backed recorder.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Record appends one entry.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, actor_id, action, resource, resource_id, details, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.ActorID, e.Action, e.Resource, e.ResourceID, details, e.At)
	return err
}

// List returns entries, newest first.
func (l *Log) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, actor_id, action, resource, resource_id, details, occurred_at
		FROM audit_entries
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Entry
	for rows.Next() {
		var e Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Resource, &e.ResourceID, &details, &e.At); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MemLog is an in-memory recorder for dev and tests.
type MemLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemLog creates an empty in-memory recorder.
func NewMemLog() *MemLog {
	return &MemLog{}
}

// Record appends one entry.
func (l *MemLog) Record(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

// List returns entries, newest first.
func (l *MemLog) List(_ context.Context, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []Entry
	for i := len(l.entries) - 1 - offset; i >= 0 && len(res) < limit; i-- {
		res = append(res, l.entries[i])
	}
	return res, nil
}
