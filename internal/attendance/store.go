package attendance

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attendance statuses.
const (
	StatusPresent = "present"
	StatusLate    = "late"
	StatusAbsent  = "absent"
)

// ErrStoreConflict is a transient storage failure the caller may retry
// with backoff; the pipeline never retries it silently.
var ErrStoreConflict = errors.New("attendance store conflict")

// Record is one student's outcome for one session. Unique on
// (SessionID, StudentID); amended at most once by faculty override.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	StudentID   string    `json:"student_id"`
	Status      string    `json:"status"`
	MarkedBy    string    `json:"marked_by"`
	Method      string    `json:"method"`
	Confidence  *float64  `json:"confidence,omitempty"`
	EvidenceURL string    `json:"evidence_url,omitempty"`
	MarkedAt    time.Time `json:"marked_at"`
	Overridden  bool      `json:"overridden,omitempty"`
}

// Store persists attendance records. The conditional insert is the single
// source of truth for "exactly one commit wins": implementations must make
// Insert atomic under concurrent attempts for the same key, even across
// process instances.
type Store interface {
	// Insert writes the record unless the (session, student) key exists.
	// Returns false without error when the key was already present.
	Insert(ctx context.Context, rec Record) (created bool, err error)
	// Override amends an existing record once. Returns false when the
	// record is missing or was already overridden.
	Override(ctx context.Context, sessionID, studentID, status, method, markedBy string) (Record, bool, error)
	Get(ctx context.Context, sessionID, studentID string) (*Record, error)
	List(ctx context.Context, sessionID string) ([]Record, error)
	Count(ctx context.Context, sessionID string) (int, error)
}

// PGStore persists attendance records in Postgres. Uniqueness rides on the
// primary key over (session_id, student_id).
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Insert performs the atomic conditional insert.
func (s *PGStore) Insert(ctx context.Context, rec Record) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, status, marked_by, method, confidence, evidence_url, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.MarkedBy, rec.Method, rec.Confidence, rec.EvidenceURL, rec.MarkedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Override amends the record in place, guarded so it happens at most once.
func (s *PGStore) Override(ctx context.Context, sessionID, studentID, status, method, markedBy string) (Record, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $3, method = $4, marked_by = $5, overridden = TRUE
		WHERE session_id = $1 AND student_id = $2 AND NOT overridden
	`, sessionID, studentID, status, method, markedBy)
	if err != nil {
		return Record{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return Record{}, false, err
	}
	rec, err := s.Get(ctx, sessionID, studentID)
	if err != nil || rec == nil {
		return Record{}, false, err
	}
	return *rec, true, nil
}

// Get returns the record for the pair, nil when absent.
func (s *PGStore) Get(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, status, marked_by, method, confidence, evidence_url, marked_at, overridden
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.MarkedBy,
		&rec.Method, &rec.Confidence, &rec.EvidenceURL, &rec.MarkedAt, &rec.Overridden); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// List returns the session roster ordered by marking time.
func (s *PGStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, status, marked_by, method, confidence, evidence_url, marked_at, overridden
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.MarkedBy,
			&rec.Method, &rec.Confidence, &rec.EvidenceURL, &rec.MarkedAt, &rec.Overridden); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Count returns the number of records for a session.
func (s *PGStore) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_records WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

// MemStore is an in-memory Store for dev and tests, mirroring the
// conditional-insert semantics with a single mutex.
type MemStore struct {
	mu      sync.Mutex
	records map[string]map[string]*Record // sessionID -> studentID -> record
	order   map[string][]string           // insertion order per session
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]map[string]*Record),
		order:   make(map[string][]string),
	}
}

// Insert is the in-memory conditional insert.
func (s *MemStore) Insert(_ context.Context, rec Record) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byStudent, ok := s.records[rec.SessionID]
	if !ok {
		byStudent = make(map[string]*Record)
		s.records[rec.SessionID] = byStudent
	}
	if _, exists := byStudent[rec.StudentID]; exists {
		return false, nil
	}
	clone := rec
	byStudent[rec.StudentID] = &clone
	s.order[rec.SessionID] = append(s.order[rec.SessionID], rec.StudentID)
	return true, nil
}

// Override amends an existing record at most once.
func (s *MemStore) Override(_ context.Context, sessionID, studentID, status, method, markedBy string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID][studentID]
	if !ok || rec.Overridden {
		return Record{}, false, nil
	}
	rec.Status = status
	rec.Method = method
	rec.MarkedBy = markedBy
	rec.Overridden = true
	return *rec, true, nil
}

// Get returns a copy of the record, nil when absent.
func (s *MemStore) Get(_ context.Context, sessionID, studentID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID][studentID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

// List returns records in insertion order.
func (s *MemStore) List(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Record
	for _, studentID := range s.order[sessionID] {
		if rec, ok := s.records[sessionID][studentID]; ok {
			res = append(res, *rec)
		}
	}
	return res, nil
}

// Count returns the number of records for a session.
func (s *MemStore) Count(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[sessionID]), nil
}
