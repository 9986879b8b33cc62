package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/audit"
	"classtrack/internal/hub"
	"classtrack/internal/token"
)

// State of a session. Transitions only move forward; no state is
// re-enterable.
type State string

const (
	StateScheduled State = "scheduled"
	StateActive    State = "active"
	StateClosed    State = "closed"
)

// Class types accepted at open.
const (
	ClassLecture  = "lecture"
	ClassLab      = "lab"
	ClassTutorial = "tutorial"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrNotActive is returned when an operation needs an active session.
	ErrNotActive = errors.New("session not active")
	// ErrAlreadyClosed is returned by explicit close on a closed session.
	ErrAlreadyClosed = errors.New("session already closed")
)

// Session is one scheduled class meeting being tracked for attendance.
type Session struct {
	ID              string     `json:"id"`
	CourseID        string     `json:"course_id"`
	FacultyID       string     `json:"faculty_id"`
	ClassType       string     `json:"class_type"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Location        string     `json:"location,omitempty"`
	State           State      `json:"state"`
	TotalStudents   int        `json:"total_students"`
	AttendanceCount int        `json:"attendance_count"`
}

// OpenParams carries the faculty request to open a session.
type OpenParams struct {
	CourseID        string
	FacultyID       string
	ClassType       string
	DurationMinutes int
	Location        string
	TotalStudents   int
}

// managed is the per-session owner: transitions and count updates are
// serialized on mu, while readers take lock-free snapshots from snap.
type managed struct {
	mu         sync.Mutex
	snap       atomic.Pointer[Session]
	expire     *time.Timer
	stopRotate chan struct{}
}

// Registry holds the authoritative in-memory view of all live sessions
// and exclusively owns Session and ScanToken state transitions.
type Registry struct {
	tokens *token.Issuer
	events *hub.Hub
	log    audit.Recorder

	mu       sync.RWMutex
	sessions map[string]*managed
}

// NewRegistry creates a registry wired to the token issuer, fan-out hub
// and audit recorder.
func NewRegistry(tokens *token.Issuer, events *hub.Hub, log audit.Recorder) *Registry {
	return &Registry{
		tokens:   tokens,
		events:   events,
		log:      log,
		sessions: make(map[string]*managed),
	}
}

// Open creates a session and immediately activates it: the initial scan
// token is issued, auto-expiry is scheduled, and token rotation starts.
func (r *Registry) Open(ctx context.Context, p OpenParams) (Session, error) {
	switch p.ClassType {
	case ClassLecture, ClassLab, ClassTutorial:
	case "":
		p.ClassType = ClassLecture
	default:
		return Session{}, fmt.Errorf("unknown class type %q", p.ClassType)
	}
	if p.DurationMinutes < 1 {
		return Session{}, errors.New("duration must be at least 1 minute")
	}
	if p.CourseID == "" || p.FacultyID == "" {
		return Session{}, errors.New("course and faculty required")
	}

	now := time.Now().UTC()
	s := Session{
		ID:              uuid.NewString(),
		CourseID:        p.CourseID,
		FacultyID:       p.FacultyID,
		ClassType:       p.ClassType,
		StartTime:       now,
		DurationMinutes: p.DurationMinutes,
		Location:        p.Location,
		State:           StateActive,
		TotalStudents:   p.TotalStudents,
	}

	m := &managed{stopRotate: make(chan struct{})}
	m.snap.Store(&s)

	r.mu.Lock()
	r.sessions[s.ID] = m
	r.mu.Unlock()

	r.tokens.Issue(s.ID)
	duration := time.Duration(p.DurationMinutes) * time.Minute
	m.expire = time.AfterFunc(duration, func() { r.expireSession(s.ID) })
	go r.rotateLoop(s.ID, m.stopRotate)

	_ = r.log.Record(ctx, audit.Entry{
		ActorID:    p.FacultyID,
		Action:     "session_opened",
		Resource:   "session",
		ResourceID: s.ID,
		Details:    map[string]interface{}{"course_id": p.CourseID, "class_type": p.ClassType, "duration_minutes": p.DurationMinutes},
	})
	return s, nil
}

// Snapshot returns a lock-free copy of the session's current state.
func (r *Registry) Snapshot(id string) (Session, error) {
	m, ok := r.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return *m.snap.Load(), nil
}

// Close transitions an active session to closed on explicit faculty
// action. Closing an already-closed session returns ErrAlreadyClosed.
func (r *Registry) Close(ctx context.Context, id, actor string) (Session, error) {
	m, ok := r.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.Load().State == StateClosed {
		return Session{}, ErrAlreadyClosed
	}
	s := r.closeLocked(ctx, m, id, actor, "closed")
	return s, nil
}

// expireSession is the duration timer callback. A timer firing after an
// explicit close is a no-op.
func (r *Registry) expireSession(id string) {
	m, ok := r.lookup(id)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.Load().State == StateClosed {
		return
	}
	r.closeLocked(context.Background(), m, id, "system", "expired")
	log.Printf("session %s expired after scheduled duration", id)
}

// closeLocked performs the active -> closed transition. Caller holds m.mu
// and has verified the session is not already closed.
func (r *Registry) closeLocked(ctx context.Context, m *managed, id, actor, reason string) Session {
	now := time.Now().UTC()
	s := *m.snap.Load()
	s.State = StateClosed
	s.EndTime = &now
	m.snap.Store(&s)

	r.tokens.Revoke(id)
	close(m.stopRotate)
	if m.expire != nil {
		m.expire.Stop()
	}

	_ = r.log.Record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     "session_" + reason,
		Resource:   "session",
		ResourceID: id,
		Details:    map[string]interface{}{"attendance_count": s.AttendanceCount},
	})
	r.events.CloseRoom(id, hub.Event{
		Type: hub.EventSessionEnded,
		Data: map[string]interface{}{
			"reason":           reason,
			"attendance_count": s.AttendanceCount,
			"ended_at":         now,
		},
	})
	return s
}

// IncrementAttendance bumps the session's cached attendance count. Only
// the commit pipeline calls this, after a record is created. The cached
// count never exceeds the roster size; a roster undercount is corrected
// upward rather than blocking a committed record.
func (r *Registry) IncrementAttendance(id string) (Session, error) {
	m, ok := r.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *m.snap.Load()
	if s.State != StateActive {
		return Session{}, ErrNotActive
	}
	s.AttendanceCount++
	if s.TotalStudents > 0 && s.AttendanceCount > s.TotalStudents {
		s.TotalStudents = s.AttendanceCount
	}
	m.snap.Store(&s)
	return s, nil
}

// RotateToken rotates the session's scan token on demand.
func (r *Registry) RotateToken(ctx context.Context, id, actor string) (token.ScanToken, error) {
	m, ok := r.lookup(id)
	if !ok {
		return token.ScanToken{}, ErrNotFound
	}
	if m.snap.Load().State != StateActive {
		return token.ScanToken{}, ErrNotActive
	}
	tok, err := r.tokens.Rotate(id)
	if err != nil {
		return token.ScanToken{}, err
	}
	_ = r.log.Record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     "token_rotated",
		Resource:   "session",
		ResourceID: id,
		Details:    map[string]interface{}{"generation": tok.Generation},
	})
	return tok, nil
}

// CurrentToken returns the session's active scan token.
func (r *Registry) CurrentToken(id string) (token.ScanToken, error) {
	m, ok := r.lookup(id)
	if !ok {
		return token.ScanToken{}, ErrNotFound
	}
	if m.snap.Load().State != StateActive {
		return token.ScanToken{}, ErrNotActive
	}
	return r.tokens.Current(id)
}

// rotateLoop replaces the scan token every token lifetime until the
// session closes.
func (r *Registry) rotateLoop(id string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.tokens.TTL())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.tokens.Rotate(id); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (r *Registry) lookup(id string) (*managed, bool) {
	r.mu.RLock()
	m, ok := r.sessions[id]
	r.mu.RUnlock()
	return m, ok
}
