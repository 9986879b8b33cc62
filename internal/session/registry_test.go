package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"classtrack/internal/audit"
	"classtrack/internal/hub"
	"classtrack/internal/token"
)

func newTestRegistry() (*Registry, *hub.Hub, *audit.MemLog) {
	events := hub.New(16)
	log := audit.NewMemLog()
	return NewRegistry(token.NewIssuer(time.Minute), events, log), events, log
}

func openSession(t *testing.T, r *Registry) Session {
	t.Helper()
	s, err := r.Open(context.Background(), OpenParams{
		CourseID:        "CS101",
		FacultyID:       "fac-1",
		ClassType:       ClassLecture,
		DurationMinutes: 60,
		Location:        "B-204",
		TotalStudents:   30,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestOpenActivatesAndIssuesToken(t *testing.T) {
	r, _, log := newTestRegistry()
	s := openSession(t, r)

	if s.State != StateActive {
		t.Fatalf("state = %s, want active", s.State)
	}
	if s.EndTime != nil {
		t.Fatal("end time must be unset until closure")
	}
	tok, err := r.CurrentToken(s.ID)
	if err != nil {
		t.Fatalf("current token: %v", err)
	}
	if tok.Generation != 1 || tok.SessionID != s.ID {
		t.Fatalf("unexpected initial token %+v", tok)
	}
	entries, _ := log.List(context.Background(), 10, 0)
	if len(entries) != 1 || entries[0].Action != "session_opened" {
		t.Fatalf("expected one session_opened audit entry, got %+v", entries)
	}
}

func TestOpenValidatesParams(t *testing.T) {
	r, _, _ := newTestRegistry()
	if _, err := r.Open(context.Background(), OpenParams{CourseID: "CS101", FacultyID: "f", ClassType: "seminar", DurationMinutes: 10}); err == nil {
		t.Fatal("unknown class type should be rejected")
	}
	if _, err := r.Open(context.Background(), OpenParams{CourseID: "CS101", FacultyID: "f", DurationMinutes: 0}); err == nil {
		t.Fatal("zero duration should be rejected")
	}
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	r, events, _ := newTestRegistry()
	s := openSession(t, r)
	sub := events.Subscribe(s.ID, "watcher")

	closed, err := r.Close(context.Background(), s.ID, "fac-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.State != StateClosed || closed.EndTime == nil {
		t.Fatalf("close result %+v", closed)
	}
	if closed.EndTime.Before(closed.StartTime) {
		t.Fatal("end time must never precede start time")
	}

	if _, err := r.Close(context.Background(), s.ID, "fac-1"); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second close = %v, want ErrAlreadyClosed", err)
	}
	// A late expiry timer firing after explicit close is a no-op.
	r.expireSession(s.ID)

	var ended int
	for evt := range sub.Events() {
		if evt.Type == hub.EventSessionEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("session_ended delivered %d times, want exactly once", ended)
	}

	if _, err := r.CurrentToken(s.ID); err == nil {
		t.Fatal("scan token must be destroyed at close")
	}
}

func TestExpireClosesOnce(t *testing.T) {
	r, events, log := newTestRegistry()
	s := openSession(t, r)
	sub := events.Subscribe(s.ID, "watcher")

	r.expireSession(s.ID)
	r.expireSession(s.ID)

	snap, err := r.Snapshot(s.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateClosed {
		t.Fatalf("state after expire = %s, want closed", snap.State)
	}

	var ended int
	for evt := range sub.Events() {
		if evt.Type == hub.EventSessionEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("session_ended delivered %d times, want exactly once", ended)
	}

	entries, _ := log.List(context.Background(), 10, 0)
	var expired int
	for _, e := range entries {
		if e.Action == "session_expired" {
			expired++
		}
	}
	if expired != 1 {
		t.Fatalf("session_expired audited %d times, want 1", expired)
	}
}

func TestIncrementAttendance(t *testing.T) {
	r, _, _ := newTestRegistry()
	s := openSession(t, r)

	for i := 0; i < 3; i++ {
		if _, err := r.IncrementAttendance(s.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	snap, _ := r.Snapshot(s.ID)
	if snap.AttendanceCount != 3 {
		t.Fatalf("attendance count = %d, want 3", snap.AttendanceCount)
	}

	if _, err := r.Close(context.Background(), s.ID, "fac-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.IncrementAttendance(s.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("increment after close = %v, want ErrNotActive", err)
	}
	snap, _ = r.Snapshot(s.ID)
	if snap.AttendanceCount != 3 {
		t.Fatal("attendance count must freeze at close")
	}
}

func TestRosterUndercountCorrectsUpward(t *testing.T) {
	r, _, _ := newTestRegistry()
	s, err := r.Open(context.Background(), OpenParams{
		CourseID: "CS101", FacultyID: "fac-1", DurationMinutes: 60, TotalStudents: 1,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := r.IncrementAttendance(s.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	snap, _ := r.Snapshot(s.ID)
	if snap.AttendanceCount > snap.TotalStudents {
		t.Fatalf("invariant violated: count %d > total %d", snap.AttendanceCount, snap.TotalStudents)
	}
}

func TestRotateTokenOnDemand(t *testing.T) {
	r, _, _ := newTestRegistry()
	s := openSession(t, r)

	first, _ := r.CurrentToken(s.ID)
	rotated, err := r.RotateToken(context.Background(), s.ID, "fac-1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Generation != first.Generation+1 {
		t.Fatalf("generation = %d, want %d", rotated.Generation, first.Generation+1)
	}

	if _, err := r.RotateToken(context.Background(), "missing", "fac-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rotate unknown session = %v, want ErrNotFound", err)
	}
}

func TestSnapshotUnknownSession(t *testing.T) {
	r, _, _ := newTestRegistry()
	if _, err := r.Snapshot("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("snapshot = %v, want ErrNotFound", err)
	}
}
