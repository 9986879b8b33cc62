package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"classtrack/internal/audit"
	"classtrack/internal/hub"
	"classtrack/internal/session"
	"classtrack/internal/token"
	"classtrack/internal/verify"
)

func newTestService(t *testing.T, lateAfter time.Duration) (*Service, *session.Registry, *hub.Hub, *audit.MemLog, session.Session) {
	t.Helper()
	events := hub.New(64)
	log := audit.NewMemLog()
	registry := session.NewRegistry(token.NewIssuer(time.Minute), events, log)
	s, err := registry.Open(context.Background(), session.OpenParams{
		CourseID: "CS101", FacultyID: "fac-1", DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return NewService(NewMemStore(), registry, events, log, lateAfter), registry, events, log, s
}

func accepted(method string, confidence float64) verify.Decision {
	return verify.Decision{Accept: true, Method: method, Confidence: confidence}
}

func TestCommitCreatesOnce(t *testing.T) {
	svc, reg, _, log, s := newTestService(t, 10*time.Minute)

	res, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodFace, 0.9), Actor{ID: "stu-1", Role: "student"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Outcome != OutcomeCreated || res.Record == nil {
		t.Fatalf("result %+v", res)
	}
	if res.Record.Status != StatusPresent || res.Record.MarkedBy != "system" {
		t.Fatalf("record %+v", res.Record)
	}
	if res.Record.Confidence == nil || *res.Record.Confidence != 0.9 {
		t.Fatal("automated marks must carry the verification confidence")
	}

	snap, _ := reg.Snapshot(s.ID)
	if snap.AttendanceCount != 1 {
		t.Fatalf("attendance count = %d, want 1", snap.AttendanceCount)
	}
	entries, _ := log.List(context.Background(), 10, 0)
	var marked int
	for _, e := range entries {
		if e.Action == "attendance_marked" {
			marked++
		}
	}
	if marked != 1 {
		t.Fatalf("attendance_marked audited %d times, want 1", marked)
	}
}

func TestConcurrentCommitsExactlyOneCreated(t *testing.T) {
	svc, reg, _, _, s := newTestService(t, 10*time.Minute)

	const attempts = 16
	results := make([]Result, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := verify.MethodFace
			if i%2 == 0 {
				method = verify.MethodQR
			}
			res, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(method, 0.95), Actor{ID: "stu-1", Role: "student"})
			if err != nil {
				t.Errorf("commit %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	var created, dup int
	for _, res := range results {
		switch res.Outcome {
		case OutcomeCreated:
			created++
		case OutcomeDuplicateIgnored:
			dup++
		}
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
	if dup != attempts-1 {
		t.Fatalf("duplicate_ignored = %d, want %d", dup, attempts-1)
	}
	snap, _ := reg.Snapshot(s.ID)
	if snap.AttendanceCount != 1 {
		t.Fatalf("attendance count = %d after %d racing attempts", snap.AttendanceCount, attempts)
	}
}

func TestDuplicateReturnsExistingRecord(t *testing.T) {
	svc, _, _, _, s := newTestService(t, 10*time.Minute)

	first, _ := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodQR, 1.0), Actor{ID: "stu-1", Role: "student"})
	second, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodFace, 0.85), Actor{ID: "stu-1", Role: "student"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if second.Outcome != OutcomeDuplicateIgnored {
		t.Fatalf("outcome = %s, want duplicate_ignored", second.Outcome)
	}
	if second.Record == nil || second.Record.Method != first.Record.Method {
		t.Fatalf("duplicate must return the winning record, got %+v", second.Record)
	}
}

func TestFacultyManualOverridesOnce(t *testing.T) {
	svc, reg, _, log, s := newTestService(t, 10*time.Minute)

	if _, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodFace, 0.9), Actor{ID: "stu-1", Role: "student"}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	manual := verify.Decision{Accept: true, Method: verify.MethodManual, Status: StatusAbsent}
	res, err := svc.Commit(context.Background(), s.ID, "stu-1", manual, Actor{ID: "fac-1", Role: "faculty"})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if res.Outcome != OutcomeOverridden || res.Record.Status != StatusAbsent || !res.Record.Overridden {
		t.Fatalf("result %+v", res)
	}

	// The count tracks records, not statuses; an override does not move it.
	snap, _ := reg.Snapshot(s.ID)
	if snap.AttendanceCount != 1 {
		t.Fatalf("attendance count = %d after override, want 1", snap.AttendanceCount)
	}

	// Amend-once: a second manual attempt falls through to duplicate.
	again, err := svc.Commit(context.Background(), s.ID, "stu-1", manual, Actor{ID: "fac-1", Role: "faculty"})
	if err != nil {
		t.Fatalf("second override: %v", err)
	}
	if again.Outcome != OutcomeDuplicateIgnored {
		t.Fatalf("second override outcome = %s, want duplicate_ignored", again.Outcome)
	}

	entries, _ := log.List(context.Background(), 20, 0)
	var overridden int
	for _, e := range entries {
		if e.Action == "attendance_overridden" {
			overridden++
		}
	}
	if overridden != 1 {
		t.Fatalf("attendance_overridden audited %d times, want 1", overridden)
	}
}

func TestStudentCannotOverride(t *testing.T) {
	svc, _, _, _, s := newTestService(t, 10*time.Minute)

	if _, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodQR, 1.0), Actor{ID: "stu-1", Role: "student"}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	manual := verify.Decision{Accept: true, Method: verify.MethodManual, Status: StatusAbsent}
	res, err := svc.Commit(context.Background(), s.ID, "stu-1", manual, Actor{ID: "stu-2", Role: "student"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Outcome != OutcomeDuplicateIgnored {
		t.Fatalf("outcome = %s, student manual attempts never override", res.Outcome)
	}
}

func TestClosedSessionRejectsCommit(t *testing.T) {
	svc, reg, _, _, s := newTestService(t, 10*time.Minute)
	if _, err := reg.Close(context.Background(), s.ID, "fac-1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodFace, 0.99), Actor{ID: "stu-1", Role: "student"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.Reason != verify.ReasonSessionNotActive {
		t.Fatalf("result %+v", res)
	}
	roster, err := svc.Roster(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("roster has %d records after rejected commit", len(roster))
	}
}

func TestRejectedDecisionNeverStored(t *testing.T) {
	svc, _, _, _, s := newTestService(t, 10*time.Minute)

	res, err := svc.Commit(context.Background(), s.ID, "stu-1",
		verify.Decision{Accept: false, Reason: verify.ReasonLowConfidence}, Actor{ID: "stu-1", Role: "student"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.Reason != verify.ReasonLowConfidence {
		t.Fatalf("result %+v", res)
	}
	roster, _ := svc.Roster(context.Background(), s.ID)
	if len(roster) != 0 {
		t.Fatal("rejected decision must leave no record")
	}
}

func TestLateStatusPastGraceWindow(t *testing.T) {
	svc, _, _, _, s := newTestService(t, time.Nanosecond)
	time.Sleep(time.Millisecond)

	res, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodQR, 1.0), Actor{ID: "stu-1", Role: "student"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Record.Status != StatusLate {
		t.Fatalf("status = %s, want late past the grace window", res.Record.Status)
	}
}

func TestCommitPublishesUpdate(t *testing.T) {
	svc, _, events, _, s := newTestService(t, 10*time.Minute)
	sub := events.Subscribe(s.ID, "dashboard")

	if _, err := svc.Commit(context.Background(), s.ID, "stu-1", accepted(verify.MethodFace, 0.9), Actor{ID: "stu-1", Role: "student"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case evt := <-sub.Events():
		if evt.Type != hub.EventAttendanceUpdate {
			t.Fatalf("event type = %s", evt.Type)
		}
		data := evt.Data.(map[string]interface{})
		if data["student_id"] != "stu-1" || data["outcome"] != OutcomeCreated {
			t.Fatalf("event payload %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no attendance_update published")
	}
}
