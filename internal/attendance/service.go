package attendance

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"classtrack/internal/audit"
	"classtrack/internal/hub"
	"classtrack/internal/session"
	"classtrack/internal/verify"
)

// Commit outcomes.
const (
	OutcomeCreated          = "created"
	OutcomeDuplicateIgnored = "duplicate_ignored"
	OutcomeOverridden       = "overridden"
	OutcomeRejected         = "rejected"
)

var commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classtrack_commits_total",
	Help: "Attendance commit attempts, by outcome.",
}, []string{"outcome"})

// Result reports what a commit attempt did.
type Result struct {
	Outcome string  `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Record  *Record `json:"record,omitempty"`
}

// Actor is the authenticated identity behind a commit.
type Actor struct {
	ID   string
	Role string
}

// Service is the attendance commit pipeline: the sole writer of
// attendance records. Correctness under concurrent attempts rests on the
// store's conditional insert, not on application locks.
type Service struct {
	store     Store
	registry  *session.Registry
	events    *hub.Hub
	log       audit.Recorder
	lateAfter time.Duration
}

// NewService wires the pipeline.
func NewService(store Store, registry *session.Registry, events *hub.Hub, log audit.Recorder, lateAfter time.Duration) *Service {
	if lateAfter <= 0 {
		lateAfter = 10 * time.Minute
	}
	return &Service{store: store, registry: registry, events: events, log: log, lateAfter: lateAfter}
}

// Commit turns an accepted decision into a durable record with
// at-most-one-attendance-per-student-per-session semantics.
func (s *Service) Commit(ctx context.Context, sessionID, studentID string, d verify.Decision, actor Actor) (Result, error) {
	if !d.Accept {
		commitsTotal.WithLabelValues(OutcomeRejected).Inc()
		return Result{Outcome: OutcomeRejected, Reason: d.Reason}, nil
	}

	snap, err := s.registry.Snapshot(sessionID)
	if err != nil {
		return Result{}, err
	}
	// A session observed closed never accepts a commit, whatever the
	// arbiter saw earlier.
	if snap.State != session.StateActive {
		commitsTotal.WithLabelValues(OutcomeRejected).Inc()
		return Result{Outcome: OutcomeRejected, Reason: verify.ReasonSessionNotActive}, nil
	}

	now := time.Now().UTC()
	rec := Record{
		SessionID: sessionID,
		StudentID: studentID,
		Status:    s.statusFor(d, snap.StartTime, now),
		MarkedBy:  markedBy(d.Method),
		Method:    d.Method,
		MarkedAt:  now,
	}
	if d.Method != verify.MethodManual {
		c := d.Confidence
		rec.Confidence = &c
	}

	created, err := s.store.Insert(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if created {
		if _, err := s.registry.IncrementAttendance(sessionID); err != nil {
			// Session closed between snapshot and insert; the record
			// stands against the pre-closure snapshot.
			if err != session.ErrNotActive {
				return Result{}, err
			}
		}
		s.audit(ctx, actor, "attendance_marked", sessionID, map[string]interface{}{
			"student_id": studentID, "method": d.Method, "status": rec.Status,
		})
		s.publishUpdate(sessionID, rec, OutcomeCreated)
		commitsTotal.WithLabelValues(OutcomeCreated).Inc()
		return Result{Outcome: OutcomeCreated, Record: &rec}, nil
	}

	// Key exists. Only an explicit faculty manual attempt may amend it.
	if d.Method == verify.MethodManual && actor.Role == "faculty" {
		updated, ok, err := s.store.Override(ctx, sessionID, studentID, rec.Status, verify.MethodManual, "faculty")
		if err != nil {
			return Result{}, err
		}
		if ok {
			s.audit(ctx, actor, "attendance_overridden", sessionID, map[string]interface{}{
				"student_id": studentID, "status": updated.Status,
			})
			s.publishUpdate(sessionID, updated, OutcomeOverridden)
			commitsTotal.WithLabelValues(OutcomeOverridden).Inc()
			return Result{Outcome: OutcomeOverridden, Record: &updated}, nil
		}
	}

	existing, err := s.store.Get(ctx, sessionID, studentID)
	if err != nil {
		return Result{}, err
	}
	commitsTotal.WithLabelValues(OutcomeDuplicateIgnored).Inc()
	return Result{Outcome: OutcomeDuplicateIgnored, Record: existing}, nil
}

// Roster lists the session's attendance records; reconnecting watchers
// fetch this snapshot before resubscribing to the event stream.
func (s *Service) Roster(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := s.registry.Snapshot(sessionID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, sessionID)
}

// statusFor derives the recorded status: manual decisions carry their
// asserted status, automated marks become late past the grace window.
func (s *Service) statusFor(d verify.Decision, startTime, markedAt time.Time) string {
	if d.Status != "" {
		return d.Status
	}
	if markedAt.After(startTime.Add(s.lateAfter)) {
		return StatusLate
	}
	return StatusPresent
}

func markedBy(method string) string {
	if method == verify.MethodManual {
		return "faculty"
	}
	return "system"
}

func (s *Service) audit(ctx context.Context, actor Actor, action, sessionID string, details map[string]interface{}) {
	_ = s.log.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		Action:     action,
		Resource:   "session",
		ResourceID: sessionID,
		Details:    details,
	})
}

func (s *Service) publishUpdate(sessionID string, rec Record, outcome string) {
	_ = s.events.Publish(sessionID, hub.Event{
		Type: hub.EventAttendanceUpdate,
		Data: map[string]interface{}{
			"student_id": rec.StudentID,
			"status":     rec.Status,
			"method":     rec.Method,
			"outcome":    outcome,
			"marked_at":  rec.MarkedAt,
		},
	})
}
