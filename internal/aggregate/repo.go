package aggregate

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Repository is the append-only sample log in Postgres. Samples are never
// mutated; the engine's rolling aggregates are rebuilt from here.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// AppendCompliance writes one compliance sample.
func (r *Repository) AppendCompliance(ctx context.Context, s ComplianceSample) error {
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO compliance_samples (session_id, student_id, id_card_visible, phone_detected, confidence, image_url, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.SessionID, s.StudentID, s.IDCardVisible, s.PhoneDetected, s.Confidence, s.ImageURL, s.At)
	return err
}

// AppendEngagement writes one engagement sample.
func (r *Repository) AppendEngagement(ctx context.Context, s EngagementSample) error {
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO engagement_samples (session_id, student_id, attention, engagement, emotion, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, s.SessionID, s.StudentID, s.Attention, s.Engagement, s.Emotion, s.At)
	return err
}

// ComplianceSamples returns the session's compliance log in append order.
func (r *Repository) ComplianceSamples(ctx context.Context, sessionID string) ([]ComplianceSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, student_id, id_card_visible, phone_detected, confidence, image_url, observed_at
		FROM compliance_samples
		WHERE session_id = $1
		ORDER BY observed_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ComplianceSample
	for rows.Next() {
		var s ComplianceSample
		if err := rows.Scan(&s.SessionID, &s.StudentID, &s.IDCardVisible, &s.PhoneDetected, &s.Confidence, &s.ImageURL, &s.At); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// EngagementSamples returns the session's engagement log in append order.
func (r *Repository) EngagementSamples(ctx context.Context, sessionID string) ([]EngagementSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, student_id, attention, engagement, emotion, observed_at
		FROM engagement_samples
		WHERE session_id = $1
		ORDER BY observed_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EngagementSample
	for rows.Next() {
		var s EngagementSample
		if err := rows.Scan(&s.SessionID, &s.StudentID, &s.Attention, &s.Engagement, &s.Emotion, &s.At); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// MemSampleLog is an in-memory append-only sample log for dev and tests.
type MemSampleLog struct {
	mu         sync.Mutex
	compliance map[string][]ComplianceSample
	engagement map[string][]EngagementSample
}

// NewMemSampleLog creates an empty log.
func NewMemSampleLog() *MemSampleLog {
	return &MemSampleLog{
		compliance: make(map[string][]ComplianceSample),
		engagement: make(map[string][]EngagementSample),
	}
}

// AppendCompliance appends one compliance sample.
func (l *MemSampleLog) AppendCompliance(_ context.Context, s ComplianceSample) error {
	l.mu.Lock()
	l.compliance[s.SessionID] = append(l.compliance[s.SessionID], s)
	l.mu.Unlock()
	return nil
}

// AppendEngagement appends one engagement sample.
func (l *MemSampleLog) AppendEngagement(_ context.Context, s EngagementSample) error {
	l.mu.Lock()
	l.engagement[s.SessionID] = append(l.engagement[s.SessionID], s)
	l.mu.Unlock()
	return nil
}

// ComplianceSamples returns the session's compliance log in append order.
func (l *MemSampleLog) ComplianceSamples(_ context.Context, sessionID string) ([]ComplianceSample, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ComplianceSample(nil), l.compliance[sessionID]...), nil
}

// EngagementSamples returns the session's engagement log in append order.
func (l *MemSampleLog) EngagementSamples(_ context.Context, sessionID string) ([]EngagementSample, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EngagementSample(nil), l.engagement[sessionID]...), nil
}
