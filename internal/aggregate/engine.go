package aggregate

import (
	"context"
	"sync"
	"time"
)

// Emotion labels tracked in the engagement histogram.
var Emotions = []string{"neutral", "happy", "sad", "angry", "surprised", "confused", "bored", "engaged"}

// ComplianceSample is one time-stamped per-student compliance observation.
type ComplianceSample struct {
	SessionID     string    `json:"session_id"`
	StudentID     string    `json:"student_id"`
	IDCardVisible bool      `json:"id_card_visible"`
	PhoneDetected bool      `json:"phone_detected"`
	Confidence    float64   `json:"confidence,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	At            time.Time `json:"at"`
}

// EngagementSample is one time-stamped per-student engagement observation.
type EngagementSample struct {
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	Attention  float64   `json:"attention"`
	Engagement float64   `json:"engagement"`
	Emotion    string    `json:"emotion"`
	At         time.Time `json:"at"`
}

// Policy holds the compliance scoring constants. Whatever they are set
// to, scores stay monotonic in detections and clamped to [0,1].
type Policy struct {
	IDCardPenalty   float64
	PhonePenalty    float64
	PhonePenaltyCap float64
}

// DefaultPolicy mirrors the historical scoring constants.
func DefaultPolicy() Policy {
	return Policy{IDCardPenalty: 0.3, PhonePenalty: 0.15, PhonePenaltyCap: 0.7}
}

// StudentStats is the rolling view for one student in one session.
type StudentStats struct {
	StudentID         string         `json:"student_id"`
	IDCardVisible     bool           `json:"id_card_visible"`
	PhoneDetections   int            `json:"phone_detections"`
	OverallCompliance float64        `json:"overall_compliance"`
	AverageAttention  float64        `json:"average_attention"`
	AverageEngagement float64        `json:"average_engagement"`
	DominantEmotion   string         `json:"dominant_emotion"`
	EmotionCounts     map[string]int `json:"emotion_counts"`
}

// Stats is the per-session aggregation snapshot.
type Stats struct {
	SessionID         string         `json:"session_id"`
	Students          []StudentStats `json:"students"`
	IDCardCompliant   int            `json:"id_card_compliant"`
	PhoneFree         int            `json:"phone_free"`
	MeanAttention     float64        `json:"mean_attention"`
	MeanEngagement    float64        `json:"mean_engagement"`
	EmotionTotals     map[string]int `json:"emotion_totals"`
	ComplianceSamples int            `json:"compliance_samples"`
	EngagementSamples int            `json:"engagement_samples"`
}

// SampleSource replays the persisted sample log, the recovery path after
// an engine restart.
type SampleSource interface {
	ComplianceSamples(ctx context.Context, sessionID string) ([]ComplianceSample, error)
	EngagementSamples(ctx context.Context, sessionID string) ([]EngagementSample, error)
}

type studentState struct {
	idCardVisible   bool
	idCardSeen      bool
	phoneDetections int

	attnSum, engSum float64
	metricCount     int
	emotionCounts   map[string]int
}

type sessionState struct {
	students          map[string]*studentState
	order             []string
	complianceSamples int
	engagementSamples int
}

// Engine maintains rolling compliance and engagement aggregates per
// session. Updates are O(1) per sample; aggregates are views that can
// always be rebuilt from the raw sample log.
type Engine struct {
	policy Policy

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewEngine creates an engine with the given scoring policy.
func NewEngine(policy Policy) *Engine {
	if policy.PhonePenalty <= 0 {
		policy = DefaultPolicy()
	}
	return &Engine{policy: policy, sessions: make(map[string]*sessionState)}
}

// RecordCompliance folds one compliance sample into the rolling state.
func (e *Engine) RecordCompliance(s ComplianceSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.student(s.SessionID, s.StudentID)
	st.idCardVisible = s.IDCardVisible
	st.idCardSeen = true
	if s.PhoneDetected {
		st.phoneDetections++
	}
	e.sessions[s.SessionID].complianceSamples++
}

// RecordEngagement folds one engagement sample into the rolling state.
func (e *Engine) RecordEngagement(s EngagementSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.student(s.SessionID, s.StudentID)
	st.attnSum += clamp01(s.Attention)
	st.engSum += clamp01(s.Engagement)
	st.metricCount++
	emotion := s.Emotion
	if emotion == "" {
		emotion = "neutral"
	}
	st.emotionCounts[emotion]++
	e.sessions[s.SessionID].engagementSamples++
}

// Snapshot returns the current aggregates for a session.
func (e *Engine) Snapshot(sessionID string) Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := Stats{SessionID: sessionID, EmotionTotals: make(map[string]int)}
	ses, ok := e.sessions[sessionID]
	if !ok {
		return out
	}
	out.ComplianceSamples = ses.complianceSamples
	out.EngagementSamples = ses.engagementSamples

	var attnSum, engSum float64
	var metricStudents int
	for _, id := range ses.order {
		st := ses.students[id]
		stats := StudentStats{
			StudentID:         id,
			IDCardVisible:     st.idCardVisible,
			PhoneDetections:   st.phoneDetections,
			OverallCompliance: e.score(st),
			DominantEmotion:   dominantEmotion(st.emotionCounts),
			EmotionCounts:     copyCounts(st.emotionCounts),
		}
		if st.metricCount > 0 {
			stats.AverageAttention = st.attnSum / float64(st.metricCount)
			stats.AverageEngagement = st.engSum / float64(st.metricCount)
			attnSum += stats.AverageAttention
			engSum += stats.AverageEngagement
			metricStudents++
		}
		if st.idCardSeen && st.idCardVisible {
			out.IDCardCompliant++
		}
		if st.phoneDetections == 0 {
			out.PhoneFree++
		}
		for emotion, n := range st.emotionCounts {
			out.EmotionTotals[emotion] += n
		}
		out.Students = append(out.Students, stats)
	}
	if metricStudents > 0 {
		out.MeanAttention = attnSum / float64(metricStudents)
		out.MeanEngagement = engSum / float64(metricStudents)
	}
	return out
}

// StudentCompliance returns the current compliance score for one student.
func (e *Engine) StudentCompliance(sessionID, studentID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ses, ok := e.sessions[sessionID]
	if !ok {
		return 1.0
	}
	st, ok := ses.students[studentID]
	if !ok {
		return 1.0
	}
	return e.score(st)
}

// Rebuild discards the session's rolling state and replays the sample log.
func (e *Engine) Rebuild(ctx context.Context, sessionID string, src SampleSource) error {
	compliance, err := src.ComplianceSamples(ctx, sessionID)
	if err != nil {
		return err
	}
	engagement, err := src.EngagementSamples(ctx, sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	for _, s := range compliance {
		e.RecordCompliance(s)
	}
	for _, s := range engagement {
		e.RecordEngagement(s)
	}
	return nil
}

// score applies the compliance policy: start at 1.0, deduct for a hidden
// id card, deduct per phone detection up to the cap, clamp to [0,1].
func (e *Engine) score(st *studentState) float64 {
	score := 1.0
	if st.idCardSeen && !st.idCardVisible {
		score -= e.policy.IDCardPenalty
	}
	if st.phoneDetections > 0 {
		penalty := e.policy.PhonePenalty * float64(st.phoneDetections)
		if penalty > e.policy.PhonePenaltyCap {
			penalty = e.policy.PhonePenaltyCap
		}
		score -= penalty
	}
	return clamp01(score)
}

func (e *Engine) student(sessionID, studentID string) *studentState {
	ses, ok := e.sessions[sessionID]
	if !ok {
		ses = &sessionState{students: make(map[string]*studentState)}
		e.sessions[sessionID] = ses
	}
	st, ok := ses.students[studentID]
	if !ok {
		st = &studentState{emotionCounts: make(map[string]int)}
		ses.students[studentID] = st
		ses.order = append(ses.order, studentID)
	}
	return st
}

func dominantEmotion(counts map[string]int) string {
	dominant := "neutral"
	max := 0
	for _, emotion := range Emotions {
		if counts[emotion] > max {
			max = counts[emotion]
			dominant = emotion
		}
	}
	return dominant
}

func copyCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
