package aggregate

import (
	"context"
	"math"
	"testing"
	"time"
)

func complianceSample(session, student string, idCard, phone bool) ComplianceSample {
	return ComplianceSample{
		SessionID:     session,
		StudentID:     student,
		IDCardVisible: idCard,
		PhoneDetected: phone,
		At:            time.Now().UTC(),
	}
}

func engagementSample(session, student string, attention, engagement float64, emotion string) EngagementSample {
	return EngagementSample{
		SessionID:  session,
		StudentID:  student,
		Attention:  attention,
		Engagement: engagement,
		Emotion:    emotion,
		At:         time.Now().UTC(),
	}
}

func TestComplianceScorePenalties(t *testing.T) {
	e := NewEngine(DefaultPolicy())

	e.RecordCompliance(complianceSample("s1", "clean", true, false))
	if got := e.StudentCompliance("s1", "clean"); got != 1.0 {
		t.Fatalf("clean student score = %v, want 1.0", got)
	}

	e.RecordCompliance(complianceSample("s1", "no-card", false, false))
	if got := e.StudentCompliance("s1", "no-card"); math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("hidden id card score = %v, want 0.7", got)
	}

	e.RecordCompliance(complianceSample("s1", "one-phone", true, true))
	if got := e.StudentCompliance("s1", "one-phone"); math.Abs(got-0.85) > 1e-9 {
		t.Fatalf("single phone detection score = %v, want 0.85", got)
	}
}

func TestComplianceScoreCapAndFloor(t *testing.T) {
	e := NewEngine(DefaultPolicy())

	// Ten detections would deduct 1.5 uncapped; the phone penalty caps at 0.7.
	for i := 0; i < 10; i++ {
		e.RecordCompliance(complianceSample("s1", "stu-1", true, true))
	}
	if got := e.StudentCompliance("s1", "stu-1"); math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("capped score = %v, want 0.3", got)
	}

	// Hidden id card on top bottoms out at exactly 0.
	e.RecordCompliance(complianceSample("s1", "stu-1", false, false))
	if got := e.StudentCompliance("s1", "stu-1"); got != 0 {
		t.Fatalf("floor score = %v, want 0", got)
	}
}

func TestComplianceScoreMonotonicInDetections(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	prev := e.StudentCompliance("s1", "stu-1")
	for i := 0; i < 8; i++ {
		e.RecordCompliance(complianceSample("s1", "stu-1", true, true))
		got := e.StudentCompliance("s1", "stu-1")
		if got > prev {
			t.Fatalf("score rose from %v to %v after a detection", prev, got)
		}
		if got < 0 || got > 1 {
			t.Fatalf("score %v escaped [0,1]", got)
		}
		prev = got
	}
}

func TestIDCardVisibilityTracksLatestSample(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.RecordCompliance(complianceSample("s1", "stu-1", false, false))
	e.RecordCompliance(complianceSample("s1", "stu-1", true, false))

	if got := e.StudentCompliance("s1", "stu-1"); got != 1.0 {
		t.Fatalf("score = %v, latest sample shows the card", got)
	}
	snap := e.Snapshot("s1")
	if snap.IDCardCompliant != 1 {
		t.Fatalf("id card compliant = %d, want 1", snap.IDCardCompliant)
	}
}

func TestEngagementAveragesAndDominantEmotion(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.RecordEngagement(engagementSample("s1", "stu-1", 0.8, 0.6, "engaged"))
	e.RecordEngagement(engagementSample("s1", "stu-1", 0.4, 0.2, "bored"))
	e.RecordEngagement(engagementSample("s1", "stu-1", 0.6, 0.4, "engaged"))

	snap := e.Snapshot("s1")
	if len(snap.Students) != 1 {
		t.Fatalf("students = %d, want 1", len(snap.Students))
	}
	st := snap.Students[0]
	if math.Abs(st.AverageAttention-0.6) > 1e-9 {
		t.Fatalf("average attention = %v, want 0.6", st.AverageAttention)
	}
	if math.Abs(st.AverageEngagement-0.4) > 1e-9 {
		t.Fatalf("average engagement = %v, want 0.4", st.AverageEngagement)
	}
	if st.DominantEmotion != "engaged" {
		t.Fatalf("dominant emotion = %s, want engaged", st.DominantEmotion)
	}
	if snap.EmotionTotals["engaged"] != 2 || snap.EmotionTotals["bored"] != 1 {
		t.Fatalf("emotion totals %+v", snap.EmotionTotals)
	}
}

func TestEngagementValuesClamped(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.RecordEngagement(engagementSample("s1", "stu-1", 3.5, -1.0, ""))

	snap := e.Snapshot("s1")
	st := snap.Students[0]
	if st.AverageAttention != 1.0 || st.AverageEngagement != 0 {
		t.Fatalf("out-of-range inputs must clamp, got attn=%v eng=%v", st.AverageAttention, st.AverageEngagement)
	}
	if st.DominantEmotion != "neutral" {
		t.Fatalf("blank emotion should count as neutral, got %s", st.DominantEmotion)
	}
}

func TestSnapshotIsolatesSessions(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.RecordCompliance(complianceSample("s1", "stu-1", true, true))
	e.RecordCompliance(complianceSample("s2", "stu-1", true, false))

	if got := e.StudentCompliance("s2", "stu-1"); got != 1.0 {
		t.Fatalf("session s2 score = %v, detections must not leak across sessions", got)
	}
	if snap := e.Snapshot("s2"); snap.ComplianceSamples != 1 {
		t.Fatalf("s2 sample count = %d, want 1", snap.ComplianceSamples)
	}
}

func TestUnknownStudentScoresFull(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	if got := e.StudentCompliance("nope", "nobody"); got != 1.0 {
		t.Fatalf("unknown student score = %v, want 1.0", got)
	}
	snap := e.Snapshot("nope")
	if len(snap.Students) != 0 || snap.MeanAttention != 0 {
		t.Fatalf("empty snapshot %+v", snap)
	}
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	ctx := context.Background()
	log := NewMemSampleLog()
	live := NewEngine(DefaultPolicy())

	samples := []ComplianceSample{
		complianceSample("s1", "a", true, true),
		complianceSample("s1", "a", true, false),
		complianceSample("s1", "b", false, true),
	}
	engagements := []EngagementSample{
		engagementSample("s1", "a", 0.9, 0.8, "happy"),
		engagementSample("s1", "a", 0.5, 0.4, "happy"),
		engagementSample("s1", "b", 0.2, 0.1, "bored"),
	}
	for _, s := range samples {
		live.RecordCompliance(s)
		if err := log.AppendCompliance(ctx, s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for _, s := range engagements {
		live.RecordEngagement(s)
		if err := log.AppendEngagement(ctx, s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rebuilt := NewEngine(DefaultPolicy())
	if err := rebuilt.Rebuild(ctx, "s1", log); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	want := live.Snapshot("s1")
	got := rebuilt.Snapshot("s1")
	if len(got.Students) != len(want.Students) {
		t.Fatalf("students %d != %d", len(got.Students), len(want.Students))
	}
	for i := range want.Students {
		w, g := want.Students[i], got.Students[i]
		if g.StudentID != w.StudentID || g.OverallCompliance != w.OverallCompliance ||
			g.PhoneDetections != w.PhoneDetections ||
			math.Abs(g.AverageAttention-w.AverageAttention) > 1e-9 ||
			g.DominantEmotion != w.DominantEmotion {
			t.Fatalf("student %s diverged after replay: got %+v want %+v", w.StudentID, g, w)
		}
	}
	if got.ComplianceSamples != want.ComplianceSamples || got.EngagementSamples != want.EngagementSamples {
		t.Fatalf("sample counts diverged: got %d/%d want %d/%d",
			got.ComplianceSamples, got.EngagementSamples, want.ComplianceSamples, want.EngagementSamples)
	}

	// Rebuild on top of stale in-memory state discards it first.
	if err := live.Rebuild(ctx, "s1", log); err != nil {
		t.Fatalf("rebuild live: %v", err)
	}
	again := live.Snapshot("s1")
	if again.ComplianceSamples != want.ComplianceSamples {
		t.Fatalf("replay doubled state: %d samples", again.ComplianceSamples)
	}
}
