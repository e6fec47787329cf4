package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/attest/internal/model"
)

const webDev = "web development"

func result(worker string, specialty string, approved bool, confidence float64, scores map[string]float64, recs ...string) model.WorkerResult {
	return model.NewWorkerResult("task-1", worker, []string{specialty}, model.AssessmentResult{
		Approved:        approved,
		Confidence:      confidence,
		CategoryScores:  scores,
		Recommendations: recs,
	}, time.Second, time.Unix(1700000000, 0))
}

func TestAggregate_AllApprovedFullConfidence(t *testing.T) {
	rs := []model.WorkerResult{
		result("a", "code_review", true, 1.0, map[string]float64{"quality": 0.9}),
		result("b", "security_audit", true, 1.0, map[string]float64{"quality": 0.7}),
		result("c", "design_assessment", true, 1.0, map[string]float64{"quality": 0.8}),
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.True(t, d.Approved)
	require.True(t, d.PaymentStage)
	require.Equal(t, 1.0, d.ApprovalRate)
	require.Equal(t, 1.0, d.WeightedConfidence)
	require.Equal(t, 3, d.ResultCount)
}

func TestAggregate_BoundaryInclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuorumThreshold = 2.0 / 3.0

	// 2 of 3 approve, mean confidence (0.8+0.8+0.5)/3 = 0.7 exactly on paper.
	rs := []model.WorkerResult{
		result("a", "code_review", true, 0.8, nil),
		result("b", "code_review", true, 0.8, nil),
		result("c", "code_review", false, 0.5, nil),
	}
	d := Aggregate("task-1", rs, webDev, cfg)
	require.InDelta(t, 0.7, d.WeightedConfidence, 1e-12)
	require.True(t, d.Approved)
}

func TestAggregate_DefaultQuorumBoundary(t *testing.T) {
	// 66 of 100 approve at confidence 0.7: exactly on both thresholds.
	var rs []model.WorkerResult
	for i := 0; i < 100; i++ {
		rs = append(rs, result(workerName(i), "code_review", i < 66, 0.7, nil))
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.InDelta(t, 0.66, d.ApprovalRate, 1e-12)
	require.True(t, d.Approved)

	// 65 of 100: below quorum.
	rs[65] = result(workerName(65), "code_review", false, 0.7, nil)
	d = Aggregate("task-1", rs, webDev, DefaultConfig())
	require.False(t, d.Approved)
}

func TestAggregate_ConfidenceJustBelow(t *testing.T) {
	var rs []model.WorkerResult
	for i := 0; i < 10; i++ {
		rs = append(rs, result(workerName(i), "code_review", true, 0.69, nil))
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.Equal(t, 1.0, d.ApprovalRate)
	require.False(t, d.Approved)
}

func TestAggregate_Empty(t *testing.T) {
	d := Aggregate("task-1", nil, webDev, DefaultConfig())
	require.False(t, d.Approved)
	require.False(t, d.PaymentStage)
	require.Zero(t, d.WeightedConfidence)
	require.Zero(t, d.ApprovalRate)
	require.Zero(t, d.ResultCount)
	require.Empty(t, d.CategoryScores)
	require.NotNil(t, d.Recommendations)
}

func TestAggregate_Idempotent(t *testing.T) {
	rs := []model.WorkerResult{
		result("a", "code_review", true, 0.9, map[string]float64{"quality": 0.83, "security": 0.61}, "add tests"),
		result("b", "code_review", true, 0.8, map[string]float64{"quality": 0.77}, "add tests", "document api"),
		result("c", "security_audit", false, 0.6, map[string]float64{"security": 0.4}),
	}
	first := Aggregate("task-1", rs, webDev, DefaultConfig())
	second := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.Equal(t, first, second)
}

func TestAggregate_OrderIndependent(t *testing.T) {
	a := result("a", "code_review", true, 0.9, map[string]float64{"quality": 0.13, "security": 0.71}, "r1")
	b := result("b", "ux_evaluation", true, 0.37, map[string]float64{"quality": 0.29}, "r2", "r1")
	c := result("c", "security_audit", false, 0.61, map[string]float64{"security": 0.47, "speed": 0.91}, "r3")

	want := Aggregate("task-1", []model.WorkerResult{a, b, c}, webDev, DefaultConfig())
	perms := [][]model.WorkerResult{
		{a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for _, p := range perms {
		got := Aggregate("task-1", p, webDev, DefaultConfig())
		require.Equal(t, want, got)
	}
}

func TestAggregate_WeightedScores(t *testing.T) {
	// a matches the category (bonus 1.2), b does not (bonus 1.0).
	rs := []model.WorkerResult{
		result("a", "code_review", true, 0.5, map[string]float64{"quality": 1.0}),
		result("b", "content_evaluation", true, 1.0, map[string]float64{"quality": 0.0, "style": 0.5}),
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())

	wa, wb := 0.5*1.2, 1.0
	require.InDelta(t, (1.0*wa+0.0*wb)/(wa+wb), d.CategoryScores["quality"], 1e-12)
	require.InDelta(t, (0.5*wb)/(wa+wb), d.CategoryScores["style"], 1e-12)
	require.InDelta(t, (d.CategoryScores["quality"]+d.CategoryScores["style"])/2, d.OverallScore, 1e-12)
	require.InDelta(t, 0.75, d.WeightedConfidence, 1e-12)
}

func TestAggregate_ZeroConfidenceLeavesScoresZero(t *testing.T) {
	rs := []model.WorkerResult{
		result("a", "code_review", true, 0, map[string]float64{"quality": 0.9}),
		result("b", "code_review", true, 0, map[string]float64{"quality": 0.8}),
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.Equal(t, 0.0, d.CategoryScores["quality"])
	require.Equal(t, 0.0, d.OverallScore)
	require.False(t, d.Approved)
}

func TestAggregate_ClampedInputs(t *testing.T) {
	rs := []model.WorkerResult{
		result("a", "code_review", true, 1.7, map[string]float64{"quality": 3}),
		result("b", "code_review", true, -2, map[string]float64{"quality": -1}),
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.Equal(t, 0.5, d.WeightedConfidence)
	require.Equal(t, 1.0, d.CategoryScores["quality"])
}

func TestAggregate_DeduplicatedRecommendations(t *testing.T) {
	rs := []model.WorkerResult{
		result("b", "code_review", true, 0.9, nil, "add tests", "  ", "fix lint"),
		result("a", "code_review", true, 0.9, nil, "fix lint", "add docs"),
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.Equal(t, []string{"fix lint", "add docs", "add tests"}, d.Recommendations)
}

func TestAggregate_OneResultPerWorker(t *testing.T) {
	rs := []model.WorkerResult{
		result("a", "code_review", true, 0.9, nil),
		result("a", "code_review", false, 0.1, nil),
	}
	rs[1].Timestamp = rs[0].Timestamp.Add(time.Second)
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.Equal(t, 1, d.ResultCount)
	require.True(t, d.Approved)
}

func TestAggregate_ScenarioApproved(t *testing.T) {
	rs := []model.WorkerResult{
		result("A", "code_review", true, 0.9, map[string]float64{"code_quality": 0.85}),
		result("B", "code_review", true, 0.8, map[string]float64{"code_quality": 0.8}),
		result("C", "security_audit", false, 0.6, map[string]float64{"security": 0.5}),
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.InDelta(t, 0.667, d.ApprovalRate, 0.001)
	require.InDelta(t, 0.767, d.WeightedConfidence, 0.001)
	require.True(t, d.Approved)
	require.True(t, d.PaymentStage)
}

func TestAggregate_ScenarioLowConfidence(t *testing.T) {
	rs := []model.WorkerResult{
		result("A", "code_review", true, 0.9, nil),
		result("B", "code_review", true, 0.8, nil),
		result("C", "security_audit", false, 0.1, nil),
	}
	d := Aggregate("task-1", rs, webDev, DefaultConfig())
	require.InDelta(t, 0.667, d.ApprovalRate, 0.001)
	require.InDelta(t, 0.6, d.WeightedConfidence, 1e-9)
	require.False(t, d.Approved)
	require.False(t, d.PaymentStage)
}

func TestAggregator_DecideCaches(t *testing.T) {
	agg := NewAggregator(DefaultConfig())
	rs := []model.WorkerResult{
		result("a", "code_review", true, 0.9, map[string]float64{"quality": 0.9}, "ship it"),
	}

	first, fresh := agg.Decide("task-1", rs, webDev)
	require.True(t, fresh)
	require.True(t, first.Approved)

	// A different result set for the same task never changes the decision.
	other := []model.WorkerResult{result("z", "code_review", false, 0.2, nil)}
	second, fresh := agg.Decide("task-1", other, webDev)
	require.False(t, fresh)
	require.Equal(t, first, second)

	// Mutating a returned decision does not leak into the cache.
	second.CategoryScores["quality"] = 0
	second.Recommendations[0] = "changed"
	cached, ok := agg.Decision("task-1")
	require.True(t, ok)
	require.Equal(t, first, cached)
}

func TestAggregator_Seed(t *testing.T) {
	agg := NewAggregator(DefaultConfig())
	agg.Seed(model.Decision{TaskID: "task-9", Approved: true, ApprovalRate: 1})

	d, fresh := agg.Decide("task-9", nil, webDev)
	require.False(t, fresh)
	require.True(t, d.Approved)

	_, ok := agg.Decision("missing")
	require.False(t, ok)
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := result("a", "code_review", true, 0.9, map[string]float64{"x": 0.1, "y": 0.2})
	b := result("b", "code_review", false, 0.4, nil)
	require.Equal(t, Fingerprint([]model.WorkerResult{a, b}), Fingerprint([]model.WorkerResult{b, a}))

	b.Confidence = 0.41
	require.NotEqual(t, Fingerprint([]model.WorkerResult{a}), Fingerprint([]model.WorkerResult{a, b}))
	require.Len(t, Fingerprint(nil), 64)
}

func workerName(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
