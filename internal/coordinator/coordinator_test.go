package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/attest/internal/assessor"
	"github.com/ssd-technologies/attest/internal/conversation"
	"github.com/ssd-technologies/attest/internal/conversation/conversationtest"
	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/registry"
	"github.com/ssd-technologies/attest/internal/storage"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fixedClock() time.Time { return epoch }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dispatch.CollectTimeout = 2 * time.Second
	cfg.Dispatch.WorkerTimeout = 2 * time.Second
	return cfg
}

func verdict(approved bool, confidence float64) assessor.Response {
	return assessor.Response{Result: model.AssessmentResult{
		Approved:        approved,
		Confidence:      confidence,
		CategoryScores:  map[string]float64{"code_quality": confidence},
		Recommendations: []string{"add tests"},
	}}
}

// webTeam registers the three workers of the web development scenarios.
func webTeam(t *testing.T, reg *registry.Registry) {
	t.Helper()
	for id, spec := range map[string]string{
		"worker-a": registry.SpecialtyCodeReview,
		"worker-b": registry.SpecialtyCodeReview,
		"worker-c": registry.SpecialtySecurityAudit,
	} {
		require.NoError(t, reg.Register(registry.WorkerProfile{ID: id, Specialties: []string{spec}, Rating: 4}))
	}
}

func webSubmission() model.Submission {
	return model.Submission{
		WorkID:       "work-1",
		ContractID:   42,
		Category:     "Web Development",
		Deliverables: []string{"https://example.com/repo"},
		Description:  "Landing page",
		Requirements: []string{"responsive layout"},
		ClientID:     "client-1",
	}
}

func newCoordinator(t *testing.T, fake *assessor.Static, rec *conversationtest.Recorder, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock), WithLedger(rec), WithNotifier(rec)}, opts...)
	return New(fake, testConfig(), opts...)
}

func testStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "attest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestVerify_ApprovedReleasesPartialPaymentOnce(t *testing.T) {
	fake := assessor.NewStatic(map[string]assessor.Response{
		"worker-a": verdict(true, 0.9),
		"worker-b": verdict(true, 0.8),
		"worker-c": verdict(false, 0.6),
	})
	rec := &conversationtest.Recorder{}
	c := newCoordinator(t, fake, rec)
	webTeam(t, c.Registry())

	st, err := c.Verify(context.Background(), webSubmission())
	require.NoError(t, err)
	require.Equal(t, string(model.TaskCompleted), st.Status)
	require.True(t, st.Completed)
	require.NotNil(t, st.Approved)
	require.True(t, *st.Approved)
	require.InDelta(t, 2.0/3.0, *st.ApprovalRate, 1e-9)
	require.InDelta(t, (0.9+0.8+0.6)/3, *st.ConfidenceScore, 1e-9)
	require.Equal(t, 3, *st.AgentCount)
	require.True(t, *st.PaymentReleased)

	payments := rec.Payments()
	require.Len(t, payments, 1)
	require.Equal(t, 20, payments[0].Percentage)
	require.Equal(t, model.TriggerAgentApproval, payments[0].Trigger)
	require.Equal(t, int64(42), payments[0].ContractID)
	require.Empty(t, rec.Revisions())

	conv, err := c.Conversation(st.ConversationID)
	require.NoError(t, err)
	require.Equal(t, conversation.StateAwaitingHumanFeedback, conv.State)
	require.Equal(t, st.RequestID, conv.TaskID)
}

func TestVerify_LowConfidenceRequestsRevision(t *testing.T) {
	fake := assessor.NewStatic(map[string]assessor.Response{
		"worker-a": verdict(true, 0.9),
		"worker-b": verdict(true, 0.8),
		"worker-c": verdict(false, 0.1),
	})
	rec := &conversationtest.Recorder{}
	c := newCoordinator(t, fake, rec)
	webTeam(t, c.Registry())

	st, err := c.Verify(context.Background(), webSubmission())
	require.NoError(t, err)
	require.False(t, *st.Approved)
	require.InDelta(t, 0.6, *st.ConfidenceScore, 1e-9)
	require.False(t, *st.PaymentReleased)

	require.Empty(t, rec.Payments())
	revisions := rec.Revisions()
	require.Len(t, revisions, 1)
	require.Equal(t, model.RevisionFromAgents, revisions[0].Source)

	conv, err := c.Conversation(st.ConversationID)
	require.NoError(t, err)
	require.Equal(t, conversation.StateRevisionRequested, conv.State)
}

func TestVerify_NoEligibleWorkerFailsTask(t *testing.T) {
	fake := assessor.NewStatic(nil)
	rec := &conversationtest.Recorder{}
	c := newCoordinator(t, fake, rec)
	require.NoError(t, c.Registry().Register(registry.WorkerProfile{
		ID: "designer", Specialties: []string{registry.SpecialtyDesignAssessment},
	}))

	sub := webSubmission()
	sub.Category = "basket weaving"
	st, err := c.Verify(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, string(model.TaskFailed), st.Status)
	require.True(t, st.Completed)
	require.Contains(t, st.Error, "no worker available")
	require.Nil(t, st.Approved)
	require.Nil(t, st.PaymentReleased)

	_, decided := c.agg.Decision(st.RequestID)
	require.False(t, decided, "aggregation must not run for a failed task")
	require.Zero(t, fake.Calls("designer"))
	require.Empty(t, rec.Payments())
	require.Len(t, rec.Revisions(), 1)
	require.Equal(t, "no worker available", rec.Revisions()[0].Notes)
}

func TestFeedback_FullPaymentAfterApproval(t *testing.T) {
	fake := assessor.NewStatic(map[string]assessor.Response{
		"worker-a": verdict(true, 0.9),
		"worker-b": verdict(true, 0.9),
		"worker-c": verdict(true, 0.9),
	})
	rec := &conversationtest.Recorder{}
	c := newCoordinator(t, fake, rec)
	webTeam(t, c.Registry())

	st, err := c.Verify(context.Background(), webSubmission())
	require.NoError(t, err)

	conv, err := c.Feedback(context.Background(), st.ConversationID, conversation.Feedback{Approved: true, Rating: 5})
	require.NoError(t, err)
	require.Equal(t, conversation.StatusEnded, conv.Status)

	payments := rec.Payments()
	require.Len(t, payments, 2)
	require.Equal(t, []int{20, 80}, []int{payments[0].Percentage, payments[1].Percentage})
	require.Equal(t, model.TriggerClientApproval, payments[1].Trigger)
}

func TestSubmit_RunsInBackground(t *testing.T) {
	fake := assessor.NewStatic(map[string]assessor.Response{
		"worker-a": verdict(true, 0.9),
		"worker-b": verdict(true, 0.9),
		"worker-c": verdict(true, 0.9),
	})
	rec := &conversationtest.Recorder{}
	c := newCoordinator(t, fake, rec)
	webTeam(t, c.Registry())

	receipt, err := c.Submit(context.Background(), webSubmission())
	require.NoError(t, err)
	require.NotEmpty(t, receipt.RequestID)
	require.NotEmpty(t, receipt.ConversationID)
	c.Wait()

	st, err := c.Status(receipt.RequestID)
	require.NoError(t, err)
	require.True(t, st.Completed)
	require.True(t, *st.Approved)

	history := c.History(10)
	require.Len(t, history, 1)
	require.Equal(t, receipt.RequestID, history[0].RequestID)
}

func TestSubmit_RejectsInvalidAndDuplicate(t *testing.T) {
	c := newCoordinator(t, assessor.NewStatic(nil), &conversationtest.Recorder{})

	_, err := c.Submit(context.Background(), model.Submission{WorkID: "w"})
	require.ErrorIs(t, err, model.ErrInvalidSubmission)

	_, err = c.accept(context.Background(), webSubmission())
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), webSubmission())
	require.ErrorIs(t, err, conversation.ErrInvalidTransition)
}

func TestStatus_UnknownRequest(t *testing.T) {
	c := newCoordinator(t, assessor.NewStatic(nil), &conversationtest.Recorder{})
	_, err := c.Status("missing")
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	fake := assessor.NewStatic(map[string]assessor.Response{
		"worker-a": verdict(true, 0.9),
		"worker-b": verdict(true, 0.9),
		"worker-c": verdict(true, 0.9),
	})
	c := newCoordinator(t, fake, &conversationtest.Recorder{})
	webTeam(t, c.Registry())

	_, err := c.Verify(context.Background(), webSubmission())
	require.NoError(t, err)
	sub := webSubmission()
	sub.WorkID = "work-2"
	sub.Category = "content writing"
	_, err = c.Verify(context.Background(), sub)
	require.NoError(t, err)

	stats := c.Stats()
	require.Equal(t, 3, stats.TotalAgents)
	require.Equal(t, 3, stats.ActiveAgents)
	require.Equal(t, 2, stats.TotalVerifications)
	require.Equal(t, 1.0, stats.SuccessRate)
}

func TestRestore_ReloadsPersistedState(t *testing.T) {
	db := testStore(t)
	fake := assessor.NewStatic(map[string]assessor.Response{
		"worker-a": verdict(true, 0.9),
		"worker-b": verdict(true, 0.8),
		"worker-c": verdict(false, 0.6),
	})
	first := newCoordinator(t, fake, &conversationtest.Recorder{}, WithStore(db))
	webTeam(t, first.Registry())

	st, err := first.Verify(context.Background(), webSubmission())
	require.NoError(t, err)
	require.True(t, *st.Approved)

	results, err := db.ListResults(st.RequestID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	payments, err := db.ListPayments(st.ConversationID)
	require.NoError(t, err)
	require.Len(t, payments, 1)

	rec := &conversationtest.Recorder{}
	second := newCoordinator(t, fake, rec, WithStore(db))
	require.NoError(t, second.Restore(context.Background()))

	got, err := second.Status(st.RequestID)
	require.NoError(t, err)
	require.Equal(t, st.Status, got.Status)
	require.True(t, *got.Approved)
	require.True(t, *got.PaymentReleased)
	require.Equal(t, 3, *got.AgentCount)

	w, ok := second.Registry().Get("worker-a")
	require.True(t, ok)
	require.Equal(t, registry.StatusInactive, w.Status)
	require.Equal(t, 1, w.TotalTasks)

	conv, err := second.Conversation(st.ConversationID)
	require.NoError(t, err)
	require.Equal(t, conversation.StateAwaitingHumanFeedback, conv.State)
	require.Len(t, conv.Messages, len(mustConversation(t, first, st.ConversationID).Messages))

	_, err = second.Feedback(context.Background(), st.ConversationID, conversation.Feedback{Approved: true})
	require.NoError(t, err)
	require.Len(t, rec.Payments(), 1)
	require.Equal(t, 80, rec.Payments()[0].Percentage)
}

func TestRestore_FailsInterruptedTasks(t *testing.T) {
	db := testStore(t)
	first := newCoordinator(t, assessor.NewStatic(nil), &conversationtest.Recorder{}, WithStore(db))
	task, err := first.accept(context.Background(), webSubmission())
	require.NoError(t, err)

	rec := &conversationtest.Recorder{}
	second := newCoordinator(t, assessor.NewStatic(nil), rec, WithStore(db))
	require.NoError(t, second.Restore(context.Background()))

	st, err := second.Status(task.ID)
	require.NoError(t, err)
	require.Equal(t, string(model.TaskFailed), st.Status)
	require.Equal(t, ErrInterrupted.Error(), st.Error)

	conv := mustConversation(t, second, task.ConversationID)
	require.Equal(t, conversation.StateRevisionRequested, conv.State)
	require.Len(t, rec.Revisions(), 1)

	row, err := db.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, string(model.TaskFailed), row.Status)
}

func TestJournal_DoesNotForwardRecordedPaymentTwice(t *testing.T) {
	db := testStore(t)
	rec := &conversationtest.Recorder{}
	j := &journal{db: db, now: fixedClock, ledger: rec, notifier: rec}
	p := model.PaymentRelease{ConversationID: "conv-1", ContractID: 1, WorkID: "w", Percentage: 20, Trigger: model.TriggerAgentApproval}

	require.NoError(t, j.ReleasePayment(context.Background(), p))
	require.NoError(t, j.ReleasePayment(context.Background(), p))
	require.Len(t, rec.Payments(), 1)
}

func mustConversation(t *testing.T, c *Coordinator, id string) conversation.Conversation {
	t.Helper()
	conv, err := c.Conversation(id)
	require.NoError(t, err)
	return conv
}
