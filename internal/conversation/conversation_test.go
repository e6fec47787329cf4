package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/attest/internal/model"
)

func newManager(t *testing.T) (*Manager, *Recorder) {
	t.Helper()
	rec := &Recorder{}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := New(DefaultConfig(), WithLedger(rec), WithNotifier(rec), WithClock(func() time.Time { return base }))
	return m, rec
}

func sub(workID string) model.Submission {
	return model.Submission{
		WorkID:       workID,
		ContractID:   42,
		Category:     "web development",
		Deliverables: []string{"https://example.com/repo"},
		Description:  "landing page",
		ClientID:     "client-1",
	}
}

func approved(score float64) model.Decision {
	return model.Decision{
		TaskID:             "task-1",
		Approved:           true,
		ApprovalRate:       1,
		WeightedConfidence: 0.9,
		OverallScore:       score,
		Recommendations:    []string{"add tests"},
		ResultCount:        3,
		PaymentStage:       true,
	}
}

func rejected() model.Decision {
	return model.Decision{
		TaskID:             "task-1",
		ApprovalRate:       0.667,
		WeightedConfidence: 0.6,
		OverallScore:       0.5,
		Issues:             []string{"missing tests"},
		Recommendations:    []string{"add tests", "missing tests"},
		ResultCount:        3,
	}
}

func submitAndAssess(t *testing.T, m *Manager, workID string) Conversation {
	t.Helper()
	conv, err := m.Submit(context.Background(), sub(workID))
	require.NoError(t, err)
	require.NoError(t, m.BeginAssessment(context.Background(), conv.ID, "task-1", []string{"a", "b", "c"}))
	return conv
}

func types(msgs []Message) []MessageType {
	out := make([]MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestSubmit_CreatesConversation(t *testing.T) {
	m, rec := newManager(t)

	conv, err := m.Submit(context.Background(), sub("work-1"))
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, StateAgentsDiscovering, conv.State)
	require.Equal(t, StatusActive, conv.Status)
	require.Equal(t, [2]string{DefaultAgentID, "client-1"}, conv.Participants())
	require.Equal(t, 1, conv.Round)
	require.Equal(t, []MessageType{MsgWorkSubmission, MsgSystemUpdate}, types(conv.Messages))
	require.Len(t, rec.Messages(), 2)

	byWork, err := m.ByWork("work-1")
	require.NoError(t, err)
	require.Equal(t, conv.ID, byWork.ID)
}

func TestSubmit_Invalid(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Submit(context.Background(), model.Submission{WorkID: "w"})
	require.ErrorIs(t, err, model.ErrInvalidSubmission)
}

func TestSubmit_DuplicateWhileInProgress(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Submit(context.Background(), sub("work-1"))
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), sub("work-1"))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApprovedDecision_PartialPaymentOnce(t *testing.T) {
	m, rec := newManager(t)
	conv := submitAndAssess(t, m, "work-1")

	require.NoError(t, m.RecordDecision(context.Background(), conv.ID, approved(0.82)))
	// A duplicate decision is rejected and releases nothing.
	require.ErrorIs(t, m.RecordDecision(context.Background(), conv.ID, approved(0.82)), ErrInvalidTransition)

	payments := rec.Payments()
	require.Len(t, payments, 1)
	require.Equal(t, model.PaymentRelease{
		ConversationID:  conv.ID,
		ContractID:      42,
		WorkID:          "work-1",
		Percentage:      20,
		Trigger:         model.TriggerAgentApproval,
		AssessmentScore: 0.82,
	}, payments[0])
	require.Empty(t, rec.Revisions())

	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingHumanFeedback, got.State)
	require.True(t, got.PartialReleased)
	require.Equal(t, []MessageType{
		MsgWorkSubmission, MsgSystemUpdate, MsgSystemUpdate,
		MsgAgentAssessment, MsgPaymentTrigger, MsgSystemUpdate,
	}, types(got.Messages))

	var d model.Decision
	require.NoError(t, json.Unmarshal(got.Messages[3].Data, &d))
	require.Equal(t, 0.82, d.OverallScore)
	require.Contains(t, got.Messages[3].Body, "82.0%")
}

func TestRejectedDecision_RevisionNoPayment(t *testing.T) {
	m, rec := newManager(t)
	conv := submitAndAssess(t, m, "work-1")

	require.NoError(t, m.RecordDecision(context.Background(), conv.ID, rejected()))
	require.Empty(t, rec.Payments())

	revs := rec.Revisions()
	require.Len(t, revs, 1)
	require.Equal(t, model.RevisionFromAgents, revs[0].Source)
	require.Equal(t, []string{"missing tests", "add tests"}, revs[0].RequestedChanges)
	require.Equal(t, "2026-01-05T03:04:05Z", revs[0].Deadline)

	got, _ := m.Get(conv.ID)
	require.Equal(t, StateRevisionRequested, got.State)
	require.False(t, got.PaymentReleased())

	// Feedback is only accepted after an approved decision.
	_, err := m.Feedback(context.Background(), conv.ID, Feedback{Approved: true})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClientApproval_FullPaymentAndEnd(t *testing.T) {
	m, rec := newManager(t)
	conv := submitAndAssess(t, m, "work-1")
	require.NoError(t, m.RecordDecision(context.Background(), conv.ID, approved(0.9)))

	got, err := m.Feedback(context.Background(), conv.ID, Feedback{Approved: true, Rating: 5, Comments: "great"})
	require.NoError(t, err)
	require.Equal(t, StateEnded, got.State)
	require.Equal(t, StatusEnded, got.Status)
	require.Equal(t, "completed", got.EndReason)
	require.True(t, got.FullReleased)

	payments := rec.Payments()
	require.Len(t, payments, 2)
	require.Equal(t, 80, payments[1].Percentage)
	require.Equal(t, model.TriggerClientApproval, payments[1].Trigger)
	require.Equal(t, 0.9, payments[1].AssessmentScore)
	require.Equal(t, 100, payments[0].Percentage+payments[1].Percentage)

	last := got.Messages[len(got.Messages)-1]
	require.Equal(t, MsgApprovalNotification, last.Type)

	// Ended conversations accept nothing more.
	_, err = m.Feedback(context.Background(), conv.ID, Feedback{Approved: true})
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Len(t, rec.Payments(), 2)
}

func TestClientRevisionLoop(t *testing.T) {
	m, rec := newManager(t)
	conv := submitAndAssess(t, m, "work-1")
	require.NoError(t, m.RecordDecision(context.Background(), conv.ID, approved(0.8)))

	got, err := m.Feedback(context.Background(), conv.ID, Feedback{
		RequestedChanges: []string{"dark mode"},
		Notes:            "by friday",
		Deadline:         "2026-01-09T00:00:00Z",
	})
	require.NoError(t, err)
	require.Equal(t, StateRevisionRequested, got.State)

	revs := rec.Revisions()
	require.Len(t, revs, 1)
	require.Equal(t, model.RevisionRequest{
		ConversationID:   conv.ID,
		ContractID:       42,
		WorkID:           "work-1",
		Source:           model.RevisionFromClient,
		RequestedChanges: []string{"dark mode"},
		Notes:            "by friday",
		Deadline:         "2026-01-09T00:00:00Z",
	}, revs[0])

	// Resubmission starts a new round on the same conversation.
	again, err := m.Submit(context.Background(), sub("work-1"))
	require.NoError(t, err)
	require.Equal(t, conv.ID, again.ID)
	require.Equal(t, 2, again.Round)
	require.Equal(t, StateAgentsDiscovering, again.State)

	require.NoError(t, m.BeginAssessment(context.Background(), conv.ID, "task-2", []string{"a"}))
	require.NoError(t, m.RecordDecision(context.Background(), conv.ID, approved(0.95)))

	// The partial stage was already paid in round one.
	require.Len(t, rec.Payments(), 1)

	_, err = m.Feedback(context.Background(), conv.ID, Feedback{Approved: true})
	require.NoError(t, err)
	payments := rec.Payments()
	require.Len(t, payments, 2)
	require.Equal(t, 0.95, payments[1].AssessmentScore)
}

func TestRecordFailure(t *testing.T) {
	m, rec := newManager(t)
	conv, err := m.Submit(context.Background(), sub("work-1"))
	require.NoError(t, err)

	require.NoError(t, m.RecordFailure(context.Background(), conv.ID, "no worker available"))
	got, _ := m.Get(conv.ID)
	require.Equal(t, StateRevisionRequested, got.State)
	require.Empty(t, rec.Payments())
	require.Len(t, rec.Revisions(), 1)
	require.Equal(t, "no worker available", rec.Revisions()[0].Notes)
}

func TestUnknownConversation(t *testing.T) {
	m, _ := newManager(t)
	require.ErrorIs(t, m.BeginAssessment(context.Background(), "nope", "t", nil), ErrUnknownConversation)
	require.ErrorIs(t, m.RecordDecision(context.Background(), "nope", approved(1)), ErrUnknownConversation)
	_, err := m.Feedback(context.Background(), "nope", Feedback{})
	require.ErrorIs(t, err, ErrUnknownConversation)
	_, err = m.Get("nope")
	require.ErrorIs(t, err, ErrUnknownConversation)
	_, err = m.ByWork("nope")
	require.ErrorIs(t, err, ErrUnknownConversation)
}

func TestEnd(t *testing.T) {
	m, _ := newManager(t)
	conv, err := m.Submit(context.Background(), sub("work-1"))
	require.NoError(t, err)

	require.NoError(t, m.End(context.Background(), conv.ID, "cancelled"))
	got, _ := m.Get(conv.ID)
	require.Equal(t, StatusEnded, got.Status)
	require.Equal(t, "cancelled", got.EndReason)

	require.NoError(t, m.End(context.Background(), conv.ID, "again"))
	got, _ = m.Get(conv.ID)
	require.Equal(t, "cancelled", got.EndReason)
}

// blockingLedger holds the first payment until released, so a second event
// for the same conversation queues behind it.
type blockingLedger struct {
	mu      sync.Mutex
	started chan struct{}
	release chan struct{}
	order   []int
}

func (b *blockingLedger) ReleasePayment(_ context.Context, p model.PaymentRelease) error {
	b.mu.Lock()
	first := len(b.order) == 0
	b.mu.Unlock()
	if first {
		close(b.started)
		<-b.release
	}
	b.mu.Lock()
	b.order = append(b.order, p.Percentage)
	b.mu.Unlock()
	return nil
}

func TestDeliveryOrderAndNoLockHeld(t *testing.T) {
	ledger := &blockingLedger{started: make(chan struct{}), release: make(chan struct{})}
	rec := &Recorder{}
	m := New(DefaultConfig(), WithLedger(ledger), WithNotifier(rec))

	conv := submitAndAssess(t, m, "work-1")

	done := make(chan error, 1)
	go func() { done <- m.RecordDecision(context.Background(), conv.ID, approved(0.9)) }()
	<-ledger.started

	// The conversation stays readable and writable while the ledger blocks.
	got, err := m.Get(conv.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingHumanFeedback, got.State)

	_, err = m.Feedback(context.Background(), conv.ID, Feedback{Approved: true})
	require.NoError(t, err)

	close(ledger.release)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		ledger.mu.Lock()
		defer ledger.mu.Unlock()
		return len(ledger.order) == 2
	}, time.Second, 5*time.Millisecond)
	ledger.mu.Lock()
	require.Equal(t, []int{20, 80}, ledger.order)
	ledger.mu.Unlock()
}

func TestChangeHookAndRestore(t *testing.T) {
	var mu sync.Mutex
	var snapshots []Conversation
	m := New(DefaultConfig(), WithChangeHook(func(c Conversation) {
		mu.Lock()
		snapshots = append(snapshots, c)
		mu.Unlock()
	}))
	conv := submitAndAssess(t, m, "work-1")

	mu.Lock()
	require.Len(t, snapshots, 2)
	require.Equal(t, StateAgentsAssessing, snapshots[1].State)
	mu.Unlock()

	restored := New(DefaultConfig())
	restored.Restore(snapshots[1])
	got, err := restored.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	require.NoError(t, restored.RecordDecision(context.Background(), conv.ID, rejected()))
}

func TestLedgerErrorDoesNotBlockFlow(t *testing.T) {
	m := New(DefaultConfig(), WithLedger(failingLedger{}))
	conv := submitAndAssess(t, m, "work-1")
	require.NoError(t, m.RecordDecision(context.Background(), conv.ID, approved(0.9)))
	got, _ := m.Get(conv.ID)
	require.Equal(t, StateAwaitingHumanFeedback, got.State)
}

type failingLedger struct{}

func (failingLedger) ReleasePayment(context.Context, model.PaymentRelease) error {
	return errors.New("ledger offline")
}
