package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/ssd-technologies/attest/internal/conversation"
	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/registry"
	"github.com/ssd-technologies/attest/internal/storage"
)

// Conversions between in-memory records and storage rows. Timestamps are
// stored as unix milliseconds with 0 meaning unset.

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func workerRow(p registry.WorkerProfile) *storage.Worker {
	return &storage.Worker{
		ID:              p.ID,
		Name:            p.Name,
		Specialties:     p.Specialties,
		Endpoint:        p.Endpoint,
		Metadata:        p.Metadata,
		Rating:          p.Rating,
		TotalTasks:      p.TotalTasks,
		SuccessfulTasks: p.SuccessfulTasks,
		AvgResponseSecs: p.AvgResponseSecs,
		Cost:            p.Cost,
		Status:          string(p.Status),
		Load:            p.Load,
		LastHeartbeat:   millis(p.LastHeartbeat),
	}
}

func workerFromRow(w storage.Worker) registry.WorkerProfile {
	return registry.WorkerProfile{
		ID:              w.ID,
		Name:            w.Name,
		Specialties:     w.Specialties,
		Endpoint:        w.Endpoint,
		Metadata:        w.Metadata,
		Rating:          w.Rating,
		TotalTasks:      w.TotalTasks,
		SuccessfulTasks: w.SuccessfulTasks,
		AvgResponseSecs: w.AvgResponseSecs,
		Cost:            w.Cost,
		Status:          registry.Status(w.Status),
		Load:            w.Load,
		LastHeartbeat:   fromMillis(w.LastHeartbeat),
	}
}

func taskRow(t model.Task) *storage.Task {
	return &storage.Task{
		ID:              t.ID,
		WorkID:          t.WorkID,
		ContractID:      t.ContractID,
		Category:        t.Category,
		ConversationID:  t.ConversationID,
		AssignedWorkers: t.AssignedWorkers,
		Status:          string(t.Status),
		FailureReason:   t.FailureReason,
		Stuck:           t.Stuck,
		CreatedAt:       millis(t.CreatedAt),
		StartedAt:       millis(t.StartedAt),
		Deadline:        millis(t.Deadline),
		FinishedAt:      millis(t.FinishedAt),
	}
}

func taskFromRow(t storage.Task) model.Task {
	return model.Task{
		ID:              t.ID,
		WorkID:          t.WorkID,
		ContractID:      t.ContractID,
		Category:        t.Category,
		ConversationID:  t.ConversationID,
		AssignedWorkers: t.AssignedWorkers,
		Status:          model.TaskStatus(t.Status),
		FailureReason:   t.FailureReason,
		Stuck:           t.Stuck,
		CreatedAt:       fromMillis(t.CreatedAt),
		StartedAt:       fromMillis(t.StartedAt),
		Deadline:        fromMillis(t.Deadline),
		FinishedAt:      fromMillis(t.FinishedAt),
	}
}

func resultRows(results []model.WorkerResult) []storage.Result {
	rows := make([]storage.Result, len(results))
	for i, r := range results {
		rows[i] = storage.Result{
			TaskID:          r.TaskID,
			WorkerID:        r.WorkerID,
			Specialties:     r.Specialties,
			Approved:        r.Approved,
			Confidence:      r.Confidence,
			Scores:          r.Scores,
			Issues:          r.Issues,
			Recommendations: r.Recommendations,
			Metadata:        r.Metadata,
			LatencyMillis:   r.Latency.Milliseconds(),
			CreatedAt:       millis(r.Timestamp),
		}
	}
	return rows
}

func decisionRow(d model.Decision, at time.Time) *storage.Decision {
	return &storage.Decision{
		TaskID:             d.TaskID,
		Approved:           d.Approved,
		ApprovalRate:       d.ApprovalRate,
		WeightedConfidence: d.WeightedConfidence,
		OverallScore:       d.OverallScore,
		CategoryScores:     d.CategoryScores,
		Recommendations:    d.Recommendations,
		Issues:             d.Issues,
		ResultCount:        d.ResultCount,
		CreatedAt:          millis(at),
	}
}

func decisionFromRow(d storage.Decision) model.Decision {
	dec := model.Decision{
		TaskID:             d.TaskID,
		Approved:           d.Approved,
		ApprovalRate:       d.ApprovalRate,
		WeightedConfidence: d.WeightedConfidence,
		OverallScore:       d.OverallScore,
		CategoryScores:     d.CategoryScores,
		Recommendations:    d.Recommendations,
		Issues:             d.Issues,
		ResultCount:        d.ResultCount,
		PaymentStage:       d.Approved,
	}
	if dec.CategoryScores == nil {
		dec.CategoryScores = map[string]float64{}
	}
	if dec.Recommendations == nil {
		dec.Recommendations = []string{}
	}
	if dec.Issues == nil {
		dec.Issues = []string{}
	}
	return dec
}

func conversationRows(c conversation.Conversation) (*storage.Conversation, []storage.Message) {
	row := &storage.Conversation{
		ID:              c.ID,
		WorkID:          c.WorkID,
		AgentID:         c.AgentID,
		ClientID:        c.ClientID,
		ContractID:      c.ContractID,
		Category:        c.Category,
		State:           string(c.State),
		Status:          string(c.Status),
		EndReason:       c.EndReason,
		Round:           c.Round,
		TaskID:          c.TaskID,
		LastScore:       c.LastScore,
		PartialReleased: c.PartialReleased,
		FullReleased:    c.FullReleased,
		CreatedAt:       millis(c.CreatedAt),
		UpdatedAt:       millis(c.UpdatedAt),
	}
	msgs := make([]storage.Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = storage.Message{
			ID:             m.ID,
			ConversationID: c.ID,
			Seq:            i + 1,
			Type:           string(m.Type),
			Sender:         m.Sender,
			Recipient:      m.Recipient,
			Title:          m.Title,
			Body:           m.Body,
			Data:           m.Data,
			CreatedAt:      millis(m.Timestamp),
		}
	}
	return row, msgs
}

func conversationFromRows(c storage.Conversation, msgs []storage.Message) conversation.Conversation {
	conv := conversation.Conversation{
		ID:              c.ID,
		AgentID:         c.AgentID,
		ClientID:        c.ClientID,
		WorkID:          c.WorkID,
		ContractID:      c.ContractID,
		Category:        c.Category,
		State:           conversation.State(c.State),
		Status:          conversation.Status(c.Status),
		EndReason:       c.EndReason,
		Round:           c.Round,
		TaskID:          c.TaskID,
		LastScore:       c.LastScore,
		PartialReleased: c.PartialReleased,
		FullReleased:    c.FullReleased,
		CreatedAt:       fromMillis(c.CreatedAt),
		UpdatedAt:       fromMillis(c.UpdatedAt),
	}
	for _, m := range msgs {
		conv.Messages = append(conv.Messages, conversation.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Type:           conversation.MessageType(m.Type),
			Sender:         m.Sender,
			Recipient:      m.Recipient,
			Title:          m.Title,
			Body:           m.Body,
			Data:           json.RawMessage(m.Data),
			Timestamp:      fromMillis(m.CreatedAt),
		})
	}
	return conv
}

// journal records payment releases and revision requests before handing
// them to the downstream collaborators. A payment already recorded for the
// same trigger is not forwarded again.
type journal struct {
	db       *storage.DB
	now      func() time.Time
	ledger   conversation.Ledger
	notifier conversation.Notifier
}

func (j *journal) ReleasePayment(ctx context.Context, p model.PaymentRelease) error {
	if j.db != nil {
		err := j.db.RecordPayment(&storage.Payment{
			ConversationID:  p.ConversationID,
			ContractID:      p.ContractID,
			WorkID:          p.WorkID,
			Percentage:      p.Percentage,
			Trigger:         string(p.Trigger),
			AssessmentScore: p.AssessmentScore,
			CreatedAt:       millis(j.now()),
		})
		if errors.Is(err, storage.ErrDuplicate) {
			log.Printf("[coordinator] WARNING: %s payment for %s already recorded; not released again", p.Trigger, p.ConversationID)
			return nil
		}
		if err != nil {
			log.Printf("[coordinator] ERROR: record payment for %s: %v", p.ConversationID, err)
		}
	}
	if j.ledger == nil {
		return nil
	}
	return j.ledger.ReleasePayment(ctx, p)
}

func (j *journal) RequestRevision(ctx context.Context, r model.RevisionRequest) error {
	if j.db != nil {
		err := j.db.RecordRevision(&storage.Revision{
			ConversationID:   r.ConversationID,
			ContractID:       r.ContractID,
			WorkID:           r.WorkID,
			Source:           r.Source,
			RequestedChanges: r.RequestedChanges,
			Notes:            r.Notes,
			Deadline:         r.Deadline,
			CreatedAt:        millis(j.now()),
		})
		if err != nil {
			log.Printf("[coordinator] ERROR: record revision for %s: %v", r.ConversationID, err)
		}
	}
	if j.notifier == nil {
		return nil
	}
	return j.notifier.RequestRevision(ctx, r)
}

func (j *journal) Deliver(ctx context.Context, m conversation.Message) error {
	if j.notifier == nil {
		return nil
	}
	return j.notifier.Deliver(ctx, m)
}
