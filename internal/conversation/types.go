package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ssd-technologies/attest/internal/model"
)

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrInvalidTransition   = errors.New("invalid transition")
)

// State is the position of a conversation in the staged approval flow.
type State string

const (
	StateAwaitingSubmissionAck  State = "awaiting_submission_ack"
	StateAgentsDiscovering      State = "agents_discovering"
	StateAgentsAssessing        State = "agents_assessing"
	StateAgentDecisionReached   State = "agent_decision_reached"
	StatePartialPaymentReleased State = "partial_payment_released"
	StateRevisionRequested      State = "revision_requested"
	StateAwaitingHumanFeedback  State = "awaiting_human_feedback"
	StateFullPaymentReleased    State = "full_payment_released"
	StateEnded                  State = "ended"
)

// Status is whether a conversation still accepts events.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// MessageType classifies a message in the conversation log.
type MessageType string

const (
	MsgWorkSubmission       MessageType = "work_submission"
	MsgAgentAssessment      MessageType = "agent_assessment"
	MsgClientFeedback       MessageType = "client_feedback"
	MsgPaymentTrigger       MessageType = "payment_trigger"
	MsgRevisionRequest      MessageType = "revision_request"
	MsgApprovalNotification MessageType = "approval_notification"
	MsgSystemUpdate         MessageType = "system_update"
)

// Message is one entry in a conversation log. Data carries the structured
// record behind the message (submission, decision, payment, revision).
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Type           MessageType     `json:"type"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Conversation is the ordered record of one work item's approval lifecycle.
type Conversation struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	ClientID        string    `json:"client_id"`
	WorkID          string    `json:"work_id"`
	ContractID      int64     `json:"contract_id"`
	Category        string    `json:"category"`
	State           State     `json:"state"`
	Status          Status    `json:"status"`
	EndReason       string    `json:"end_reason,omitempty"`
	Round           int       `json:"round"`
	TaskID          string    `json:"task_id,omitempty"`
	LastScore       float64   `json:"last_score"`
	PartialReleased bool      `json:"partial_released"`
	FullReleased    bool      `json:"full_released"`
	Messages        []Message `json:"messages"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Participants returns the coordinating agent and the human principal.
func (c Conversation) Participants() [2]string {
	return [2]string{c.AgentID, c.ClientID}
}

// PaymentReleased reports whether any payment stage has been released.
func (c Conversation) PaymentReleased() bool {
	return c.PartialReleased || c.FullReleased
}

func (c Conversation) clone() Conversation {
	cp := c
	cp.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m
		cp.Messages[i].Data = append(json.RawMessage(nil), m.Data...)
	}
	return cp
}

// Feedback is the human principal's verdict on assessed work.
type Feedback struct {
	Approved         bool     `json:"approved"`
	Rating           int      `json:"rating,omitempty"`
	Comments         string   `json:"comments,omitempty"`
	RequestedChanges []string `json:"requested_changes,omitempty"`
	Notes            string   `json:"notes,omitempty"`
	Deadline         string   `json:"revision_deadline,omitempty"`
}

// Ledger settles payment stages.
type Ledger interface {
	ReleasePayment(ctx context.Context, p model.PaymentRelease) error
}

// Notifier delivers conversation messages and revision requests to the
// participants.
type Notifier interface {
	Deliver(ctx context.Context, m Message) error
	RequestRevision(ctx context.Context, r model.RevisionRequest) error
}
