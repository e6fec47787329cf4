// Package model holds the records exchanged between the registry, dispatcher,
// aggregator and conversation layers, and at the process boundary.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSubmission is returned for submissions missing a work id, client
// id or category.
var ErrInvalidSubmission = errors.New("invalid submission")

// TaskStatus is the lifecycle state of a VerificationTask.
type TaskStatus string

const (
	TaskCreated     TaskStatus = "created"
	TaskDiscovering TaskStatus = "discovering"
	TaskAssigned    TaskStatus = "assigned"
	TaskVerifying   TaskStatus = "verifying"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// InFlight reports whether workers are currently assessing the task.
func (s TaskStatus) InFlight() bool {
	return s == TaskAssigned || s == TaskVerifying
}

// Submission is the inbound work submission that starts a verification.
type Submission struct {
	WorkID       string   `json:"work_id"`
	ContractID   int64    `json:"contract_id"`
	Category     string   `json:"category"`
	Deliverables []string `json:"deliverables"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
	Notes        string   `json:"notes"`
	ClientID     string   `json:"client_id"`
}

// Validate checks the fields every submission needs.
func (s Submission) Validate() error {
	switch {
	case strings.TrimSpace(s.WorkID) == "":
		return fmt.Errorf("%w: work_id required", ErrInvalidSubmission)
	case strings.TrimSpace(s.ClientID) == "":
		return fmt.Errorf("%w: client_id required", ErrInvalidSubmission)
	case strings.TrimSpace(s.Category) == "":
		return fmt.Errorf("%w: category required", ErrInvalidSubmission)
	}
	return nil
}

// AssessmentRequest returns the payload sent to each worker for a task.
func (s Submission) AssessmentRequest(taskID string) AssessmentRequest {
	return AssessmentRequest{
		TaskID:       taskID,
		Category:     s.Category,
		Deliverables: s.Deliverables,
		Description:  s.Description,
		Requirements: s.Requirements,
	}
}

// Task is one request to verify a work item with a bounded set of workers.
type Task struct {
	ID              string     `json:"id"`
	WorkID          string     `json:"work_id"`
	ContractID      int64      `json:"contract_id"`
	Category        string     `json:"category"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	AssignedWorkers []string   `json:"assigned_workers"`
	Status          TaskStatus `json:"status"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	Stuck           bool       `json:"stuck,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	Deadline        time.Time  `json:"deadline"`
	FinishedAt      time.Time  `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	c.AssignedWorkers = append([]string(nil), t.AssignedWorkers...)
	return c
}

// AssessmentRequest is the exact payload the worker black box consumes.
type AssessmentRequest struct {
	TaskID       string   `json:"task_id"`
	Category     string   `json:"category"`
	Deliverables []string `json:"deliverables"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
}

// AssessmentResult is what a worker returns for one assessment.
type AssessmentResult struct {
	Approved        bool               `json:"approved"`
	Confidence      float64            `json:"confidence"`
	CategoryScores  map[string]float64 `json:"category_scores"`
	Issues          []string           `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
}

// WorkerResult is one worker's immutable verdict on one task. Confidence and
// every category score are clamped to [0,1] on construction.
type WorkerResult struct {
	TaskID          string             `json:"task_id"`
	WorkerID        string             `json:"worker_id"`
	Specialties     []string           `json:"specialties"`
	Approved        bool               `json:"approved"`
	Confidence      float64            `json:"confidence"`
	Scores          map[string]float64 `json:"category_scores"`
	Issues          []string           `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	Latency         time.Duration      `json:"latency"`
	Timestamp       time.Time          `json:"timestamp"`
}

// NewWorkerResult builds a WorkerResult from a raw assessment.
func NewWorkerResult(taskID, workerID string, specialties []string, res AssessmentResult, latency time.Duration, at time.Time) WorkerResult {
	scores := make(map[string]float64, len(res.CategoryScores))
	for name, v := range res.CategoryScores {
		scores[name] = Clamp01(v)
	}
	var meta map[string]string
	if len(res.Metadata) > 0 {
		meta = make(map[string]string, len(res.Metadata))
		for k, v := range res.Metadata {
			meta[k] = v
		}
	}
	return WorkerResult{
		TaskID:          taskID,
		WorkerID:        workerID,
		Specialties:     append([]string(nil), specialties...),
		Approved:        res.Approved,
		Confidence:      Clamp01(res.Confidence),
		Scores:          scores,
		Issues:          append([]string(nil), res.Issues...),
		Recommendations: append([]string(nil), res.Recommendations...),
		Metadata:        meta,
		Latency:         latency,
		Timestamp:       at,
	}
}

// Clamp01 clamps v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Decision is the consensus outcome for one task.
type Decision struct {
	TaskID             string             `json:"task_id"`
	Approved           bool               `json:"approved"`
	ApprovalRate       float64            `json:"approval_rate"`
	WeightedConfidence float64            `json:"weighted_confidence"`
	OverallScore       float64            `json:"overall_score"`
	CategoryScores     map[string]float64 `json:"category_scores"`
	Recommendations    []string           `json:"recommendations"`
	Issues             []string           `json:"issues"`
	ResultCount        int                `json:"result_count"`
	PaymentStage       bool               `json:"payment_stage"`
}

// PaymentTrigger names what released a payment stage.
type PaymentTrigger string

const (
	TriggerAgentApproval  PaymentTrigger = "agent_approval"
	TriggerClientApproval PaymentTrigger = "client_approval"
)

// PaymentRelease is sent to the ledger collaborator.
type PaymentRelease struct {
	ConversationID  string         `json:"conversation_id"`
	ContractID      int64          `json:"contract_id"`
	WorkID          string         `json:"work_id"`
	Percentage      int            `json:"percentage"`
	Trigger         PaymentTrigger `json:"trigger"`
	AssessmentScore float64        `json:"assessment_score"`
}

// Revision sources.
const (
	RevisionFromAgents = "agents"
	RevisionFromClient = "client"
)

// RevisionRequest is sent to the notification collaborator.
type RevisionRequest struct {
	ConversationID   string   `json:"conversation_id"`
	ContractID       int64    `json:"contract_id"`
	WorkID           string   `json:"work_id"`
	Source           string   `json:"source"`
	RequestedChanges []string `json:"requested_changes"`
	Notes            string   `json:"notes,omitempty"`
	Deadline         string   `json:"deadline,omitempty"`
}

// StatusResponse is the polling view over a verification request.
type StatusResponse struct {
	RequestID       string   `json:"request_id"`
	ConversationID  string   `json:"conversation_id,omitempty"`
	Status          string   `json:"status"`
	Completed       bool     `json:"completed"`
	Approved        *bool    `json:"approved,omitempty"`
	ApprovalRate    *float64 `json:"approval_rate,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	AgentCount      *int     `json:"agent_count,omitempty"`
	PaymentReleased *bool    `json:"payment_released,omitempty"`
	Error           string   `json:"error,omitempty"`
	Timestamp       string   `json:"timestamp"`
}
