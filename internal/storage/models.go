// internal/storage/models.go
package storage

// Timestamps are unix milliseconds; zero means unset. List-valued and
// map-valued fields are stored as JSON text.

type Worker struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Specialties     []string          `json:"specialties"`
	Endpoint        string            `json:"endpoint"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Rating          float64           `json:"rating"`
	TotalTasks      int               `json:"total_tasks"`
	SuccessfulTasks int               `json:"successful_tasks"`
	AvgResponseSecs float64           `json:"avg_response_secs"`
	Cost            float64           `json:"cost"`
	Status          string            `json:"status"`
	Load            float64           `json:"load"`
	LastHeartbeat   int64             `json:"last_heartbeat"`
}

type Task struct {
	ID              string   `json:"id"`
	WorkID          string   `json:"work_id"`
	ContractID      int64    `json:"contract_id"`
	Category        string   `json:"category"`
	ConversationID  string   `json:"conversation_id"`
	AssignedWorkers []string `json:"assigned_workers"`
	Status          string   `json:"status"`
	FailureReason   string   `json:"failure_reason,omitempty"`
	Stuck           bool     `json:"stuck"`
	CreatedAt       int64    `json:"created_at"`
	StartedAt       int64    `json:"started_at"`
	Deadline        int64    `json:"deadline"`
	FinishedAt      int64    `json:"finished_at"`
}

type Result struct {
	TaskID          string             `json:"task_id"`
	WorkerID        string             `json:"worker_id"`
	Specialties     []string           `json:"specialties"`
	Approved        bool               `json:"approved"`
	Confidence      float64            `json:"confidence"`
	Scores          map[string]float64 `json:"scores"`
	Issues          []string           `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	LatencyMillis   int64              `json:"latency_ms"`
	CreatedAt       int64              `json:"created_at"`
}

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
	CreatedAt          int64              `json:"created_at"`
}

type Conversation struct {
	ID              string  `json:"id"`
	WorkID          string  `json:"work_id"`
	AgentID         string  `json:"agent_id"`
	ClientID        string  `json:"client_id"`
	ContractID      int64   `json:"contract_id"`
	Category        string  `json:"category"`
	State           string  `json:"state"`
	Status          string  `json:"status"`
	EndReason       string  `json:"end_reason,omitempty"`
	Round           int     `json:"round"`
	TaskID          string  `json:"task_id,omitempty"`
	LastScore       float64 `json:"last_score"`
	PartialReleased bool    `json:"partial_released"`
	FullReleased    bool    `json:"full_released"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Seq            int    `json:"seq"`
	Type           string `json:"type"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Data           []byte `json:"data,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

type Payment struct {
	ID              int64   `json:"id"`
	ConversationID  string  `json:"conversation_id"`
	ContractID      int64   `json:"contract_id"`
	WorkID          string  `json:"work_id"`
	Percentage      int     `json:"percentage"`
	Trigger         string  `json:"trigger"`
	AssessmentScore float64 `json:"assessment_score"`
	CreatedAt       int64   `json:"created_at"`
}

type Revision struct {
	ID               int64    `json:"id"`
	ConversationID   string   `json:"conversation_id"`
	ContractID       int64    `json:"contract_id"`
	WorkID           string   `json:"work_id"`
	Source           string   `json:"source"`
	RequestedChanges []string `json:"requested_changes"`
	Notes            string   `json:"notes,omitempty"`
	Deadline         string   `json:"deadline,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}
