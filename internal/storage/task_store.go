package storage

import (
	"database/sql"
	"fmt"
)

// --- Task CRUD ---

// UpsertTask inserts a task or replaces its mutable fields.
func (d *DB) UpsertTask(t *Task) error {
	assigned, err := encodeJSON(t.AssignedWorkers)
	if err != nil {
		return fmt.Errorf("encode assigned workers: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO tasks (id, work_id, contract_id, category, conversation_id, assigned_workers,
		     status, failure_reason, stuck, created_at, started_at, deadline, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     conversation_id = excluded.conversation_id,
		     assigned_workers = excluded.assigned_workers,
		     status = excluded.status,
		     failure_reason = excluded.failure_reason,
		     stuck = excluded.stuck,
		     started_at = excluded.started_at,
		     deadline = excluded.deadline,
		     finished_at = excluded.finished_at`,
		t.ID, t.WorkID, t.ContractID, t.Category, t.ConversationID, assigned,
		t.Status, t.FailureReason, boolToInt(t.Stuck), t.CreatedAt, t.StartedAt, t.Deadline, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

const taskColumns = `id, work_id, contract_id, category, conversation_id, assigned_workers,
	status, failure_reason, stuck, created_at, started_at, deadline, finished_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	var assigned sql.NullString
	var stuck int
	if err := row.Scan(&t.ID, &t.WorkID, &t.ContractID, &t.Category, &t.ConversationID, &assigned,
		&t.Status, &t.FailureReason, &stuck, &t.CreatedAt, &t.StartedAt, &t.Deadline, &t.FinishedAt); err != nil {
		return nil, err
	}
	t.Stuck = stuck != 0
	if err := decodeJSON(assigned, &t.AssignedWorkers); err != nil {
		return nil, fmt.Errorf("decode assigned workers: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(id string) (*Task, error) {
	t, err := scanTask(d.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns up to limit tasks, newest first. limit <= 0 returns all.
func (d *DB) ListTasks(limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks in each status.
func (d *DB) CountTasksByStatus() (map[string]int, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Worker result and decision records ---

// SaveResults stores the results of one task in a single transaction.
// Results already stored for a worker are left unchanged.
func (d *DB) SaveResults(results []Result) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save results: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO worker_results (task_id, worker_id, specialties, approved, confidence,
		     scores, issues, recommendations, metadata, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare save results: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		cols := make([]sql.NullString, 5)
		for i, v := range []any{r.Specialties, r.Scores, r.Issues, r.Recommendations, r.Metadata} {
			if cols[i], err = encodeJSON(v); err != nil {
				return fmt.Errorf("encode result %s/%s: %w", r.TaskID, r.WorkerID, err)
			}
		}
		if _, err := stmt.Exec(r.TaskID, r.WorkerID, cols[0], boolToInt(r.Approved), r.Confidence,
			cols[1], cols[2], cols[3], cols[4], r.LatencyMillis, r.CreatedAt); err != nil {
			return fmt.Errorf("save result %s/%s: %w", r.TaskID, r.WorkerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save results: %w", err)
	}
	return nil
}

// ListResults returns the stored results of a task ordered by worker ID.
func (d *DB) ListResults(taskID string) ([]Result, error) {
	rows, err := d.db.Query(
		`SELECT task_id, worker_id, specialties, approved, confidence, scores, issues,
		     recommendations, metadata, latency_ms, created_at
		 FROM worker_results WHERE task_id = ? ORDER BY worker_id`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var approved int
		var specialties, scores, issues, recs, metadata sql.NullString
		if err := rows.Scan(&r.TaskID, &r.WorkerID, &specialties, &approved, &r.Confidence, &scores,
			&issues, &recs, &metadata, &r.LatencyMillis, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Approved = approved != 0
		for _, pair := range []struct {
			col sql.NullString
			dst any
		}{{specialties, &r.Specialties}, {scores, &r.Scores}, {issues, &r.Issues}, {recs, &r.Recommendations}, {metadata, &r.Metadata}} {
			if err := decodeJSON(pair.col, pair.dst); err != nil {
				return nil, fmt.Errorf("decode result: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveDecision stores a task's decision. A task has at most one decision;
// a second write returns ErrDuplicate.
func (d *DB) SaveDecision(dec *Decision) error {
	scores, err := encodeJSON(dec.CategoryScores)
	if err != nil {
		return fmt.Errorf("encode category scores: %w", err)
	}
	recs, err := encodeJSON(dec.Recommendations)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	issues, err := encodeJSON(dec.Issues)
	if err != nil {
		return fmt.Errorf("encode issues: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO decisions (task_id, approved, approval_rate, weighted_confidence, overall_score,
		     category_scores, recommendations, issues, result_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dec.TaskID, boolToInt(dec.Approved), dec.ApprovalRate, dec.WeightedConfidence, dec.OverallScore,
		scores, recs, issues, dec.ResultCount, dec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("save decision %s: %w", dec.TaskID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

const decisionColumns = `task_id, approved, approval_rate, weighted_confidence, overall_score,
	category_scores, recommendations, issues, result_count, created_at`

func scanDecision(row interface{ Scan(...any) error }) (*Decision, error) {
	dec := &Decision{}
	var approved int
	var scores, recs, issues sql.NullString
	if err := row.Scan(&dec.TaskID, &approved, &dec.ApprovalRate, &dec.WeightedConfidence, &dec.OverallScore,
		&scores, &recs, &issues, &dec.ResultCount, &dec.CreatedAt); err != nil {
		return nil, err
	}
	dec.Approved = approved != 0
	if err := decodeJSON(scores, &dec.CategoryScores); err != nil {
		return nil, fmt.Errorf("decode category scores: %w", err)
	}
	if err := decodeJSON(recs, &dec.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	if err := decodeJSON(issues, &dec.Issues); err != nil {
		return nil, fmt.Errorf("decode issues: %w", err)
	}
	return dec, nil
}

// GetDecision retrieves the decision of a task.
func (d *DB) GetDecision(taskID string) (*Decision, error) {
	dec, err := scanDecision(d.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE task_id = ?`, taskID))
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return dec, nil
}

// ListDecisions returns every stored decision, oldest first.
func (d *DB) ListDecisions() ([]Decision, error) {
	rows, err := d.db.Query(`SELECT ` + decisionColumns + ` FROM decisions ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		dec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *dec)
	}
	return out, rows.Err()
}
