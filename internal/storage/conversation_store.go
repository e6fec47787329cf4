package storage

import (
	"database/sql"
	"fmt"
)

// --- Conversation CRUD ---

// SaveConversation upserts a conversation and appends any of msgs not yet
// stored, in one transaction. Stored messages are never rewritten, and a
// snapshot older than the stored one does not replace it.
func (d *DB) SaveConversation(c *Conversation, msgs []Message) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save conversation: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO conversations (id, work_id, agent_id, client_id, contract_id, category, state,
		     status, end_reason, round, task_id, last_score, partial_released, full_released,
		     created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     state = excluded.state,
		     status = excluded.status,
		     end_reason = excluded.end_reason,
		     round = excluded.round,
		     task_id = excluded.task_id,
		     last_score = excluded.last_score,
		     partial_released = excluded.partial_released,
		     full_released = excluded.full_released,
		     updated_at = excluded.updated_at
		 WHERE excluded.updated_at >= conversations.updated_at`,
		c.ID, c.WorkID, c.AgentID, c.ClientID, c.ContractID, c.Category, c.State,
		c.Status, c.EndReason, c.Round, c.TaskID, c.LastScore, boolToInt(c.PartialReleased),
		boolToInt(c.FullReleased), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if len(msgs) > 0 {
		stmt, err := tx.Prepare(
			`INSERT OR IGNORE INTO messages (id, conversation_id, seq, type, sender, recipient,
			     title, body, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("prepare messages: %w", err)
		}
		defer stmt.Close()
		for _, m := range msgs {
			if _, err := stmt.Exec(m.ID, c.ID, m.Seq, m.Type, m.Sender, m.Recipient,
				m.Title, m.Body, m.Data, m.CreatedAt); err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, work_id, agent_id, client_id, contract_id, category, state,
	status, end_reason, round, task_id, last_score, partial_released, full_released,
	created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	c := &Conversation{}
	var partial, full int
	if err := row.Scan(&c.ID, &c.WorkID, &c.AgentID, &c.ClientID, &c.ContractID, &c.Category, &c.State,
		&c.Status, &c.EndReason, &c.Round, &c.TaskID, &c.LastScore, &partial, &full,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.PartialReleased = partial != 0
	c.FullReleased = full != 0
	return c, nil
}

// GetConversation retrieves a conversation and its messages in order.
func (d *DB) GetConversation(id string) (*Conversation, []Message, error) {
	c, err := scanConversation(d.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}
	msgs, err := d.ListMessages(id)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// ListConversations returns all conversations, oldest first, without messages.
func (d *DB) ListConversations() ([]Conversation, error) {
	rows, err := d.db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListMessages returns the messages of a conversation ordered by sequence.
func (d *DB) ListMessages(conversationID string) ([]Message, error) {
	rows, err := d.db.Query(
		`SELECT id, conversation_id, seq, type, sender, recipient, title, body, data, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Type, &m.Sender, &m.Recipient,
			&m.Title, &m.Body, &m.Data, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Payment and revision records ---

// RecordPayment stores a payment release. Each trigger fires at most once
// per conversation; a repeat returns ErrDuplicate.
func (d *DB) RecordPayment(p *Payment) error {
	res, err := d.db.Exec(
		`INSERT INTO payments (conversation_id, contract_id, work_id, percentage, trigger_type,
		     assessment_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ConversationID, p.ContractID, p.WorkID, p.Percentage, p.Trigger, p.AssessmentScore, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("record payment %s/%s: %w", p.ConversationID, p.Trigger, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("payment id: %w", err)
	}
	p.ID = id
	return nil
}

// ListPayments returns the payments of a conversation in insertion order.
// An empty conversationID lists every payment.
func (d *DB) ListPayments(conversationID string) ([]Payment, error) {
	query := `SELECT id, conversation_id, contract_id, work_id, percentage, trigger_type,
	     assessment_score, created_at FROM payments`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	rows, err := d.db.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.ContractID, &p.WorkID, &p.Percentage,
			&p.Trigger, &p.AssessmentScore, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordRevision stores a revision request.
func (d *DB) RecordRevision(r *Revision) error {
	changes, err := encodeJSON(r.RequestedChanges)
	if err != nil {
		return fmt.Errorf("encode requested changes: %w", err)
	}
	res, err := d.db.Exec(
		`INSERT INTO revisions (conversation_id, contract_id, work_id, source, requested_changes,
		     notes, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ConversationID, r.ContractID, r.WorkID, r.Source, changes, r.Notes, r.Deadline, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record revision: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("revision id: %w", err)
	}
	r.ID = id
	return nil
}

// ListRevisions returns the revisions of a conversation in insertion order.
func (d *DB) ListRevisions(conversationID string) ([]Revision, error) {
	rows, err := d.db.Query(
		`SELECT id, conversation_id, contract_id, work_id, source, requested_changes, notes,
		     deadline, created_at
		 FROM revisions WHERE conversation_id = ? ORDER BY id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var r Revision
		var changes sql.NullString
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.ContractID, &r.WorkID, &r.Source, &changes,
			&r.Notes, &r.Deadline, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		if err := decodeJSON(changes, &r.RequestedChanges); err != nil {
			return nil, fmt.Errorf("decode requested changes: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
