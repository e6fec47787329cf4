// Package conversation drives the staged approval flow for each work item:
// submission notice, consensus-driven partial payment, human feedback, and
// full payment or a revision loop.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/attest/internal/model"
)

const (
	DefaultAgentID        = "attest-coordinator"
	DefaultPartialPercent = 20
	DefaultRevisionWindow = 72 * time.Hour
)

// Config tunes the approval flow.
type Config struct {
	AgentID        string        `yaml:"agent_id"`
	PartialPercent int           `yaml:"partial_percent"`
	RevisionWindow time.Duration `yaml:"revision_window"`
}

// DefaultConfig returns the production approval settings.
func DefaultConfig() Config {
	return Config{
		AgentID:        DefaultAgentID,
		PartialPercent: DefaultPartialPercent,
		RevisionWindow: DefaultRevisionWindow,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLedger sets the payment collaborator.
func WithLedger(l Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithChangeHook registers fn to receive a snapshot after every transition.
// fn runs outside the conversation lock.
func WithChangeHook(fn func(Conversation)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// event is one queued outbound delivery. Exactly one field is set.
type event struct {
	message  *Message
	payment  *model.PaymentRelease
	revision *model.RevisionRequest
}

type session struct {
	mu       sync.Mutex
	conv     Conversation
	outbox   []event
	flushing bool
}

// Manager owns every conversation. Events for one conversation are applied
// and delivered strictly in arrival order; different conversations proceed
// independently.
type Manager struct {
	cfg      Config
	ledger   Ledger
	notifier Notifier
	now      func() time.Time
	onChange func(Conversation)

	mu       sync.RWMutex
	sessions map[string]*session
	byWork   map[string]string
}

// New creates a Manager.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.AgentID == "" {
		cfg.AgentID = DefaultAgentID
	}
	if cfg.PartialPercent <= 0 || cfg.PartialPercent >= 100 {
		cfg.PartialPercent = DefaultPartialPercent
	}
	if cfg.RevisionWindow <= 0 {
		cfg.RevisionWindow = DefaultRevisionWindow
	}
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
		byWork:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit starts the approval flow for a submission. A new conversation is
// created for an unseen work id; a work id whose conversation awaits a
// revision starts a new round on the same conversation.
func (m *Manager) Submit(ctx context.Context, sub model.Submission) (Conversation, error) {
	if err := sub.Validate(); err != nil {
		return Conversation{}, err
	}

	m.mu.Lock()
	s, exists := m.sessions[m.byWork[sub.WorkID]]
	if !exists {
		now := m.now()
		s = &session{conv: Conversation{
			ID:         uuid.New().String(),
			AgentID:    m.cfg.AgentID,
			ClientID:   sub.ClientID,
			WorkID:     sub.WorkID,
			ContractID: sub.ContractID,
			Category:   sub.Category,
			State:      StateAwaitingSubmissionAck,
			Status:     StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}}
		m.sessions[s.conv.ID] = s
		m.byWork[sub.WorkID] = s.conv.ID
	}
	m.mu.Unlock()

	conv, err := m.apply(ctx, s, func(c *Conversation, q *queue) error {
		if exists {
			if c.State != StateRevisionRequested {
				return fmt.Errorf("%w: submission for %s while %s", ErrInvalidTransition, c.WorkID, c.State)
			}
			c.State = StateAwaitingSubmissionAck
			c.Category = sub.Category
			c.ContractID = sub.ContractID
		}
		c.Round++
		c.TaskID = ""

		q.message(c, MsgWorkSubmission, c.ClientID, c.AgentID, "Work Submitted", sub.Description, sub)
		body := "Submission received. Discovering verification agents."
		if c.Round > 1 {
			body = fmt.Sprintf("Revised submission received (round %d). Discovering verification agents.", c.Round)
		}
		q.message(c, MsgSystemUpdate, c.AgentID, c.ClientID, "Verification Started", body, map[string]any{
			"work_id":     c.WorkID,
			"contract_id": c.ContractID,
			"category":    c.Category,
			"round":       c.Round,
		})
		c.State = StateAgentsDiscovering
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	log.Printf("[conversation] %s: work %s submitted (round %d)", conv.ID, conv.WorkID, conv.Round)
	return conv, nil
}

// BeginAssessment records that workers have been dispatched for taskID.
func (m *Manager) BeginAssessment(ctx context.Context, id, taskID string, workers []string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	_, err = m.apply(ctx, s, func(c *Conversation, q *queue) error {
		if c.State != StateAgentsDiscovering {
			return fmt.Errorf("%w: begin assessment while %s", ErrInvalidTransition, c.State)
		}
		c.TaskID = taskID
		q.message(c, MsgSystemUpdate, c.AgentID, c.ClientID, "Agents Assessing",
			fmt.Sprintf("%d verification agent(s) are assessing the work.", len(workers)),
			map[string]any{"task_id": taskID, "agent_count": len(workers)})
		c.State = StateAgentsAssessing
		return nil
	})
	return err
}

// RecordDecision applies a consensus decision. An approved decision releases
// the partial payment once per conversation and waits for human feedback; a
// rejected one requests a revision.
func (m *Manager) RecordDecision(ctx context.Context, id string, d model.Decision) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	conv, err := m.apply(ctx, s, func(c *Conversation, q *queue) error {
		if c.State != StateAgentsAssessing && c.State != StateAgentsDiscovering {
			return fmt.Errorf("%w: decision while %s", ErrInvalidTransition, c.State)
		}
		c.State = StateAgentDecisionReached
		c.LastScore = d.OverallScore
		q.message(c, MsgAgentAssessment, c.AgentID, c.ClientID, "Agent Assessment Complete", summary(d), d)

		if !d.Approved {
			m.requestRevision(c, q, model.RevisionFromAgents, changesFrom(d), "", "")
			return nil
		}

		if !c.PartialReleased {
			c.PartialReleased = true
			p := model.PaymentRelease{
				ConversationID:  c.ID,
				ContractID:      c.ContractID,
				WorkID:          c.WorkID,
				Percentage:      m.cfg.PartialPercent,
				Trigger:         model.TriggerAgentApproval,
				AssessmentScore: d.OverallScore,
			}
			c.State = StatePartialPaymentReleased
			q.message(c, MsgPaymentTrigger, c.AgentID, c.ClientID, "Agent Approval - Partial Payment Released",
				fmt.Sprintf("Verification agents approved the work. %d%% of the contract amount has been released.", p.Percentage), p)
			q.pay(p)
		}
		c.State = StateAwaitingHumanFeedback
		q.message(c, MsgSystemUpdate, c.AgentID, c.ClientID, "Awaiting Your Review",
			"Review the work and approve it for full payment or request revisions.", nil)
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[conversation] %s: decision approved=%t -> %s", conv.ID, d.Approved, conv.State)
	return nil
}

// RecordFailure notes that verification could not reach a decision and asks
// for a revised submission without releasing any payment.
func (m *Manager) RecordFailure(ctx context.Context, id string, reason string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	_, err = m.apply(ctx, s, func(c *Conversation, q *queue) error {
		if c.State != StateAgentsAssessing && c.State != StateAgentsDiscovering {
			return fmt.Errorf("%w: failure while %s", ErrInvalidTransition, c.State)
		}
		q.message(c, MsgSystemUpdate, c.AgentID, c.ClientID, "Verification Failed",
			"Verification could not be completed: "+reason, map[string]string{"reason": reason})
		m.requestRevision(c, q, model.RevisionFromAgents, nil, reason, "")
		return nil
	})
	return err
}

// Feedback applies the human principal's verdict. Approval releases the
// remaining payment and ends the conversation; rejection requests a revision.
func (m *Manager) Feedback(ctx context.Context, id string, fb Feedback) (Conversation, error) {
	s, err := m.session(id)
	if err != nil {
		return Conversation{}, err
	}
	return m.apply(ctx, s, func(c *Conversation, q *queue) error {
		if c.State != StateAwaitingHumanFeedback {
			return fmt.Errorf("%w: feedback while %s", ErrInvalidTransition, c.State)
		}
		q.message(c, MsgClientFeedback, c.ClientID, c.AgentID, "Client Feedback", fb.Comments, fb)

		if !fb.Approved {
			m.requestRevision(c, q, model.RevisionFromClient, fb.RequestedChanges, fb.Notes, fb.Deadline)
			return nil
		}

		if !c.FullReleased {
			c.FullReleased = true
			p := model.PaymentRelease{
				ConversationID:  c.ID,
				ContractID:      c.ContractID,
				WorkID:          c.WorkID,
				Percentage:      100 - m.cfg.PartialPercent,
				Trigger:         model.TriggerClientApproval,
				AssessmentScore: c.LastScore,
			}
			c.State = StateFullPaymentReleased
			q.message(c, MsgApprovalNotification, c.AgentID, c.ClientID, "Work Approved - Full Payment Released",
				fmt.Sprintf("You approved the work. The remaining %d%% of the contract amount has been released.", p.Percentage), p)
			q.pay(p)
		}
		m.end(c, "completed")
		return nil
	})
}

// End closes a conversation. Ending an ended conversation is a no-op.
func (m *Manager) End(ctx context.Context, id, reason string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ended := s.conv.Status == StatusEnded
	s.mu.Unlock()
	if ended {
		return nil
	}
	_, err = m.apply(ctx, s, func(c *Conversation, q *queue) error {
		m.end(c, reason)
		return nil
	})
	return err
}

// Get returns a snapshot of a conversation.
func (m *Manager) Get(id string) (Conversation, error) {
	s, err := m.session(id)
	if err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.clone(), nil
}

// ByWork returns the conversation for a work id.
func (m *Manager) ByWork(workID string) (Conversation, error) {
	m.mu.RLock()
	id, ok := m.byWork[workID]
	m.mu.RUnlock()
	if !ok {
		return Conversation{}, ErrUnknownConversation
	}
	return m.Get(id)
}

// List returns snapshots of every conversation, oldest first.
func (m *Manager) List() []Conversation {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Conversation, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.conv.clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads a conversation from storage. Existing conversations are not
// overwritten.
func (m *Manager) Restore(c Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[c.ID]; ok {
		return
	}
	m.sessions[c.ID] = &session{conv: c.clone()}
	m.byWork[c.WorkID] = c.ID
}

func (m *Manager) session(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		log.Printf("[conversation] WARNING: unknown conversation %q", id)
		return nil, ErrUnknownConversation
	}
	return s, nil
}

// apply runs fn on a copy of the conversation under its lock, commits the
// copy unless fn fails, then delivers whatever fn queued.
func (m *Manager) apply(ctx context.Context, s *session, fn func(c *Conversation, q *queue) error) (Conversation, error) {
	s.mu.Lock()
	if s.conv.Status == StatusEnded {
		state := s.conv.State
		s.mu.Unlock()
		return Conversation{}, fmt.Errorf("%w: conversation %s is %s", ErrInvalidTransition, s.conv.ID, state)
	}
	work := s.conv.clone()
	q := &queue{now: m.now}
	if err := fn(&work, q); err != nil {
		s.mu.Unlock()
		return Conversation{}, err
	}
	work.UpdatedAt = m.now()
	s.conv = work
	s.outbox = append(s.outbox, q.events...)
	snapshot := s.conv.clone()
	s.mu.Unlock()

	if m.onChange != nil {
		m.onChange(snapshot)
	}
	m.flush(context.WithoutCancel(ctx), s)
	return snapshot, nil
}

// flush delivers queued events in order. Only one goroutine flushes a
// session at a time; others leave their events for it.
func (m *Manager) flush(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.outbox) > 0 {
		ev := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.mu.Unlock()
		m.deliver(ctx, ev)
		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

func (m *Manager) deliver(ctx context.Context, ev event) {
	switch {
	case ev.message != nil:
		if m.notifier == nil {
			return
		}
		if err := m.notifier.Deliver(ctx, *ev.message); err != nil {
			log.Printf("[conversation] deliver %s message %s: %v", ev.message.Type, ev.message.ID, err)
		}
	case ev.payment != nil:
		p := *ev.payment
		log.Printf("[conversation] %s: releasing %d%% (%s) for contract %d", p.ConversationID, p.Percentage, p.Trigger, p.ContractID)
		if m.ledger == nil {
			return
		}
		if err := m.ledger.ReleasePayment(ctx, p); err != nil {
			log.Printf("[conversation] ERROR: payment release %d%% for %s failed: %v", p.Percentage, p.ConversationID, err)
		}
	case ev.revision != nil:
		if m.notifier == nil {
			return
		}
		if err := m.notifier.RequestRevision(ctx, *ev.revision); err != nil {
			log.Printf("[conversation] revision request for %s: %v", ev.revision.ConversationID, err)
		}
	}
}

func (m *Manager) requestRevision(c *Conversation, q *queue, source string, changes []string, notes, deadline string) {
	if deadline == "" {
		deadline = m.now().Add(m.cfg.RevisionWindow).UTC().Format(time.RFC3339)
	}
	r := model.RevisionRequest{
		ConversationID:   c.ID,
		ContractID:       c.ContractID,
		WorkID:           c.WorkID,
		Source:           source,
		RequestedChanges: append([]string{}, changes...),
		Notes:            notes,
		Deadline:         deadline,
	}
	c.State = StateRevisionRequested
	q.message(c, MsgRevisionRequest, c.AgentID, c.ClientID, "Revision Requested",
		"The work needs revision before it can be approved. A revised submission will be re-assessed.", r)
	q.revise(r)
}

func (m *Manager) end(c *Conversation, reason string) {
	c.State = StateEnded
	c.Status = StatusEnded
	c.EndReason = reason
}

// queue collects the messages and events produced by one transition.
type queue struct {
	now    func() time.Time
	events []event
}

func (q *queue) message(c *Conversation, typ MessageType, sender, recipient, title, body string, data any) {
	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: c.ID,
		Type:           typ,
		Sender:         sender,
		Recipient:      recipient,
		Title:          title,
		Body:           body,
		Timestamp:      q.now(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Printf("[conversation] encode %s payload: %v", typ, err)
		} else {
			msg.Data = raw
		}
	}
	c.Messages = append(c.Messages, msg)
	q.events = append(q.events, event{message: &msg})
}

func (q *queue) pay(p model.PaymentRelease) {
	q.events = append(q.events, event{payment: &p})
}

func (q *queue) revise(r model.RevisionRequest) {
	q.events = append(q.events, event{revision: &r})
}

func summary(d model.Decision) string {
	verdict := "needs revision"
	if d.Approved {
		verdict = "approved"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Overall quality score: %.1f%%. Confidence: %.1f%%. Approval rate: %.1f%% of %d agent(s). Verdict: %s.",
		d.OverallScore*100, d.WeightedConfidence*100, d.ApprovalRate*100, d.ResultCount, verdict)
	if len(d.Recommendations) > 0 {
		b.WriteString(" Recommendations: ")
		b.WriteString(strings.Join(d.Recommendations, "; "))
		b.WriteString(".")
	}
	return b.String()
}

func changesFrom(d model.Decision) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string{}, d.Issues...), d.Recommendations...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
