// Package coordinator wires discovery, dispatch, consensus and the approval
// conversation into one verification pipeline, and answers status and
// statistics queries over it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ssd-technologies/attest/internal/consensus"
	"github.com/ssd-technologies/attest/internal/conversation"
	"github.com/ssd-technologies/attest/internal/dispatch"
	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/observability"
	"github.com/ssd-technologies/attest/internal/registry"
	"github.com/ssd-technologies/attest/internal/storage"
)

// ErrInterrupted is the failure reason recorded for tasks that were in
// progress when the process stopped.
var ErrInterrupted = errors.New("verification interrupted by restart")

// Config bundles the settings of every pipeline stage.
type Config struct {
	Dispatch          dispatch.Config
	Consensus         consensus.Config
	Conversation      conversation.Config
	OverloadThreshold float64
}

// DefaultConfig returns production settings for every stage.
func DefaultConfig() Config {
	return Config{
		Dispatch:          dispatch.DefaultConfig(),
		Consensus:         consensus.DefaultConfig(),
		Conversation:      conversation.DefaultConfig(),
		OverloadThreshold: registry.DefaultOverloadThreshold,
	}
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	store    *storage.DB
	market   registry.Marketplace
	ledger   conversation.Ledger
	notifier conversation.Notifier
	now      func() time.Time
}

// WithStore persists workers, tasks, results, decisions and conversations.
func WithStore(db *storage.DB) Option {
	return func(o *options) { o.store = db }
}

// WithMarketplace sets the discovery fallback.
func WithMarketplace(m registry.Marketplace) Option {
	return func(o *options) { o.market = m }
}

// WithLedger sets the payment collaborator.
func WithLedger(l conversation.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithNotifier sets the message and revision collaborator.
func WithNotifier(n conversation.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock overrides time.Now in every stage, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Receipt identifies an accepted submission.
type Receipt struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// NetworkStats summarises the worker network and verification history.
type NetworkStats struct {
	TotalAgents         int     `json:"total_agents"`
	ActiveAgents        int     `json:"active_agents"`
	TotalVerifications  int     `json:"total_verifications"`
	SuccessRate         float64 `json:"success_rate"`
	AverageResponseTime float64 `json:"average_response_time"`
}

// Coordinator runs verifications end to end.
type Coordinator struct {
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
	agg   *consensus.Aggregator
	convs *conversation.Manager
	store *storage.DB
	now   func() time.Time

	wg sync.WaitGroup
}

// New builds the pipeline around assessor.
func New(assessor dispatch.Assessor, cfg Config, opts ...Option) *Coordinator {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = registry.DefaultOverloadThreshold
	}

	c := &Coordinator{store: o.store, now: o.now}

	regOpts := []registry.Option{
		registry.WithClock(o.now),
		registry.WithOverloadThreshold(cfg.OverloadThreshold),
		registry.WithChangeHook(c.workerChanged),
	}
	if o.market != nil {
		regOpts = append(regOpts, registry.WithMarketplace(o.market))
	}
	c.reg = registry.New(regOpts...)
	c.disp = dispatch.New(c.reg, assessor, cfg.Dispatch,
		dispatch.WithClock(o.now),
		dispatch.WithTaskHook(c.taskChanged),
	)
	c.agg = consensus.NewAggregator(cfg.Consensus)

	j := &journal{db: o.store, now: o.now, ledger: o.ledger, notifier: o.notifier}
	c.convs = conversation.New(cfg.Conversation,
		conversation.WithLedger(j),
		conversation.WithNotifier(j),
		conversation.WithClock(o.now),
		conversation.WithChangeHook(c.conversationChanged),
	)
	return c
}

// Registry returns the worker registry.
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Dispatcher returns the task dispatcher.
func (c *Coordinator) Dispatcher() *dispatch.Dispatcher { return c.disp }

// Conversations returns the conversation manager.
func (c *Coordinator) Conversations() *conversation.Manager { return c.convs }

// Submit accepts a submission and verifies it in the background.
func (c *Coordinator) Submit(ctx context.Context, sub model.Submission) (Receipt, error) {
	task, err := c.accept(ctx, sub)
	if err != nil {
		return Receipt{}, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.verify(context.WithoutCancel(ctx), task, sub)
	}()
	return Receipt{RequestID: task.ID, ConversationID: task.ConversationID, Status: string(task.Status)}, nil
}

// Verify accepts a submission and verifies it before returning its status.
func (c *Coordinator) Verify(ctx context.Context, sub model.Submission) (model.StatusResponse, error) {
	task, err := c.accept(ctx, sub)
	if err != nil {
		return model.StatusResponse{}, err
	}
	c.verify(ctx, task, sub)
	return c.Status(task.ID)
}

// Wait blocks until every background verification has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) accept(ctx context.Context, sub model.Submission) (model.Task, error) {
	conv, err := c.convs.Submit(ctx, sub)
	if err != nil {
		return model.Task{}, err
	}
	task := c.disp.NewTask(sub, conv.ID)
	log.Printf("[coordinator] work %s: task %s in conversation %s", sub.WorkID, task.ID, conv.ID)
	return task, nil
}

// verify runs one task through dispatch, consensus and the conversation.
// Failures are recorded on the task and the conversation, never returned.
func (c *Coordinator) verify(ctx context.Context, task model.Task, sub model.Submission) {
	ctx, span := observability.StartSpan(ctx, "verify",
		attribute.String("task.id", task.ID),
		attribute.String("work.id", sub.WorkID),
	)
	defer span.End()

	results, err := c.disp.Dispatch(ctx, task.ID, sub.AssessmentRequest(task.ID))
	if err != nil {
		log.Printf("[coordinator] task %s failed: %v", task.ID, err)
		if ferr := c.convs.RecordFailure(ctx, task.ConversationID, err.Error()); ferr != nil {
			log.Printf("[coordinator] conversation %s: record failure: %v", task.ConversationID, ferr)
		}
		return
	}
	if c.store != nil {
		if err := c.store.SaveResults(resultRows(results)); err != nil {
			log.Printf("[coordinator] ERROR: save results for %s: %v", task.ID, err)
		}
	}

	// Completion gates aggregation so a task is decided at most once.
	if err := c.disp.Complete(task.ID); err != nil {
		log.Printf("[coordinator] WARNING: task %s not completed: %v", task.ID, err)
		return
	}

	_, aggSpan := observability.StartSpan(ctx, "aggregate", attribute.Int("results", len(results)))
	d, fresh := c.agg.Decide(task.ID, results, task.Category)
	aggSpan.SetAttributes(attribute.Bool("approved", d.Approved))
	aggSpan.End()

	if fresh && c.store != nil {
		if err := c.store.SaveDecision(decisionRow(d, c.now())); err != nil {
			log.Printf("[coordinator] ERROR: save decision for %s: %v", task.ID, err)
		}
	}
	if err := c.convs.RecordDecision(ctx, task.ConversationID, d); err != nil {
		log.Printf("[coordinator] conversation %s: record decision: %v", task.ConversationID, err)
	}
}

// Feedback applies the human verdict to a conversation.
func (c *Coordinator) Feedback(ctx context.Context, conversationID string, fb conversation.Feedback) (conversation.Conversation, error) {
	return c.convs.Feedback(ctx, conversationID, fb)
}

// Conversation returns a conversation by id.
func (c *Coordinator) Conversation(id string) (conversation.Conversation, error) {
	return c.convs.Get(id)
}

// Status reports the state of a verification request. Tasks no longer held
// in memory are read from the store.
func (c *Coordinator) Status(requestID string) (model.StatusResponse, error) {
	task, ok := c.disp.Get(requestID)
	if !ok {
		if c.store == nil {
			return model.StatusResponse{}, dispatch.ErrUnknownTask
		}
		row, err := c.store.GetTask(requestID)
		if err != nil {
			return model.StatusResponse{}, fmt.Errorf("%w: %s", dispatch.ErrUnknownTask, requestID)
		}
		task = taskFromRow(*row)
	}
	return c.status(task), nil
}

func (c *Coordinator) status(task model.Task) model.StatusResponse {
	resp := model.StatusResponse{
		RequestID:      task.ID,
		ConversationID: task.ConversationID,
		Status:         string(task.Status),
		Completed:      task.Status.Terminal(),
		Error:          task.FailureReason,
	}
	ts := task.CreatedAt
	if !task.FinishedAt.IsZero() {
		ts = task.FinishedAt
	}
	resp.Timestamp = ts.UTC().Format(time.RFC3339)

	d, ok := c.decision(task.ID)
	if !ok {
		return resp
	}
	resp.Approved = &d.Approved
	resp.ApprovalRate = &d.ApprovalRate
	resp.ConfidenceScore = &d.WeightedConfidence
	resp.AgentCount = &d.ResultCount

	released := false
	if conv, err := c.convs.Get(task.ConversationID); err == nil {
		released = conv.PaymentReleased()
	}
	resp.PaymentReleased = &released
	return resp
}

func (c *Coordinator) decision(taskID string) (model.Decision, bool) {
	if d, ok := c.agg.Decision(taskID); ok {
		return d, true
	}
	if c.store == nil {
		return model.Decision{}, false
	}
	row, err := c.store.GetDecision(taskID)
	if err != nil {
		return model.Decision{}, false
	}
	d := decisionFromRow(*row)
	c.agg.Seed(d)
	return d, true
}

// History returns the status of up to limit requests, newest first. limit
// <= 0 returns all.
func (c *Coordinator) History(limit int) []model.StatusResponse {
	tasks := c.disp.Tasks()
	out := make([]model.StatusResponse, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, c.status(tasks[i]))
	}
	return out
}

// Stats summarises the network. SuccessRate is the share of decided
// verifications that were approved; AverageResponseTime is the mean worker
// response time in seconds.
func (c *Coordinator) Stats() NetworkStats {
	rs := c.reg.Stats()
	stats := NetworkStats{
		TotalAgents:         rs.WorkersTotal,
		ActiveAgents:        rs.WorkersActive,
		AverageResponseTime: rs.AvgResponseSecs,
	}
	var decided, approved int
	for _, t := range c.disp.Tasks() {
		stats.TotalVerifications++
		if d, ok := c.agg.Decision(t.ID); ok {
			decided++
			if d.Approved {
				approved++
			}
		}
	}
	if decided > 0 {
		stats.SuccessRate = float64(approved) / float64(decided)
	}
	return stats
}

// OnStuck is the health monitor hook for tasks that exceeded the stuck
// threshold. Stuck tasks are reported, not reassigned.
func (c *Coordinator) OnStuck(t model.Task) {
	log.Printf("[coordinator] WARNING: task %s stuck in %s since %s with workers %v",
		t.ID, t.Status, t.StartedAt.UTC().Format(time.RFC3339), t.AssignedWorkers)
}

// Restore reloads persisted state. Workers come back inactive until they
// heartbeat; tasks that were still running are failed with ErrInterrupted
// and their conversations asked for a revision.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	workers, err := c.store.ListWorkers()
	if err != nil {
		return fmt.Errorf("restore workers: %w", err)
	}
	for _, w := range workers {
		if err := c.reg.Restore(workerFromRow(w)); err != nil {
			log.Printf("[coordinator] skip stored worker %q: %v", w.ID, err)
		}
	}

	convs, err := c.store.ListConversations()
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	for _, row := range convs {
		msgs, err := c.store.ListMessages(row.ID)
		if err != nil {
			return fmt.Errorf("restore conversation %s: %w", row.ID, err)
		}
		c.convs.Restore(conversationFromRows(row, msgs))
	}

	decisions, err := c.store.ListDecisions()
	if err != nil {
		return fmt.Errorf("restore decisions: %w", err)
	}
	for _, d := range decisions {
		c.agg.Seed(decisionFromRow(d))
	}

	tasks, err := c.store.ListTasks(0)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	var interrupted []model.Task
	for _, row := range tasks {
		t := taskFromRow(row)
		c.disp.Restore(t)
		if !t.Status.Terminal() {
			interrupted = append(interrupted, t)
		}
	}
	for _, t := range interrupted {
		if err := c.disp.Fail(t.ID, ErrInterrupted); err != nil {
			continue
		}
		if err := c.convs.RecordFailure(ctx, t.ConversationID, ErrInterrupted.Error()); err != nil {
			log.Printf("[coordinator] conversation %s: record failure: %v", t.ConversationID, err)
		}
	}
	log.Printf("[coordinator] restored %d worker(s), %d conversation(s), %d task(s), %d decision(s); %d interrupted",
		len(workers), len(convs), len(tasks), len(decisions), len(interrupted))
	return nil
}

func (c *Coordinator) workerChanged(p registry.WorkerProfile) {
	if c.store == nil {
		return
	}
	if err := c.store.UpsertWorker(workerRow(p)); err != nil {
		log.Printf("[coordinator] ERROR: persist worker %s: %v", p.ID, err)
	}
}

func (c *Coordinator) taskChanged(t model.Task) {
	if c.store != nil {
		if err := c.store.UpsertTask(taskRow(t)); err != nil {
			log.Printf("[coordinator] ERROR: persist task %s: %v", t.ID, err)
		}
	}
	if t.Status == model.TaskAssigned && t.ConversationID != "" {
		if err := c.convs.BeginAssessment(context.Background(), t.ConversationID, t.ID, t.AssignedWorkers); err != nil {
			log.Printf("[coordinator] conversation %s: begin assessment: %v", t.ConversationID, err)
		}
	}
}

func (c *Coordinator) conversationChanged(conv conversation.Conversation) {
	if c.store == nil {
		return
	}
	row, msgs := conversationRows(conv)
	if err := c.store.SaveConversation(row, msgs); err != nil {
		log.Printf("[coordinator] ERROR: persist conversation %s: %v", conv.ID, err)
	}
}
