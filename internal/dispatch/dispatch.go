// Package dispatch owns verification tasks and fans each task out to a
// bounded set of workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/observability"
	"github.com/ssd-technologies/attest/internal/registry"
)

var (
	ErrNoWorkerAvailable = errors.New("no worker available")
	ErrAllWorkersFailed  = errors.New("all workers failed")
	ErrWorkerInvocation  = errors.New("worker invocation failed")
	ErrUnknownTask       = errors.New("unknown task")
	ErrTaskStarted       = errors.New("task already dispatched")
	ErrTaskFinished      = errors.New("task already finished")
)

// Assessor is the external worker scoring operation.
type Assessor interface {
	Assess(ctx context.Context, worker registry.WorkerProfile, req model.AssessmentRequest) (model.AssessmentResult, error)
}

// Config bounds dispatch.
type Config struct {
	MaxWorkers     int           `yaml:"max_workers"`
	LoadIncrement  float64       `yaml:"load_increment"`
	TaskDeadline   time.Duration `yaml:"task_deadline"`
	CollectTimeout time.Duration `yaml:"collect_timeout"`
	WorkerTimeout  time.Duration `yaml:"worker_timeout"`
}

// DefaultConfig returns the production dispatch settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     3,
		LoadIncrement:  0.1,
		TaskDeadline:   time.Hour,
		CollectTimeout: 10 * time.Minute,
		WorkerTimeout:  10 * time.Minute,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides time.Now for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithTaskHook registers fn to receive a copy of every task after it changes.
// fn runs outside the dispatcher lock.
func WithTaskHook(fn func(model.Task)) Option {
	return func(d *Dispatcher) { d.onChange = fn }
}

// Dispatcher selects workers from the registry and collects their results.
// It is the only writer of task records.
type Dispatcher struct {
	reg      *registry.Registry
	assessor Assessor
	cfg      Config
	now      func() time.Time
	onChange func(model.Task)

	mu    sync.RWMutex
	tasks map[string]*model.Task
}

// New creates a Dispatcher.
func New(reg *registry.Registry, assessor Assessor, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	d := &Dispatcher{
		reg:      reg,
		assessor: assessor,
		cfg:      cfg,
		now:      time.Now,
		tasks:    make(map[string]*model.Task),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewTask records a Created task for a submission.
func (d *Dispatcher) NewTask(sub model.Submission, conversationID string) model.Task {
	now := d.now()
	t := &model.Task{
		ID:             uuid.New().String(),
		WorkID:         sub.WorkID,
		ContractID:     sub.ContractID,
		Category:       sub.Category,
		ConversationID: conversationID,
		Status:         model.TaskCreated,
		CreatedAt:      now,
		Deadline:       now.Add(d.cfg.TaskDeadline),
	}

	d.mu.Lock()
	d.tasks[t.ID] = t
	snapshot := t.Clone()
	d.mu.Unlock()

	d.changed(snapshot)
	return snapshot
}

// Restore loads a task from storage. Existing tasks are not overwritten.
func (d *Dispatcher) Restore(t model.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[t.ID]; ok {
		return
	}
	c := t.Clone()
	d.tasks[t.ID] = &c
}

// Get returns a copy of a task.
func (d *Dispatcher) Get(id string) (model.Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks, oldest first.
func (d *Dispatcher) Tasks() []model.Task {
	d.mu.RLock()
	out := make([]model.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.Clone())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// InFlight returns tasks currently Assigned or Verifying.
func (d *Dispatcher) InFlight() []model.Task {
	var out []model.Task
	for _, t := range d.Tasks() {
		if t.Status.InFlight() {
			out = append(out, t)
		}
	}
	return out
}

// FlagStuck marks an in-flight task as stuck. It returns true only the first
// time a task is flagged.
func (d *Dispatcher) FlagStuck(id string) bool {
	var snapshot model.Task
	d.mu.Lock()
	t, ok := d.tasks[id]
	if !ok || t.Stuck || !t.Status.InFlight() {
		d.mu.Unlock()
		return false
	}
	t.Stuck = true
	snapshot = t.Clone()
	d.mu.Unlock()

	d.changed(snapshot)
	return true
}

// Complete moves a task to Completed. It fails with ErrTaskFinished if the
// task is already terminal, which guarantees one completion per task.
func (d *Dispatcher) Complete(id string) error {
	return d.finish(id, model.TaskCompleted, "")
}

// Fail moves a task to Failed with reason.
func (d *Dispatcher) Fail(id string, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return d.finish(id, model.TaskFailed, msg)
}

func (d *Dispatcher) finish(id string, status model.TaskStatus, reason string) error {
	d.mu.Lock()
	t, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		log.Printf("[dispatch] WARNING: finish on unknown task %q", id)
		return ErrUnknownTask
	}
	if t.Status.Terminal() {
		d.mu.Unlock()
		return ErrTaskFinished
	}
	t.Status = status
	t.FailureReason = reason
	t.FinishedAt = d.now()
	snapshot := t.Clone()
	d.mu.Unlock()

	d.changed(snapshot)
	return nil
}

// update applies fn to a task under the lock and publishes the result.
func (d *Dispatcher) update(id string, fn func(t *model.Task) error) (model.Task, error) {
	d.mu.Lock()
	t, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return model.Task{}, ErrUnknownTask
	}
	if err := fn(t); err != nil {
		d.mu.Unlock()
		return model.Task{}, err
	}
	snapshot := t.Clone()
	d.mu.Unlock()

	d.changed(snapshot)
	return snapshot, nil
}

func (d *Dispatcher) changed(t model.Task) {
	if d.onChange != nil {
		d.onChange(t)
	}
}

type outcome struct {
	worker  registry.WorkerProfile
	result  model.AssessmentResult
	err     error
	latency time.Duration
	at      time.Time
}

// Dispatch assesses a Created task with up to MaxWorkers workers and returns
// the results that arrived within the collection window. The task is failed
// with ErrNoWorkerAvailable when discovery is empty and with
// ErrAllWorkersFailed when no result arrives. On success the task is left
// Verifying for the caller to complete after aggregation.
//
// Worker calls outlive the collection window if they must; results arriving
// after it closes are discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, req model.AssessmentRequest) ([]model.WorkerResult, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch",
		attribute.String("task.id", taskID),
		attribute.String("task.category", req.Category),
	)
	defer span.End()

	task, err := d.update(taskID, func(t *model.Task) error {
		if t.Status != model.TaskCreated {
			return ErrTaskStarted
		}
		t.Status = model.TaskDiscovering
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownTask) {
			log.Printf("[dispatch] WARNING: dispatch of unknown task %q", taskID)
		}
		return nil, err
	}

	workers := d.reg.Discover(ctx, task.Category, d.cfg.MaxWorkers)
	if len(workers) == 0 {
		log.Printf("[dispatch] task %s: no worker available for category %q", taskID, task.Category)
		d.Fail(taskID, ErrNoWorkerAvailable)
		span.SetStatus(codes.Error, ErrNoWorkerAvailable.Error())
		return nil, ErrNoWorkerAvailable
	}

	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	task, err = d.update(taskID, func(t *model.Task) error {
		t.AssignedWorkers = ids
		t.Status = model.TaskAssigned
		t.StartedAt = d.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		d.reg.AdjustLoad(w.ID, d.cfg.LoadIncrement)
	}
	span.SetAttributes(attribute.StringSlice("task.workers", ids))
	log.Printf("[dispatch] task %s: assigned %d worker(s) %v", taskID, len(ids), ids)

	if _, err := d.update(taskID, func(t *model.Task) error {
		t.Status = model.TaskVerifying
		return nil
	}); err != nil {
		return nil, err
	}

	results := d.collect(ctx, task, workers, req)
	span.SetAttributes(attribute.Int("task.results", len(results)))
	if len(results) == 0 {
		log.Printf("[dispatch] task %s: all %d worker(s) failed", taskID, len(workers))
		d.Fail(taskID, ErrAllWorkersFailed)
		span.SetStatus(codes.Error, ErrAllWorkersFailed.Error())
		return nil, ErrAllWorkersFailed
	}
	return results, nil
}

func (d *Dispatcher) collect(ctx context.Context, task model.Task, workers []registry.WorkerProfile, req model.AssessmentRequest) []model.WorkerResult {
	out := make(chan outcome)
	collected := make(chan struct{})
	defer close(collected)

	for _, w := range workers {
		go func(w registry.WorkerProfile) {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.WorkerTimeout)
			defer cancel()

			start := time.Now()
			res, err := d.invoke(callCtx, w, req)
			latency := time.Since(start)
			d.reg.AdjustLoad(w.ID, -d.cfg.LoadIncrement)
			d.reg.RecordOutcome(w.ID, err == nil, latency)

			select {
			case out <- outcome{worker: w, result: res, err: err, latency: latency, at: d.now()}:
			case <-collected:
				log.Printf("[dispatch] task %s: discarding late result from worker %s", task.ID, w.ID)
			}
		}(w)
	}

	timer := time.NewTimer(d.collectWindow(task))
	defer timer.Stop()

	var results []model.WorkerResult
	for pending := len(workers); pending > 0; pending-- {
		select {
		case o := <-out:
			if o.err != nil {
				log.Printf("[dispatch] task %s: worker %s failed: %v", task.ID, o.worker.ID, o.err)
				continue
			}
			results = append(results, model.NewWorkerResult(task.ID, o.worker.ID, o.worker.Specialties, o.result, o.latency, o.at))
		case <-timer.C:
			log.Printf("[dispatch] task %s: collection window closed with %d of %d result(s)", task.ID, len(results), len(workers))
			return results
		case <-ctx.Done():
			log.Printf("[dispatch] task %s: collection cancelled with %d of %d result(s)", task.ID, len(results), len(workers))
			return results
		}
	}
	return results
}

// collectWindow is the time left until the task deadline, capped by
// CollectTimeout.
func (d *Dispatcher) collectWindow(task model.Task) time.Duration {
	window := task.Deadline.Sub(d.now())
	if d.cfg.CollectTimeout > 0 && (window > d.cfg.CollectTimeout || task.Deadline.IsZero()) {
		window = d.cfg.CollectTimeout
	}
	if window < 0 {
		window = 0
	}
	return window
}

func (d *Dispatcher) invoke(ctx context.Context, w registry.WorkerProfile, req model.AssessmentRequest) (res model.AssessmentResult, err error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.worker",
		attribute.String("task.id", req.TaskID),
		attribute.String("worker.id", w.ID),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: worker %s panicked: %v", ErrWorkerInvocation, w.ID, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	res, err = d.assessor.Assess(ctx, w, req)
	if err != nil {
		return res, fmt.Errorf("%w: worker %s: %w", ErrWorkerInvocation, w.ID, err)
	}
	return res, nil
}
