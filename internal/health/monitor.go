// Package health keeps the worker registry honest under churn and watches
// for tasks that stop making progress.
package health

import (
	"context"
	"log"
	"time"

	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/registry"
)

// Workers is the registry surface the monitor needs.
type Workers interface {
	MarkStale(timeout time.Duration) []string
	Stats() registry.Stats
}

// Tasks is the dispatcher surface the monitor needs.
type Tasks interface {
	InFlight() []model.Task
	FlagStuck(id string) bool
}

// Config sets the monitor intervals and thresholds.
type Config struct {
	Interval       time.Duration `yaml:"interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	StuckAfter     time.Duration `yaml:"stuck_after"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// DefaultConfig returns the production monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		StaleAfter:     300 * time.Second,
		StuckAfter:     600 * time.Second,
		StatusInterval: 30 * time.Second,
	}
}

// Report is the outcome of one sweep.
type Report struct {
	Stale []string
	Stuck []string
}

// Status is a point-in-time summary for the status reporter.
type Status struct {
	WorkersTotal  int
	WorkersActive int
	AverageLoad   float64
	InFlight      int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// OnStuck registers a hook called once for every task newly flagged stuck.
// Reassignment, if any, is the hook's business.
func OnStuck(fn func(model.Task)) Option {
	return func(m *Monitor) { m.onStuck = fn }
}

// Monitor sweeps workers and tasks on a fixed interval.
type Monitor struct {
	workers Workers
	tasks   Tasks
	cfg     Config
	now     func() time.Time
	onStuck func(model.Task)
}

// New creates a Monitor.
func New(workers Workers, tasks Tasks, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		workers: workers,
		tasks:   tasks,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep marks stale workers inactive and flags stuck tasks.
func (m *Monitor) Sweep() Report {
	var rep Report
	rep.Stale = m.workers.MarkStale(m.cfg.StaleAfter)
	for _, id := range rep.Stale {
		log.Printf("[health] worker %s marked inactive: no heartbeat for %s", id, m.cfg.StaleAfter)
	}

	now := m.now()
	for _, t := range m.tasks.InFlight() {
		started := t.StartedAt
		if started.IsZero() {
			started = t.CreatedAt
		}
		if now.Sub(started) <= m.cfg.StuckAfter {
			continue
		}
		if !m.tasks.FlagStuck(t.ID) {
			continue
		}
		t.Stuck = true
		rep.Stuck = append(rep.Stuck, t.ID)
		log.Printf("[health] task %s stuck: in %s since %s", t.ID, t.Status, started.Format(time.RFC3339))
		if m.onStuck != nil {
			m.onStuck(t)
		}
	}
	return rep
}

// Status summarizes the registry and in-flight tasks.
func (m *Monitor) Status() Status {
	stats := m.workers.Stats()
	return Status{
		WorkersTotal:  stats.WorkersTotal,
		WorkersActive: stats.WorkersActive,
		AverageLoad:   stats.AverageLoad,
		InFlight:      len(m.tasks.InFlight()),
	}
}

// Run sweeps every Interval until ctx is cancelled. A panicking sweep is
// logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.Interval):
			m.safely("sweep", func() { m.Sweep() })
		}
	}
}

// RunStatusReporter logs a status line every StatusInterval until ctx is
// cancelled.
func (m *Monitor) RunStatusReporter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.StatusInterval):
			m.safely("status", func() {
				st := m.Status()
				log.Printf("[health] workers %d/%d active, avg load %.2f, %d task(s) in flight",
					st.WorkersActive, st.WorkersTotal, st.AverageLoad, st.InFlight)
			})
		}
	}
}

func (m *Monitor) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[health] %s panicked: %v", name, r)
		}
	}()
	fn()
}
