package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// DefaultOverloadThreshold is the load at or above which a worker is skipped
// by discovery.
const DefaultOverloadThreshold = 0.8

// Marketplace is the external worker catalogue consulted when no registered
// worker can serve a category.
type Marketplace interface {
	Search(ctx context.Context, specialties []string) ([]WorkerProfile, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithMarketplace sets the fallback marketplace used by Discover.
func WithMarketplace(m Marketplace) Option {
	return func(r *Registry) { r.market = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOverloadThreshold changes the soft overload guard used by Discover.
func WithOverloadThreshold(threshold float64) Option {
	return func(r *Registry) { r.overload = threshold }
}

// WithChangeHook registers fn to receive a copy of every worker after it is
// mutated. fn runs outside the registry lock.
func WithChangeHook(fn func(WorkerProfile)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// Registry is the in-memory catalogue of verification workers. All mutations
// of a worker happen under one lock so concurrent heartbeats and load updates
// never interleave.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerProfile

	market   Marketplace
	now      func() time.Time
	overload float64
	onChange func(WorkerProfile)
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers:  make(map[string]*WorkerProfile),
		now:      time.Now,
		overload: DefaultOverloadThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or overwrites a worker and marks it active. Returns
// ErrInvalidProfile, leaving the registry unchanged, if the id or
// specialties are missing.
func (r *Registry) Register(p WorkerProfile) error {
	np, err := normalize(p)
	if err != nil {
		return err
	}
	np.Status = StatusActive
	np.LastHeartbeat = r.now()

	r.mu.Lock()
	r.workers[np.ID] = &np
	snapshot := np.clone()
	r.mu.Unlock()

	r.changed(snapshot)
	return nil
}

// adopt registers a marketplace worker unless the id is already known. Known
// workers keep their local load and history.
func (r *Registry) adopt(p WorkerProfile) error {
	np, err := normalize(p)
	if err != nil {
		return err
	}
	np.Status = StatusActive
	np.LastHeartbeat = r.now()

	r.mu.Lock()
	if _, ok := r.workers[np.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.workers[np.ID] = &np
	snapshot := np.clone()
	r.mu.Unlock()

	r.changed(snapshot)
	return nil
}

// Restore loads a previously persisted worker without treating it as a live
// registration: the worker stays inactive until it heartbeats again.
func (r *Registry) Restore(p WorkerProfile) error {
	np, err := normalize(p)
	if err != nil {
		return err
	}
	np.Status = StatusInactive

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[np.ID]; ok {
		return nil
	}
	r.workers[np.ID] = &np
	return nil
}

// Heartbeat records a liveness report. Unknown workers are ignored with a
// warning and false is returned.
func (r *Registry) Heartbeat(id string, status Status, load float64) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		log.Printf("[registry] WARNING: heartbeat from unknown worker %q ignored", id)
		return false
	}
	if status.Valid() {
		w.Status = status
	}
	w.Load = clamp(load, 0, 1)
	w.LastHeartbeat = r.now()
	snapshot := w.clone()
	r.mu.Unlock()

	r.changed(snapshot)
	return true
}

// SetStatus changes a worker's status and nothing else. Load stays as is
// because dispatched calls may still be in flight.
func (r *Registry) SetStatus(id string, status Status) bool {
	if !status.Valid() {
		return false
	}
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	w.Status = status
	snapshot := w.clone()
	r.mu.Unlock()

	r.changed(snapshot)
	return true
}

// AdjustLoad adds delta to a worker's load, clamped to [0,1], and returns the
// new load. Unknown workers are a no-op.
func (r *Registry) AdjustLoad(id string, delta float64) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return 0, false
	}
	w.Load = clamp(w.Load+delta, 0, 1)
	return w.Load, true
}

// RecordOutcome folds one finished assessment into the worker's counters and
// running mean response time.
func (r *Registry) RecordOutcome(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	n := float64(w.TotalTasks)
	w.TotalTasks++
	if success {
		w.SuccessfulTasks++
	}
	w.AvgResponseSecs = (w.AvgResponseSecs*n + latency.Seconds()) / (n + 1)
	snapshot := w.clone()
	r.mu.Unlock()

	r.changed(snapshot)
}

// Unregister removes a worker from the registry entirely.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Get returns a copy of a worker.
func (r *Registry) Get(id string) (WorkerProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return WorkerProfile{}, false
	}
	return w.clone(), true
}

// Workers returns copies of all workers ordered by id.
func (r *Registry) Workers() []WorkerProfile {
	r.mu.RLock()
	result := make([]WorkerProfile, 0, len(r.workers))
	for _, w := range r.workers {
		result = append(result, w.clone())
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// MarkStale marks active workers whose last heartbeat is older than timeout
// as inactive. Entries are kept. Returns the ids that changed state.
func (r *Registry) MarkStale(timeout time.Duration) []string {
	cutoff := r.now().Add(-timeout)

	r.mu.Lock()
	var stale []string
	var snapshots []WorkerProfile
	for id, w := range r.workers {
		if w.Status == StatusActive && w.LastHeartbeat.Before(cutoff) {
			w.Status = StatusInactive
			stale = append(stale, id)
			snapshots = append(snapshots, w.clone())
		}
	}
	r.mu.Unlock()

	for _, s := range snapshots {
		r.changed(s)
	}
	sort.Strings(stale)
	return stale
}

// Discover returns up to max eligible workers for a category, best first.
// Eligible workers are active, below the overload threshold, and declare one
// of the category's specialties. When no registered worker qualifies the
// marketplace is searched and workers it lists that are not already known are
// registered. An empty result means
// no worker is available; the caller decides what to do.
func (r *Registry) Discover(ctx context.Context, category string, max int) []WorkerProfile {
	if max <= 0 {
		return nil
	}
	required := RequiredSpecialties(category)

	candidates := r.eligible(required)
	if len(candidates) == 0 && r.market != nil {
		found, err := r.market.Search(ctx, required)
		if err != nil {
			log.Printf("[registry] marketplace search for %q: %v", category, err)
		}
		for _, p := range found {
			if p.Status == StatusInactive {
				continue
			}
			if err := r.adopt(p); err != nil {
				log.Printf("[registry] skip marketplace worker %q: %v", p.ID, err)
			}
		}
		candidates = r.eligible(required)
	}

	Rank(candidates)
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

func (r *Registry) eligible(required []string) []WorkerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []WorkerProfile
	for _, w := range r.workers {
		if w.Status != StatusActive || w.Load >= r.overload {
			continue
		}
		if !w.HasSpecialty(required) {
			continue
		}
		result = append(result, w.clone())
	}
	return result
}

// Stats returns summary statistics for the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats Stats
	var loadSum, respSum float64
	stats.WorkersTotal = len(r.workers)
	for _, w := range r.workers {
		if w.Status == StatusActive {
			stats.WorkersActive++
		}
		loadSum += w.Load
		respSum += w.AvgResponseSecs
		stats.TotalTasks += w.TotalTasks
		stats.SuccessfulTasks += w.SuccessfulTasks
	}
	if stats.WorkersTotal > 0 {
		stats.AverageLoad = loadSum / float64(stats.WorkersTotal)
		stats.AvgResponseSecs = respSum / float64(stats.WorkersTotal)
	}
	return stats
}

func (r *Registry) changed(p WorkerProfile) {
	if r.onChange != nil {
		r.onChange(p)
	}
}
