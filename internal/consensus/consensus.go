package consensus

import (
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/registry"
)

const (
	DefaultQuorumThreshold     = 0.66
	DefaultConfidenceThreshold = 0.70
	DefaultSpecialtyBonus      = 1.2

	// thresholdEpsilon absorbs float rounding in rates and means so that a
	// value equal to a threshold on paper passes it.
	thresholdEpsilon = 1e-9
)

// Config holds the consensus thresholds.
type Config struct {
	QuorumThreshold     float64 `yaml:"quorum_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	SpecialtyBonus      float64 `yaml:"specialty_bonus"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		QuorumThreshold:     DefaultQuorumThreshold,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		SpecialtyBonus:      DefaultSpecialtyBonus,
	}
}

// Aggregate folds worker results into one decision. It is a pure function of
// the result set: arrival order does not matter and repeated calls return
// identical decisions. Only the first result per worker counts.
//
// Approval requires both approvalRate >= QuorumThreshold and mean confidence
// >= ConfidenceThreshold.
func Aggregate(taskID string, results []model.WorkerResult, category string, cfg Config) model.Decision {
	d := model.Decision{
		TaskID:          taskID,
		CategoryScores:  map[string]float64{},
		Recommendations: []string{},
		Issues:          []string{},
	}

	ordered := canonical(results)
	if len(ordered) == 0 {
		return d
	}

	var totalWeight, confidenceSum float64
	weighted := make(map[string]float64)
	approved := 0
	for _, r := range ordered {
		bonus := 1.0
		if registry.Accepts(category, r.Specialties) {
			bonus = cfg.SpecialtyBonus
		}
		weight := r.Confidence * bonus
		totalWeight += weight
		confidenceSum += r.Confidence
		if r.Approved {
			approved++
		}
		for _, name := range sortedKeys(r.Scores) {
			weighted[name] += r.Scores[name] * weight
		}
	}

	names := sortedKeys(weighted)
	var scoreSum float64
	for _, name := range names {
		score := 0.0
		if totalWeight > 0 {
			score = weighted[name] / totalWeight
		}
		d.CategoryScores[name] = score
		scoreSum += score
	}
	if len(names) > 0 {
		d.OverallScore = scoreSum / float64(len(names))
	}

	n := float64(len(ordered))
	d.ResultCount = len(ordered)
	d.ApprovalRate = float64(approved) / n
	d.WeightedConfidence = confidenceSum / n
	d.Approved = d.ApprovalRate >= cfg.QuorumThreshold-thresholdEpsilon &&
		d.WeightedConfidence >= cfg.ConfidenceThreshold-thresholdEpsilon
	d.PaymentStage = d.Approved

	d.Recommendations = union(ordered, func(r model.WorkerResult) []string { return r.Recommendations })
	d.Issues = union(ordered, func(r model.WorkerResult) []string { return r.Issues })
	return d
}

// canonical orders results by worker id and drops repeat results from the
// same worker.
func canonical(results []model.WorkerResult) []model.WorkerResult {
	ordered := append([]model.WorkerResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.WorkerID != b.WorkerID {
			return a.WorkerID < b.WorkerID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	out := ordered[:0]
	for i, r := range ordered {
		if i > 0 && r.WorkerID == ordered[i-1].WorkerID {
			continue
		}
		out = append(out, r)
	}
	return out
}

func union(results []model.WorkerResult, field func(model.WorkerResult) []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, r := range results {
		for _, s := range field(r) {
			s = strings.TrimSpace(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fingerprint returns a hex SHA3-256 digest of the decision-relevant content
// of a result set, independent of arrival order.
func Fingerprint(results []model.WorkerResult) string {
	h := sha3.New256()
	for _, r := range canonical(results) {
		fmt.Fprintf(h, "w=%s|a=%t|c=%v|s=", r.WorkerID, r.Approved, r.Confidence)
		for _, name := range sortedKeys(r.Scores) {
			fmt.Fprintf(h, "%s:%v,", name, r.Scores[name])
		}
		fmt.Fprintf(h, "|sp=%s|rec=%s|iss=%s\n",
			strings.Join(r.Specialties, ","),
			strings.Join(r.Recommendations, "\x1f"),
			strings.Join(r.Issues, "\x1f"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	decision    model.Decision
	fingerprint string
}

// Aggregator computes each task's decision at most once and serves the
// cached decision afterwards.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	decided map[string]entry
}

// NewAggregator creates an Aggregator with the given thresholds.
func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		decided: make(map[string]entry),
	}
}

// Config returns the thresholds in use.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// Decide returns the decision for taskID, computing it from results on the
// first call only. fresh is false when a cached decision was returned; a
// cached decision is returned even if results differ from the first call.
func (a *Aggregator) Decide(taskID string, results []model.WorkerResult, category string) (d model.Decision, fresh bool) {
	fp := Fingerprint(results)

	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.decided[taskID]; ok {
		if e.fingerprint != fp {
			log.Printf("[consensus] WARNING: task %s re-aggregated with a different result set; keeping first decision", taskID)
		}
		return clone(e.decision), false
	}

	d = Aggregate(taskID, results, category, a.cfg)
	a.decided[taskID] = entry{decision: clone(d), fingerprint: fp}
	log.Printf("[consensus] task %s: approved=%t rate=%.3f confidence=%.3f results=%d",
		taskID, d.Approved, d.ApprovalRate, d.WeightedConfidence, d.ResultCount)
	return d, true
}

// Decision returns the cached decision for taskID, if any.
func (a *Aggregator) Decision(taskID string) (model.Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.decided[taskID]
	if !ok {
		return model.Decision{}, false
	}
	return clone(e.decision), true
}

// Seed installs a decision loaded from storage so it is never recomputed.
func (a *Aggregator) Seed(d model.Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.decided[d.TaskID]; ok {
		return
	}
	a.decided[d.TaskID] = entry{decision: clone(d)}
}

func clone(d model.Decision) model.Decision {
	c := d
	c.CategoryScores = make(map[string]float64, len(d.CategoryScores))
	for k, v := range d.CategoryScores {
		c.CategoryScores[k] = v
	}
	c.Recommendations = append([]string{}, d.Recommendations...)
	c.Issues = append([]string{}, d.Issues...)
	return c
}
