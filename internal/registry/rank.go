package registry

import "sort"

// Ranking caps. Workers at or beyond a cap earn nothing for that criterion.
const (
	ResponseCapSecs = 600.0
	CostCap         = 0.2
)

// Score is the weighted ranking score of a worker:
//
//	0.30*rating/5 + 0.25*successRate + 0.20*min(total/1000,1)
//	+ 0.15*max(0,(600-latency)/600) + 0.10*max(0,(0.2-cost)/0.2)
func Score(p WorkerProfile) float64 {
	rating := p.Rating / 5.0 * 0.30
	success := p.SuccessRate() * 0.25

	experience := float64(p.TotalTasks) / 1000
	if experience > 1 {
		experience = 1
	}
	experience *= 0.20

	speed := (ResponseCapSecs - p.AvgResponseSecs) / ResponseCapSecs
	if speed < 0 {
		speed = 0
	}
	speed *= 0.15

	cost := (CostCap - p.Cost) / CostCap
	if cost < 0 {
		cost = 0
	}
	cost *= 0.10

	return rating + success + experience + speed + cost
}

// Rank sorts workers best first: higher score, then lower load, then id.
func Rank(workers []WorkerProfile) {
	scores := make(map[string]float64, len(workers))
	for _, w := range workers {
		scores[w.ID] = Score(w)
	}
	sort.SliceStable(workers, func(i, j int) bool {
		a, b := workers[i], workers[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.ID < b.ID
	})
}
