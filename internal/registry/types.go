package registry

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidProfile is returned when a registration lacks an id or specialties.
	ErrInvalidProfile = errors.New("invalid worker profile")
	// ErrUnknownWorker is returned when an operation names a worker that was never registered.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Status is the liveness state of a worker.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// WorkerProfile describes a verification worker known to the registry.
type WorkerProfile struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Specialties     []string          `json:"specialties"`
	Endpoint        string            `json:"endpoint,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Rating          float64           `json:"rating"`
	TotalTasks      int               `json:"total_tasks"`
	SuccessfulTasks int               `json:"successful_tasks"`
	AvgResponseSecs float64           `json:"avg_response_secs"`
	Cost            float64           `json:"cost"`
	Status          Status            `json:"status"`
	Load            float64           `json:"load"`
	LastHeartbeat   time.Time         `json:"last_heartbeat"`
}

// SuccessRate is successful/total tasks, or 0 for a worker with no history.
func (p WorkerProfile) SuccessRate() float64 {
	if p.TotalTasks <= 0 {
		return 0
	}
	return float64(p.SuccessfulTasks) / float64(p.TotalTasks)
}

// HasSpecialty reports whether the worker declares any of the given specialties.
func (p WorkerProfile) HasSpecialty(specialties []string) bool {
	for _, want := range specialties {
		for _, have := range p.Specialties {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (p WorkerProfile) clone() WorkerProfile {
	c := p
	c.Specialties = append([]string(nil), p.Specialties...)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// normalize validates p and returns a canonical copy: trimmed id, lower-case
// sorted unique specialties, and every numeric field clamped to its range.
func normalize(p WorkerProfile) (WorkerProfile, error) {
	p = p.clone()
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return p, ErrInvalidProfile
	}

	seen := make(map[string]bool, len(p.Specialties))
	specs := p.Specialties[:0]
	for _, s := range p.Specialties {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		specs = append(specs, s)
	}
	if len(specs) == 0 {
		return p, ErrInvalidProfile
	}
	sort.Strings(specs)
	p.Specialties = specs

	p.Rating = clamp(p.Rating, 0, 5)
	p.Load = clamp(p.Load, 0, 1)
	if p.TotalTasks < 0 {
		p.TotalTasks = 0
	}
	if p.SuccessfulTasks < 0 {
		p.SuccessfulTasks = 0
	}
	if p.SuccessfulTasks > p.TotalTasks {
		p.SuccessfulTasks = p.TotalTasks
	}
	if p.AvgResponseSecs < 0 {
		p.AvgResponseSecs = 0
	}
	if p.Cost < 0 {
		p.Cost = 0
	}
	if !p.Status.Valid() {
		p.Status = StatusActive
	}
	return p, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stats summarises the registry for status reporting.
type Stats struct {
	WorkersTotal    int     `json:"workers_total"`
	WorkersActive   int     `json:"workers_active"`
	AverageLoad     float64 `json:"average_load"`
	AvgResponseSecs float64 `json:"avg_response_secs"`
	TotalTasks      int     `json:"total_tasks"`
	SuccessfulTasks int     `json:"successful_tasks"`
}

// Registration is the inbound worker registration record.
type Registration struct {
	AgentID         string            `json:"agent_id"`
	Name            string            `json:"name,omitempty"`
	Specialties     []string          `json:"specialties"`
	Endpoint        string            `json:"endpoint"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Rating          float64           `json:"rating,omitempty"`
	TotalTasks      int               `json:"total_tasks,omitempty"`
	SuccessfulTasks int               `json:"successful_tasks,omitempty"`
	AvgResponseSecs float64           `json:"avg_response_secs,omitempty"`
	Cost            float64           `json:"cost,omitempty"`
}

// Profile converts the registration into a registry profile with the id
// trimmed the way Register stores it.
func (r Registration) Profile() WorkerProfile {
	return WorkerProfile{
		ID:              strings.TrimSpace(r.AgentID),
		Name:            r.Name,
		Specialties:     r.Specialties,
		Endpoint:        r.Endpoint,
		Metadata:        r.Metadata,
		Rating:          r.Rating,
		TotalTasks:      r.TotalTasks,
		SuccessfulTasks: r.SuccessfulTasks,
		AvgResponseSecs: r.AvgResponseSecs,
		Cost:            r.Cost,
		Status:          StatusActive,
	}
}

// HeartbeatReport is the inbound heartbeat record.
type HeartbeatReport struct {
	AgentID   string  `json:"agent_id"`
	Status    Status  `json:"status"`
	Load      float64 `json:"load"`
	Timestamp int64   `json:"timestamp"`
}
