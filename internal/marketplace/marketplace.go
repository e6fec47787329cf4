// Package marketplace searches an external worker catalogue when the registry
// has no worker for a category.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ssd-technologies/attest/internal/observability"
	"github.com/ssd-technologies/attest/internal/registry"
)

// Listing is one worker as the marketplace describes it.
type Listing struct {
	AgentID         string            `json:"agent_id"`
	Name            string            `json:"name"`
	Specialties     []string          `json:"specialties"`
	Endpoint        string            `json:"endpoint"`
	Rating          float64           `json:"rating"`
	TotalTasks      int               `json:"total_verifications"`
	SuccessRate     float64           `json:"success_rate"`
	AvgResponseSecs float64           `json:"response_time_avg"`
	Cost            float64           `json:"cost_per_verification"`
	Available       bool              `json:"available"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Profile converts a listing into a registry profile.
func (l Listing) Profile() registry.WorkerProfile {
	status := registry.StatusActive
	if !l.Available {
		status = registry.StatusInactive
	}
	rate := l.SuccessRate
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return registry.WorkerProfile{
		ID:              l.AgentID,
		Name:            l.Name,
		Specialties:     l.Specialties,
		Endpoint:        l.Endpoint,
		Metadata:        l.Metadata,
		Rating:          l.Rating,
		TotalTasks:      l.TotalTasks,
		SuccessfulTasks: int(math.Round(float64(l.TotalTasks) * rate)),
		AvgResponseSecs: l.AvgResponseSecs,
		Cost:            l.Cost,
		Status:          status,
	}
}

type searchResponse struct {
	Agents []Listing `json:"agents"`
}

// Client queries a marketplace over HTTP:
// GET <base>/agents/search?specialty=a&specialty=b.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// NewClient creates a marketplace client. token, if set, is sent as a bearer
// token.
func NewClient(base, token string, timeout time.Duration) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Search returns every listed worker declaring one of specialties.
func (c *Client) Search(ctx context.Context, specialties []string) ([]registry.WorkerProfile, error) {
	ctx, span := observability.StartSpan(ctx, "marketplace.search",
		attribute.StringSlice("specialties", specialties))
	defer span.End()

	q := url.Values{}
	for _, s := range specialties {
		q.Add("specialty", s)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/agents/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search marketplace: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("marketplace returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	profiles := make([]registry.WorkerProfile, 0, len(out.Agents))
	for _, l := range out.Agents {
		profiles = append(profiles, l.Profile())
	}
	span.SetAttributes(attribute.Int("results", len(profiles)))
	return profiles, nil
}

// Static is a fixed in-memory catalogue.
type Static struct {
	listings []Listing
}

// NewStatic creates a catalogue from listings.
func NewStatic(listings ...Listing) *Static {
	return &Static{listings: append([]Listing(nil), listings...)}
}

// Search returns listings declaring one of specialties, in catalogue order.
func (s *Static) Search(_ context.Context, specialties []string) ([]registry.WorkerProfile, error) {
	var out []registry.WorkerProfile
	for _, l := range s.listings {
		p := l.Profile()
		if p.HasSpecialty(specialties) {
			out = append(out, p)
		}
	}
	return out, nil
}
