// Package assessor provides clients for the external worker scoring
// operation: an HTTP client for real workers and a deterministic fake.
package assessor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/observability"
	"github.com/ssd-technologies/attest/internal/registry"
)

// ErrNoEndpoint is returned when a worker has no endpoint to call.
var ErrNoEndpoint = errors.New("worker has no endpoint")

// AssessPath is appended to a worker endpoint for assessment calls.
const AssessPath = "/assess"

// maxResponseBytes bounds a worker response body.
const maxResponseBytes = 1 << 20

// HTTP calls workers over HTTP: it POSTs an AssessmentRequest as JSON to
// <endpoint>/assess and decodes an AssessmentResult.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP assessor. A nil client uses a client with the given
// timeout.
func NewHTTP(client *http.Client, timeout time.Duration) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTP{client: client}
}

// Assess runs one assessment on worker.
func (h *HTTP) Assess(ctx context.Context, worker registry.WorkerProfile, req model.AssessmentRequest) (model.AssessmentResult, error) {
	ctx, span := observability.StartSpan(ctx, "assessor.http",
		attribute.String("worker.id", worker.ID),
		attribute.String("task.id", req.TaskID),
	)
	defer span.End()

	res, err := h.assess(ctx, worker, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (h *HTTP) assess(ctx context.Context, worker registry.WorkerProfile, req model.AssessmentRequest) (model.AssessmentResult, error) {
	var res model.AssessmentResult
	endpoint := strings.TrimRight(strings.TrimSpace(worker.Endpoint), "/")
	if endpoint == "" {
		return res, ErrNoEndpoint
	}

	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+AssessPath, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	observability.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return res, fmt.Errorf("post %s: %w", endpoint+AssessPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return res, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("worker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// Response is a canned answer for one worker in a Static assessor.
type Response struct {
	Result model.AssessmentResult
	Err    error
	Delay  time.Duration
}

// Static is a deterministic in-process assessor keyed by worker id.
// Workers without an entry fail.
type Static struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     map[string]int
}

// NewStatic creates a Static assessor with the given responses.
func NewStatic(responses map[string]Response) *Static {
	s := &Static{
		responses: make(map[string]Response, len(responses)),
		calls:     make(map[string]int),
	}
	for id, r := range responses {
		s.responses[id] = r
	}
	return s
}

// Set installs or replaces the response for a worker.
func (s *Static) Set(workerID string, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[workerID] = r
}

// Calls returns how many times a worker has been asked to assess.
func (s *Static) Calls(workerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[workerID]
}

// Assess returns the configured response after its delay, or ctx's error if
// ctx ends first.
func (s *Static) Assess(ctx context.Context, worker registry.WorkerProfile, req model.AssessmentRequest) (model.AssessmentResult, error) {
	s.mu.Lock()
	r, ok := s.responses[worker.ID]
	s.calls[worker.ID]++
	s.mu.Unlock()

	if !ok {
		return model.AssessmentResult{}, fmt.Errorf("no canned response for worker %s", worker.ID)
	}
	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.AssessmentResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return r.Result, r.Err
}
