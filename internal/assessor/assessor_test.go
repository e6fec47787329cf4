package assessor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/registry"
)

func TestHTTP_Assess(t *testing.T) {
	var got model.AssessmentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, AssessPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(model.AssessmentResult{
			Approved:        true,
			Confidence:      0.82,
			CategoryScores:  map[string]float64{"code_quality": 0.9},
			Recommendations: []string{"add tests"},
		})
	}))
	defer srv.Close()

	a := NewHTTP(nil, 5*time.Second)
	worker := registry.WorkerProfile{ID: "w1", Endpoint: srv.URL + "/"}
	req := model.AssessmentRequest{TaskID: "t1", Category: "web development", Deliverables: []string{"repo"}}

	res, err := a.Assess(context.Background(), worker, req)
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, 0.82, res.Confidence)
	require.Equal(t, []string{"add tests"}, res.Recommendations)
	require.Equal(t, req.TaskID, got.TaskID)
	require.Equal(t, req.Deliverables, got.Deliverables)
}

func TestHTTP_AssessNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(nil, time.Second).Assess(context.Background(),
		registry.WorkerProfile{ID: "w1", Endpoint: srv.URL}, model.AssessmentRequest{TaskID: "t1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestHTTP_AssessBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTP(nil, time.Second).Assess(context.Background(),
		registry.WorkerProfile{ID: "w1", Endpoint: srv.URL}, model.AssessmentRequest{})
	require.ErrorContains(t, err, "decode result")
}

func TestHTTP_AssessNoEndpoint(t *testing.T) {
	_, err := NewHTTP(nil, time.Second).Assess(context.Background(),
		registry.WorkerProfile{ID: "w1"}, model.AssessmentRequest{})
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestHTTP_AssessContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTP(nil, 10*time.Second).Assess(ctx,
		registry.WorkerProfile{ID: "w1", Endpoint: srv.URL}, model.AssessmentRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatic(t *testing.T) {
	boom := errors.New("boom")
	s := NewStatic(map[string]Response{
		"ok":   {Result: model.AssessmentResult{Approved: true, Confidence: 0.9}},
		"fail": {Err: boom},
	})

	res, err := s.Assess(context.Background(), registry.WorkerProfile{ID: "ok"}, model.AssessmentRequest{})
	require.NoError(t, err)
	require.True(t, res.Approved)

	_, err = s.Assess(context.Background(), registry.WorkerProfile{ID: "fail"}, model.AssessmentRequest{})
	require.ErrorIs(t, err, boom)

	_, err = s.Assess(context.Background(), registry.WorkerProfile{ID: "unknown"}, model.AssessmentRequest{})
	require.Error(t, err)

	require.Equal(t, 1, s.Calls("ok"))
	require.Equal(t, 0, s.Calls("never"))
}

func TestStatic_DelayRespectsContext(t *testing.T) {
	s := NewStatic(nil)
	s.Set("slow", Response{Delay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Assess(ctx, registry.WorkerProfile{ID: "slow"}, model.AssessmentRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
