package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ssd-technologies/attest/internal/assessor"
	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/observability"
	"github.com/ssd-technologies/attest/internal/registry"
)

// worker serves assessments and reports its load to the coordinator.
type worker struct {
	capacity int
	inFlight atomic.Int64
}

// load is the fraction of capacity in use, capped at 1.
func (w *worker) load() float64 {
	l := float64(w.inFlight.Load()) / float64(w.capacity)
	if l > 1 {
		return 1
	}
	return l
}

func (w *worker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+assessor.AssessPath, w.handleAssess)
	mux.HandleFunc("GET /health", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{"status": "ok", "load": w.load()})
	})
	return mux
}

func (w *worker) handleAssess(rw http.ResponseWriter, r *http.Request) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	var req model.AssessmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	ctx := observability.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	_, span := observability.StartSpan(ctx, "worker.assess",
		attribute.String("task.id", req.TaskID),
		attribute.String("category", req.Category),
	)
	res := Score(req)
	span.SetAttributes(attribute.Bool("approved", res.Approved))
	span.End()
	log.Printf("[worker] task %s: approved=%v confidence=%.2f", req.TaskID, res.Approved, res.Confidence)
	writeJSON(rw, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// session is a registered websocket connection to the coordinator.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex // serialises writes and their acks
}

// connect dials the coordinator and registers reg. It fails unless the
// coordinator answers with "registered".
func connect(ctx context.Context, url string, reg registry.Registration) (*session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	s := &session{conn: conn}
	resp, err := s.send("register", reg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Type != "registered" {
		conn.Close()
		return nil, fmt.Errorf("register rejected: %s", string(resp.Payload))
	}
	return s, nil
}

type wsReply struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *session) send(kind string, payload any) (wsReply, error) {
	var reply wsReply
	raw, err := json.Marshal(payload)
	if err != nil {
		return reply, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(registry.WSMessage{Type: kind, Payload: raw}); err != nil {
		return reply, fmt.Errorf("send %s: %w", kind, err)
	}
	if err := s.conn.ReadJSON(&reply); err != nil {
		return reply, fmt.Errorf("read %s reply: %w", kind, err)
	}
	return reply, nil
}

// heartbeat reports load every interval until ctx is cancelled, then says
// goodbye.
func (s *session) heartbeat(ctx context.Context, id string, interval time.Duration, load func() float64) error {
	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return nil
		case <-time.After(interval):
			resp, err := s.send("heartbeat", registry.HeartbeatReport{
				AgentID:   id,
				Status:    registry.StatusActive,
				Load:      load(),
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				return err
			}
			if resp.Type == "error" {
				log.Printf("[worker] WARNING: heartbeat rejected: %s", string(resp.Payload))
			}
		}
	}
}

func (s *session) disconnect() {
	if _, err := s.send("disconnect", struct{}{}); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Printf("[worker] WARNING: disconnect: %v", err)
	}
	s.conn.Close()
}
