package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ssd-technologies/attest/internal/conversation"
	"github.com/ssd-technologies/attest/internal/coordinator"
	"github.com/ssd-technologies/attest/internal/dispatch"
	"github.com/ssd-technologies/attest/internal/model"
	"github.com/ssd-technologies/attest/internal/ratelimit"
	"github.com/ssd-technologies/attest/internal/registry"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// Server is the HTTP API of the verification coordinator.
type Server struct {
	coord   *coordinator.Coordinator
	limiter *ratelimit.Keyed
	mux     *http.ServeMux
}

// New creates a Server with all routes registered. rateLimit is the number
// of write requests allowed per client IP per minute.
func New(coord *coordinator.Coordinator, rateLimit int) *Server {
	s := &Server{
		coord:   coord,
		limiter: ratelimit.NewKeyed(rateLimit, time.Minute),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// Workers
	s.mux.HandleFunc("POST /api/workers", s.limited(s.handleRegisterWorker))
	s.mux.HandleFunc("GET /api/workers", s.handleListWorkers)
	s.mux.HandleFunc("GET /api/workers/discover", s.handleDiscoverWorkers)
	s.mux.HandleFunc("POST /api/workers/{id}/heartbeat", s.limited(s.handleHeartbeat))
	s.mux.HandleFunc("GET /ws/workers", registry.HandleWebSocket(s.coord.Registry()))

	// Verifications
	s.mux.HandleFunc("POST /api/verifications", s.limited(s.handleSubmit))
	s.mux.HandleFunc("GET /api/verifications", s.handleHistory)
	s.mux.HandleFunc("GET /api/verifications/{id}", s.handleStatus)

	// Conversations
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("POST /api/conversations/{id}/feedback", s.limited(s.handleFeedback))
}

// limited rejects requests from a client IP that exceeded the write limit.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(getIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "attest",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

// readJSON decodes a size-limited JSON request body into v.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidSubmission), errors.Is(err, registry.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrUnknownTask), errors.Is(err, conversation.ErrUnknownConversation),
		errors.Is(err, registry.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
