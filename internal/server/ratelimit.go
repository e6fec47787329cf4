package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// RunLimiterSweep drops expired per-IP rate limit windows every interval
// until ctx is cancelled.
func (s *Server) RunLimiterSweep(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			if n := s.limiter.Sweep(); n > 0 {
				log.Printf("[server] dropped %d idle rate limit window(s)", n)
			}
		}
	}
}

// getIP extracts the client IP from a request, respecting X-Forwarded-For
// for proxied deployments.
func getIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
