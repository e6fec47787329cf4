package registry

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ssd-technologies/attest/internal/ratelimit"
)

// WSMessage is the JSON envelope exchanged with workers over a websocket.
type WSMessage struct {
	Type    string          `json:"type"` // "register", "heartbeat", "disconnect"
	Payload json.RawMessage `json:"payload"`
}

// WSResponse is sent back to the worker for every message.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket returns an HTTP handler that upgrades to a websocket and
// feeds register/heartbeat/disconnect messages into reg. A worker whose
// connection drops is marked inactive but kept in the registry.
func HandleWebSocket(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade error: %v", err)
			return
		}
		defer conn.Close()

		limiter := ratelimit.New(60, time.Minute)
		var workerID string

		defer func() {
			if workerID != "" {
				reg.SetStatus(workerID, StatusInactive)
			}
		}()

		for {
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[ws] read error: %v", err)
				}
				return
			}

			if !limiter.Allow() {
				writeWSError(conn, "rate limit exceeded")
				continue
			}

			switch msg.Type {
			case "register":
				var payload Registration
				if err := json.Unmarshal(msg.Payload, &payload); err != nil {
					writeWSError(conn, "invalid register payload")
					continue
				}
				p := payload.Profile()
				if err := reg.Register(p); err != nil {
					if errors.Is(err, ErrInvalidProfile) {
						writeWSError(conn, "agent_id and specialties are required")
						continue
					}
					writeWSError(conn, err.Error())
					continue
				}
				workerID = p.ID
				log.Printf("[ws] worker %s registered", workerID)
				if err := conn.WriteJSON(WSResponse{
					Type:    "registered",
					Payload: map[string]string{"agent_id": workerID},
				}); err != nil {
					log.Printf("[ws] write error: %v", err)
					return
				}

			case "heartbeat":
				var payload HeartbeatReport
				if len(msg.Payload) > 0 {
					if err := json.Unmarshal(msg.Payload, &payload); err != nil {
						writeWSError(conn, "invalid heartbeat payload")
						continue
					}
				}
				if workerID == "" {
					writeWSError(conn, "register before sending heartbeats")
					continue
				}
				status := payload.Status
				if status == "" {
					status = StatusActive
				}
				reg.Heartbeat(workerID, status, payload.Load)
				if err := conn.WriteJSON(WSResponse{
					Type:    "heartbeat_ack",
					Payload: map[string]string{"status": "ok"},
				}); err != nil {
					log.Printf("[ws] write error: %v", err)
					return
				}

			case "disconnect":
				if workerID != "" {
					reg.SetStatus(workerID, StatusInactive)
					workerID = "" // prevent a second update in the deferred cleanup
				}
				_ = conn.WriteJSON(WSResponse{
					Type:    "disconnected",
					Payload: map[string]string{"status": "ok"},
				})
				return

			default:
				writeWSError(conn, "unknown message type: "+msg.Type)
			}
		}
	}
}

func writeWSError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(WSResponse{
		Type:    "error",
		Payload: map[string]string{"error": message},
	})
}
