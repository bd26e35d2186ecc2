package guestchannel

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// ControlServer is the small HTTP surface vigil-guestd exposes so the
// controller can forward vote/notify intents to the process that
// actually owns the instance's channel.
type ControlServer struct {
	engine *Engine
}

// NewControlServer wraps engine in its forwarding surface.
func NewControlServer(engine *Engine) *ControlServer {
	return &ControlServer{engine: engine}
}

type controlNotifyRequest struct {
	InstanceUUID     string `json:"instance_uuid"`
	EventType        string `json:"event_type"`
	NotificationType string `json:"notification_type"`
}

// Router builds the control router. POST /notify is the only verb.
func (s *ControlServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/notify", s.handleNotify).Methods(http.MethodPost)
	return r
}

func (s *ControlServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req controlNotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstanceUUID == "" || req.EventType == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "fail", "reason": "command parse error"})
		return
	}
	if req.NotificationType == "" {
		req.NotificationType = "revocable"
	}

	s.engine.Notify(NotifyRequest{
		InstanceUUID:     req.InstanceUUID,
		EventType:        req.EventType,
		NotificationType: req.NotificationType,
	})
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
