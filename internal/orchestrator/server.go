package orchestrator

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	uuidpkg "github.com/google/uuid"
	"github.com/gorilla/mux"

	"vigil/internal/config"
	"vigil/internal/guestchannel"
	"vigil/internal/registry"
)

// NotifyForwarder delivers a vote/notify intent to whichever process
// actually owns the instance's guest channel. In the single-process
// test/demo wiring that is a local *guestchannel.Engine; in the
// three-binary production split it is a thin client that forwards to
// the vigil-guestd running on the instance's hypervisor host.
type NotifyForwarder interface {
	Notify(req guestchannel.NotifyRequest)
}

// Server is the northbound REST surface.
type Server struct {
	cfg      config.Daemon
	reg      *registry.Registry
	channels NotifyForwarder
}

// NewServer builds a Server over reg and channels.
func NewServer(cfg config.Daemon, reg *registry.Registry, channels NotifyForwarder) *Server {
	return &Server{cfg: cfg, reg: reg, channels: channels}
}

// Router builds the mux.Router for the full northbound surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requireUserAgent)
	r.Use(s.restrictOrigin)

	r.HandleFunc("/v1/instances/{uuid}", s.handleAddInstance).Methods(http.MethodPost)
	r.HandleFunc("/v1/instances/{uuid}/vote", s.handleVote).Methods(http.MethodPost)
	r.HandleFunc("/v1/instances/{uuid}/notify", s.handleNotify).Methods(http.MethodPost)
	r.HandleFunc("/v1/instances/{uuid}", s.handleModifyInstance).Methods(http.MethodPatch)
	r.HandleFunc("/v1/instances/{uuid}", s.handleRemoveInstance).Methods(http.MethodDelete)
	r.HandleFunc("/v1/instances/{uuid}", s.handleGetInstance).Methods(http.MethodGet)
	r.HandleFunc("/v1/hosts/{uuid}/enable", s.handleEnableHost).Methods(http.MethodPut)
	r.HandleFunc("/v1/hosts/{uuid}", s.handleAddHost).Methods(http.MethodPost)
	r.HandleFunc("/v1/hosts/{uuid}", s.handleModifyHost).Methods(http.MethodPatch)
	r.HandleFunc("/v1/hosts/{uuid}", s.handleRemoveHost).Methods(http.MethodDelete)
	r.HandleFunc("/v1/hosts/{uuid}", s.handleGetHost).Methods(http.MethodGet)

	r.NotFoundHandler = s.requireUserAgent(s.restrictOrigin(http.HandlerFunc(s.notFound)))
	r.MethodNotAllowedHandler = s.requireUserAgent(s.restrictOrigin(http.HandlerFunc(s.methodNotAllowed)))
	return r
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, reasonNotFound)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, reasonUnsupportedVerb)
}

// requireUserAgent rejects requests whose User-Agent does not exactly
// match the configured agent string.
func (s *Server) requireUserAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != s.cfg.UserAgent {
			writeError(w, http.StatusBadRequest, reasonInvalidData)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// restrictOrigin logs and, outside test mode, rejects non-localhost
// callers.
func (s *Server) restrictOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		local := ip != nil && ip.IsLoopback()
		if !local {
			slog.Warn("orchestrator server: request from non-localhost origin", "remote", r.RemoteAddr, "path", r.URL.Path)
			if !s.cfg.TestMode {
				writeError(w, http.StatusForbidden, reasonNotFound)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type instanceAddRequest struct {
	Hostname string `json:"hostname"`
	Name     string `json:"name"`
	Services []struct {
		Service string `json:"service"`
	} `json:"services"`
}

func (s *Server) handleAddInstance(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	if _, err := uuidpkg.Parse(uuid); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidData)
		return
	}

	var req instanceAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reasonParseError)
		return
	}
	wantsHeartbeat := false
	for _, svc := range req.Services {
		if svc.Service == "heartbeat" {
			wantsHeartbeat = true
		}
	}
	if !wantsHeartbeat {
		writeError(w, http.StatusBadRequest, reasonInvalidData)
		return
	}

	channelPath := ""
	result := s.reg.AddInstance(req.Hostname, uuid, req.Name, channelPath)
	switch result {
	case registry.Added:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
	case registry.AlreadyPresent:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case registry.NotFound:
		writeError(w, http.StatusNotFound, reasonNotFound)
	default:
		writeError(w, http.StatusBadRequest, reasonBadState)
	}
}

type voteRequest struct {
	EventType string `json:"event_type"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	s.handleNotifyLike(w, r, "revocable")
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	s.handleNotifyLike(w, r, "irrevocable")
}

func (s *Server) handleNotifyLike(w http.ResponseWriter, r *http.Request, notificationType string) {
	uuid := mux.Vars(r)["uuid"]

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventType == "" {
		writeError(w, http.StatusBadRequest, reasonParseError)
		return
	}

	inst, ok := s.reg.GetInstance(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	if inst.VNState == "waiting_shutdown_response" && time.Now().Before(inst.VoteExpiresAt) {
		writeError(w, http.StatusBadRequest, reasonBadState)
		return
	}
	timeoutMS := guestchannel.NotifyTimeoutMS(s.cfg, req.EventType, notificationType)
	inst.VNState = "waiting_shutdown_response"
	inst.EventType = req.EventType
	inst.NotificationType = notificationType
	inst.VoteExpiresAt = time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)

	if s.channels != nil {
		s.channels.Notify(guestchannel.NotifyRequest{
			InstanceUUID:     uuid,
			EventType:        req.EventType,
			NotificationType: notificationType,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "ok",
		"timeout_ms": timeoutMS,
	})
}

type instanceModifyRequest struct {
	Services []struct {
		Service string `json:"service"`
		Enabled bool   `json:"enabled"`
	} `json:"services"`
}

func (s *Server) handleModifyInstance(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	inst, ok := s.reg.GetInstance(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}

	var req instanceModifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reasonParseError)
		return
	}
	for _, svc := range req.Services {
		if svc.Service == "heartbeat" {
			inst.ReportingEnabled = svc.Enabled
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	inst, ok := s.reg.GetInstance(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	if result := s.reg.RemoveInstance(inst.Hostname, uuid); result != registry.Ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	inst, ok := s.reg.GetInstance(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type hostInventoryRequest struct {
	Hostname      string `json:"hostname"`
	Personality   string `json:"personality"`
	ManagementIP  string `json:"management_ip"`
	ClusterHostIP string `json:"cluster_host_ip"`
	MAC           string `json:"mac"`
}

func (inv hostInventoryRequest) toInventory(uuid string) registry.Inventory {
	return registry.Inventory{
		Hostname:      inv.Hostname,
		UUID:          uuid,
		Personality:   registry.Personality(inv.Personality),
		ManagementIP:  inv.ManagementIP,
		ClusterHostIP: inv.ClusterHostIP,
		MAC:           inv.MAC,
	}
}

func (s *Server) handleAddHost(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]

	var req hostInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reasonParseError)
		return
	}

	switch s.reg.Add(req.toInventory(uuid)) {
	case registry.Added:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
	case registry.AlreadyPresent:
		// Convert to modify, the signal AlreadyPresent exists for.
		if s.reg.Modify(req.toInventory(uuid)) != registry.Ok {
			writeError(w, http.StatusInternalServerError, reasonBadState)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case registry.InvalidName:
		writeError(w, http.StatusBadRequest, reasonInvalidData)
	default:
		writeError(w, http.StatusBadRequest, reasonBadState)
	}
}

func (s *Server) handleModifyHost(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	h, ok := s.reg.Get(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}

	var req hostInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reasonParseError)
		return
	}
	if req.Hostname == "" {
		req.Hostname = h.Hostname
	}
	if s.reg.Modify(req.toInventory(uuid)) != registry.Ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveHost(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	h, ok := s.reg.Get(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	if s.reg.Remove(h.Hostname) != registry.Ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableHost(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	h, ok := s.reg.Get(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	h.SetReportingEnabled(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	h, ok := s.reg.Get(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h)
}
