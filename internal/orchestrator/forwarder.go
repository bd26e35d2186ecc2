package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"vigil/internal/guestchannel"
	"vigil/internal/registry"
)

// GuestdForwarder implements NotifyForwarder by POSTing the intent to
// the vigil-guestd control surface on the instance's hypervisor host,
// resolved through the registry's management IP.
type GuestdForwarder struct {
	Registry *registry.Registry
	Port     int
	HTTP     *http.Client
}

// NewGuestdForwarder builds a forwarder dialing port on each host's
// management IP.
func NewGuestdForwarder(reg *registry.Registry, port int) *GuestdForwarder {
	return &GuestdForwarder{
		Registry: reg,
		Port:     port,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify forwards req to the owning host's vigil-guestd. Failures are
// logged, not propagated. A notify that never arrives arms no engine
// vote timer; the instance's VoteExpiresAt, checked by the server, is
// the backstop.
func (f *GuestdForwarder) Notify(req guestchannel.NotifyRequest) {
	inst, ok := f.Registry.GetInstance(req.InstanceUUID)
	if !ok {
		slog.Warn("guestd forwarder: unknown instance", "instance", req.InstanceUUID)
		return
	}
	host, ok := f.Registry.Get(inst.Hostname)
	if !ok || host.ManagementIP == "" {
		slog.Warn("guestd forwarder: no management address for host", "host", inst.Hostname)
		return
	}

	body, err := json.Marshal(map[string]string{
		"instance_uuid":     req.InstanceUUID,
		"event_type":        req.EventType,
		"notification_type": req.NotificationType,
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("http://%s:%d/notify", host.ManagementIP, f.Port)
	resp, err := f.HTTP.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("guestd forwarder: notify send failed", "host", inst.Hostname, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slog.Warn("guestd forwarder: notify rejected", "host", inst.Hostname, "status", resp.StatusCode)
	}
}
