package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/eventbus"
	"vigil/internal/registry"
)

func TestAdapter_HeartbeatLoss_ReportsAlarmSouthbound(t *testing.T) {
	var got EventReport
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &fakeTokenSource{token: "tok", platformURL: srv.URL}
	client := NewClient(tokens, 1)
	reg := registry.New(nil, nil)
	bus := eventbus.New(8, nil)

	a := NewAdapter(reg, bus, client)
	a.timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	bus.Publish(eventbus.Event{Kind: eventbus.KindHeartbeatLoss, Hostname: "worker-1"})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for southbound report")
	}
	assert.Equal(t, "alarm", got.Kind)
	assert.Equal(t, "worker-1", got.Hostname)
}

func TestAdapter_HostnameForInstance_ResolvesFromRegistry(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Add(registry.Inventory{Hostname: "worker-1"})
	reg.AddInstance("worker-1", "uuid-1", "vm-1", "/tmp/x.sock")

	a := NewAdapter(reg, eventbus.New(1, nil), nil)
	hostname, ok := a.HostnameForInstance("uuid-1")
	require.True(t, ok)
	assert.Equal(t, "worker-1", hostname)

	_, ok = a.HostnameForInstance("unknown")
	assert.False(t, ok)
}

func TestAdapter_SetConnected_UpdatesInstance(t *testing.T) {
	reg := registry.New(nil, nil)
	reg.Add(registry.Inventory{Hostname: "worker-1"})
	reg.AddInstance("worker-1", "uuid-1", "vm-1", "/tmp/x.sock")

	a := NewAdapter(reg, eventbus.New(1, nil), nil)
	a.SetConnected("uuid-1", true)

	inst, _ := reg.GetInstance("uuid-1")
	assert.True(t, inst.Connected)
}
