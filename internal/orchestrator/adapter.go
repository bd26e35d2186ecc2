package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"vigil/internal/eventbus"
	"vigil/internal/registry"
)

// Adapter drains the event bus and turns pulse and guest-channel events
// into southbound reports, updating the registry's instance records for
// instance events. Host heartbeat loss is reported without a registry
// change, and link changes are only logged.
// It also implements guestchannel.RegistryAdapter so the
// Guest Channel Engine can resolve an instance's owning host without
// importing the registry package.
type Adapter struct {
	reg     *registry.Registry
	bus     *eventbus.Bus
	client  *Client
	tracer  trace.Tracer
	timeout time.Duration
}

// NewAdapter builds an Adapter over reg, draining bus and reporting
// through client.
func NewAdapter(reg *registry.Registry, bus *eventbus.Bus, client *Client) *Adapter {
	return &Adapter{
		reg:     reg,
		bus:     bus,
		client:  client,
		tracer:  otel.Tracer("vigil/orchestrator"),
		timeout: 10 * time.Second,
	}
}

// Run drains the bus until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.bus.Events():
			a.handle(ctx, ev)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.KindHeartbeatLoss:
		a.report(ctx, EventReport{Kind: "alarm", Hostname: ev.Hostname, EventType: "heartbeat_loss"})
	case eventbus.KindHeartbeatLossInstance:
		if inst, ok := a.reg.GetInstance(ev.InstanceUUID); ok {
			inst.Heartbeating = false
			inst.Failed = true
		}
		a.report(ctx, EventReport{Kind: "alarm", Hostname: ev.Hostname, InstanceUUID: ev.InstanceUUID, EventType: "heartbeat_loss_instance"})
	case eventbus.KindInstanceIllHealth:
		if inst, ok := a.reg.GetInstance(ev.InstanceUUID); ok {
			inst.Health = "unhealthy"
			inst.CorrectiveAction = ev.CorrectiveAction
		}
		a.report(ctx, EventReport{
			Kind: "alarm", Hostname: ev.Hostname, InstanceUUID: ev.InstanceUUID,
			EventType: "ill_health", CorrectiveAction: ev.CorrectiveAction,
		})
	case eventbus.KindHeartbeatRunning, eventbus.KindHeartbeatStopped:
		if inst, ok := a.reg.GetInstance(ev.InstanceUUID); ok {
			inst.Heartbeating = ev.Kind == eventbus.KindHeartbeatRunning
		}
		a.report(ctx, EventReport{Kind: "service", Hostname: ev.Hostname, InstanceUUID: ev.InstanceUUID, EventType: string(ev.Kind)})
	case eventbus.KindVoteResult:
		if inst, ok := a.reg.GetInstance(ev.InstanceUUID); ok {
			inst.VNState = "waiting_init"
			inst.EventType = ""
			inst.NotificationType = ""
			inst.VoteExpiresAt = time.Time{}
		}
		a.report(ctx, EventReport{
			Kind: "action", Hostname: ev.Hostname, InstanceUUID: ev.InstanceUUID,
			EventType: ev.EventType, NotificationType: ev.NotificationType,
			VoteResult: ev.VoteResult, Reason: ev.Reason,
		})
	case eventbus.KindLinkChanged:
		slog.Info("orchestrator adapter: link changed", "link", ev.LinkName, "up", ev.LinkUp)
	}
}

func (a *Adapter) report(ctx context.Context, report EventReport) {
	if a.client == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reportCtx, span := a.tracer.Start(reportCtx, "southbound.report")
	defer span.End()

	if err := a.client.ReportEvent(reportCtx, report); err != nil {
		slog.Warn("orchestrator adapter: southbound report failed", "kind", report.Kind, "err", err)
	}
}

// HostnameForInstance implements guestchannel.RegistryAdapter.
func (a *Adapter) HostnameForInstance(uuid string) (string, bool) {
	inst, ok := a.reg.GetInstance(uuid)
	if !ok {
		return "", false
	}
	return inst.Hostname, true
}

// SetConnected implements guestchannel.RegistryAdapter.
func (a *Adapter) SetConnected(uuid string, connected bool) {
	if inst, ok := a.reg.GetInstance(uuid); ok {
		inst.Connected = connected
	}
}
