package guestchannel

import (
	"bufio"
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"vigil/internal/config"
	"vigil/internal/eventbus"
)

// RegistryAdapter is the subset of the Host Registry's instance
// bookkeeping the engine needs, injected so this package never imports
// the registry package directly (mirrors the Transport-decoupling
// pattern in internal/heartbeat).
type RegistryAdapter interface {
	HostnameForInstance(uuid string) (string, bool)
	SetConnected(uuid string, connected bool)
}

// NotifyRequest is an orchestrator intent handed to the engine for one
// instance.
type NotifyRequest struct {
	InstanceUUID     string
	EventType        string
	NotificationType string
}

// Engine runs one task per discovered instance channel.
type Engine struct {
	cfg      config.Daemon
	dir      string
	bus      *eventbus.Bus
	registry RegistryAdapter

	notify chan NotifyRequest

	mu    sync.Mutex
	tasks map[string]*instanceTask
}

// NewEngine constructs an Engine watching cfg.ChannelDir.
func NewEngine(cfg config.Daemon, bus *eventbus.Bus, registry RegistryAdapter) *Engine {
	return &Engine{
		cfg:      cfg,
		dir:      cfg.ChannelDir,
		bus:      bus,
		registry: registry,
		notify:   make(chan NotifyRequest, 16),
		tasks:    make(map[string]*instanceTask),
	}
}

// Notify queues an orchestrator intent for delivery to the named
// instance's notify axis, if that instance currently has a live task.
func (e *Engine) Notify(req NotifyRequest) {
	e.notify <- req
}

// Run discovers channel sockets and runs one task per instance until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	disc, err := NewDiscovery(e.dir, e.cfg.ChannelAuditInterval)
	if err != nil {
		return err
	}

	events := make(chan DiscoveryEvent, 32)
	stop := make(chan struct{})
	go disc.Run(stop, events)

	defer func() {
		close(stop)
		e.mu.Lock()
		for _, t := range e.tasks {
			t.cancel()
		}
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			e.handleDiscovery(ctx, ev)
		case req := <-e.notify:
			e.mu.Lock()
			t, ok := e.tasks[req.InstanceUUID]
			e.mu.Unlock()
			if ok {
				t.notify <- req
			}
		}
	}
}

func (e *Engine) handleDiscovery(ctx context.Context, ev DiscoveryEvent) {
	switch ev.Action {
	case "added", "modified":
		e.mu.Lock()
		_, exists := e.tasks[ev.UUID]
		e.mu.Unlock()
		if exists {
			return
		}
		taskCtx, cancel := context.WithCancel(ctx)
		seed := fnv.New64a()
		_, _ = seed.Write([]byte(ev.UUID))
		t := &instanceTask{
			uuid:     ev.UUID,
			path:     ev.Path,
			cfg:      e.cfg,
			bus:      e.bus,
			registry: e.registry,
			fsm:      NewFSM(e.cfg, int64(seed.Sum64())),
			notify:   make(chan NotifyRequest, 4),
			cancel:   cancel,
		}
		e.mu.Lock()
		e.tasks[ev.UUID] = t
		e.mu.Unlock()
		go func() {
			t.run(taskCtx)
			e.mu.Lock()
			delete(e.tasks, ev.UUID)
			e.mu.Unlock()
		}()
	case "removed":
		e.mu.Lock()
		t, ok := e.tasks[ev.UUID]
		e.mu.Unlock()
		if ok {
			t.cancel()
		}
	}
}

// instanceTask owns one instance's live connection and FSM.
type instanceTask struct {
	uuid     string
	path     string
	cfg      config.Daemon
	bus      *eventbus.Bus
	registry RegistryAdapter
	fsm      *FSM
	notify   chan NotifyRequest
	cancel   context.CancelFunc

	parseFailures int

	hbTimer      *time.Timer
	voteTimer    *time.Timer
	hbResetTimer *time.Timer
}

// stoppedTimer returns a timer that is stopped before it fires and
// whose channel is empty, so the run loop's select can treat "no
// timer armed" and "timer not yet due" the same way.
func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// rearm stops t if running (draining a race-fired channel) and resets
// it to d, or leaves it stopped if d is 0.
func rearm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d > 0 {
		t.Reset(d)
	}
}

func (t *instanceTask) run(ctx context.Context) {
	conn, err := connectWithRetry(t.path, t.cfg.ConnectBackoffMin, t.cfg.ConnectBackoffMax, ctx.Done())
	if err != nil {
		slog.Info("guestchannel: instance channel gone before connect", "instance", t.uuid, "err", err)
		return
	}
	defer conn.Close()

	hostname, _ := t.registry.HostnameForInstance(t.uuid)
	t.registry.SetConnected(t.uuid, true)
	defer t.registry.SetConnected(t.uuid, false)

	t.hbTimer = stoppedTimer()
	t.voteTimer = stoppedTimer()
	t.hbResetTimer = stoppedTimer()
	defer t.hbTimer.Stop()
	defer t.voteTimer.Stop()
	defer t.hbResetTimer.Stop()

	lines := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go t.readLines(conn, lines, readErr)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if err != nil {
				slog.Debug("guestchannel: channel closed", "instance", t.uuid, "err", err)
			}
			return
		case line := <-lines:
			t.handleLine(conn, hostname, line)
		case req := <-t.notify:
			if t.dispatch(conn, hostname, t.fsm.OnNotify(req.EventType, req.NotificationType)) {
				return
			}
		case <-t.hbTimer.C:
			if t.dispatch(conn, hostname, t.fsm.OnHeartbeatTimer()) {
				return
			}
		case <-t.voteTimer.C:
			if t.dispatch(conn, hostname, t.fsm.OnVoteTimeout()) {
				return
			}
		case <-t.hbResetTimer.C:
			if t.dispatch(conn, hostname, t.fsm.ApplyHBReset()) {
				return
			}
		}
	}
}

func (t *instanceTask) readLines(conn net.Conn, lines chan<- []byte, errc chan<- error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		b := make([]byte, len(scanner.Bytes()))
		copy(b, scanner.Bytes())
		lines <- b
	}
	errc <- scanner.Err()
}

func (t *instanceTask) handleLine(conn net.Conn, hostname string, line []byte) {
	m, err := ParseLine(line)
	if err != nil {
		t.parseFailures++
		var perr *ParseError
		if errors.As(err, &perr) {
			nack, _ := EncodeLine(nackFor(m.Sequence, perr))
			_, _ = conn.Write(nack)
		}
		if t.parseFailures >= t.cfg.ParseFailureThreshold {
			slog.Warn("guestchannel: tearing down after consecutive parse failures", "instance", t.uuid, "count", t.parseFailures)
			conn.Close()
		}
		return
	}
	t.parseFailures = 0

	var outs []Output
	switch m.MsgType {
	case "init":
		outs = t.fsm.OnInit()
	case "challenge_response":
		outs = t.fsm.OnChallengeResponse(m)
	case "action_response":
		outs = t.fsm.OnActionResponse(m)
	case "exit":
		outs = t.fsm.OnExit()
	default:
		slog.Debug("guestchannel: unrecognized msg_type", "instance", t.uuid, "msg_type", m.MsgType, "state", t.fsm.DebugState())
		return
	}
	t.dispatch(conn, hostname, outs)
}

// dispatch executes one round of Outputs against the live connection
// and this task's timer wheel, reporting whether the connection should
// be torn down.
func (t *instanceTask) dispatch(conn net.Conn, hostname string, outs []Output) bool {
	teardown := false
	for _, o := range outs {
		if o.Send != nil {
			b, err := EncodeLine(*o.Send)
			if err == nil {
				_, _ = conn.Write(b)
			}
		}
		if o.Event != nil {
			t.publish(hostname, o.Event)
		}
		if o.ArmHBTimer > 0 {
			rearm(t.hbTimer, o.ArmHBTimer)
		}
		if o.ArmVoteTimer > 0 {
			rearm(t.voteTimer, o.ArmVoteTimer)
		}
		if o.CancelVoteTimer {
			rearm(t.voteTimer, 0)
		}
		if o.ScheduleHBReset > 0 {
			rearm(t.hbResetTimer, o.ScheduleHBReset)
		}
		if o.Teardown {
			teardown = true
		}
	}
	if teardown {
		conn.Close()
	}
	return teardown
}

func (t *instanceTask) publish(hostname string, e *OutEvent) {
	if t.bus == nil {
		return
	}
	ev := eventbus.Event{
		Hostname:         hostname,
		InstanceUUID:     t.uuid,
		NotificationType: e.NotificationType,
		EventType:        e.EventType,
		VoteResult:       e.VoteResult,
		Reason:           e.Reason,
		CorrectiveAction: e.CorrectiveAction,
	}
	switch e.Kind {
	case "instance_ill_health":
		ev.Kind = eventbus.KindInstanceIllHealth
	case "heartbeat_loss_instance":
		ev.Kind = eventbus.KindHeartbeatLossInstance
	case "heartbeat_stopped":
		ev.Kind = eventbus.KindHeartbeatStopped
	case "heartbeat_running":
		ev.Kind = eventbus.KindHeartbeatRunning
	case "vote_result":
		ev.Kind = eventbus.KindVoteResult
	default:
		return
	}
	t.bus.Publish(ev)
}
