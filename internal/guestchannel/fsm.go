package guestchannel

import (
	"log/slog"
	"math/rand"
	"time"

	"vigil/internal/config"
)

// hbState is the heartbeat axis of the per-instance state machine.
type hbState string

const (
	hbWaitingInit      hbState = "waiting_init"
	hbWaitingResponse  hbState = "waiting_response"
	hbWaitingChallenge hbState = "waiting_challenge"
)

// vnState is the voting axis.
type vnState string

const (
	vnWaitingInit             vnState = "waiting_init"
	vnWaitingShutdownResponse vnState = "waiting_shutdown_response"
)

// Output is one thing the FSM wants the engine to do as a result of
// processing a message or a timer firing: send a message on the wire,
// emit an event toward the orchestrator adapter, (re)arm a timer, or
// tear down the channel.
type Output struct {
	Send            *Message
	Event           *OutEvent
	ArmHBTimer      time.Duration // 0 means "don't touch"
	ArmVoteTimer    time.Duration
	CancelVoteTimer bool
	ScheduleHBReset time.Duration // fixed grace period before hb_state returns to waiting_init
	Teardown        bool
}

// OutEvent mirrors the protocol's output events, independent of the
// eventbus package so the FSM stays a pure, easily tested function set.
type OutEvent struct {
	Kind             string
	CorrectiveAction string
	NotificationType string
	EventType        string
	VoteResult       string
	Reason           string
}

// FSM holds the mutable state for one instance's state machine. It has
// no I/O of its own: Step methods take an input and return Outputs for
// the engine to execute.
type FSM struct {
	cfg config.Daemon

	HB hbState
	VN vnState

	InvocationID uint32

	outstandingChallenge uint32
	hbMisses             int
	mismatches           int
	heartbeating         bool
	unhealthy            bool

	pendingEventType        string
	pendingNotificationType string

	rng *rand.Rand
}

// NewFSM starts both axes in waiting_init
func NewFSM(cfg config.Daemon, seed int64) *FSM {
	return &FSM{
		cfg: cfg,
		HB:  hbWaitingInit,
		VN:  vnWaitingInit,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// OnInit handles an `init` message from the guest: reply with
// init_ack, assign a fresh invocation_id, and issue the first
// challenge.
func (f *FSM) OnInit() []Output {
	f.InvocationID++
	f.outstandingChallenge = f.rng.Uint32()
	f.hbMisses = 0

	ack := Message{MsgType: "init_ack", InvocationID: f.InvocationID}
	challenge := Message{MsgType: "challenge", InvocationID: f.InvocationID, Challenge: f.outstandingChallenge}
	f.HB = hbWaitingResponse

	return []Output{
		{Send: &ack},
		{Send: &challenge, ArmHBTimer: f.cfg.InitChallengeTimeout},
	}
}

// OnChallengeResponse handles a `challenge_response` message.
func (f *FSM) OnChallengeResponse(m Message) []Output {
	if m.HeartbeatResponse != f.outstandingChallenge {
		f.mismatches++
		out := []Output{{ArmHBTimer: f.intervalDuration()}}
		if f.mismatches > f.cfg.MismatchBound {
			// Treated as a miss once mismatches exceed the separate
			// bound.
			return f.recordMiss()
		}
		return out
	}
	f.mismatches = 0
	f.hbMisses = 0
	f.HB = hbWaitingChallenge

	outs := []Output{{ArmHBTimer: f.intervalDuration()}}
	if !f.heartbeating {
		f.heartbeating = true
		outs = append(outs, Output{Event: &OutEvent{Kind: "heartbeat_running"}})
	}
	if m.Health == "unhealthy" {
		// Edge-triggered: one ill-health event per distinct transition
		// to unhealthy, not one per response.
		if !f.unhealthy {
			f.unhealthy = true
			action := m.CorrectiveAction
			if action == "" {
				action = "unknown"
			}
			outs = append(outs, Output{Event: &OutEvent{Kind: "instance_ill_health", CorrectiveAction: action}})
		}
	} else {
		f.unhealthy = false
	}
	return outs
}

// OnHeartbeatTimer handles the interval timer firing while waiting for
// a challenge_response (state waiting_response) or while idly running
// (state waiting_challenge, which re-issues a challenge).
func (f *FSM) OnHeartbeatTimer() []Output {
	switch f.HB {
	case hbWaitingResponse:
		return f.recordMiss()
	case hbWaitingChallenge:
		f.outstandingChallenge = f.rng.Uint32()
		f.HB = hbWaitingResponse
		challenge := Message{MsgType: "challenge", InvocationID: f.InvocationID, Challenge: f.outstandingChallenge}
		return []Output{{Send: &challenge, ArmHBTimer: f.intervalDuration()}}
	default:
		return nil
	}
}

func (f *FSM) recordMiss() []Output {
	f.hbMisses++
	if f.hbMisses <= f.cfg.HBSFailureThreshold {
		return []Output{{ArmHBTimer: f.intervalDuration()}}
	}
	f.HB = hbWaitingInit
	f.hbMisses = 0
	outs := []Output{{Event: &OutEvent{Kind: "heartbeat_loss_instance"}}}
	if f.heartbeating {
		f.heartbeating = false
		outs = append(outs, Output{Event: &OutEvent{Kind: "heartbeat_stopped"}})
	}
	return outs
}

func (f *FSM) intervalDuration() time.Duration {
	return time.Duration(f.cfg.HeartbeatIntervalMS) * time.Millisecond
}

// NotifyTimeoutMS implements the timeout_ms selection table: revocable
// notifies get the vote window; irrevocable ones get the notice window
// matching the event's direction. Unrecognized irrevocable events fall
// back to the vote window with a warning.
func NotifyTimeoutMS(cfg config.Daemon, eventType, notificationType string) int {
	if notificationType == "revocable" {
		return cfg.VoteSecs * 1000
	}
	switch eventType {
	case "stop", "reboot":
		return cfg.ShutdownNoticeSecs * 1000
	case "suspend", "pause", "resize_begin", "migrate_begin", "cold_migrate_begin", "live_migrate_begin":
		return cfg.SuspendNoticeSecs * 1000
	case "unpause", "resume", "resize_end", "migrate_end", "cold_migrate_end", "live_migrate_end":
		return cfg.ResumeNoticeSecs * 1000
	default:
		slog.Warn("guestchannel: unrecognized irrevocable event type, using vote window", "event_type", eventType)
		return cfg.VoteSecs * 1000
	}
}

// OnNotify handles an orchestrator intent: send notify, arm the vote
// timer.
func (f *FSM) OnNotify(eventType, notificationType string) []Output {
	f.pendingEventType = eventType
	f.pendingNotificationType = notificationType

	timeoutMS := NotifyTimeoutMS(f.cfg, eventType, notificationType)
	notify := Message{
		MsgType:          "notify",
		InvocationID:     f.InvocationID,
		EventType:        eventType,
		NotificationType: notificationType,
		TimeoutMS:        timeoutMS,
	}
	f.VN = vnWaitingShutdownResponse
	return []Output{{Send: &notify, ArmVoteTimer: time.Duration(f.cfg.VoteSecs) * time.Second}}
}

// OnActionResponse handles an `action_response` message.
func (f *FSM) OnActionResponse(m Message) []Output {
	if m.InvocationID != f.InvocationID {
		nack := Message{MsgType: "nack", Expected: f.InvocationID, Received: m.InvocationID}
		return []Output{{Send: &nack}}
	}
	return f.completeVote(m.VoteResult, m.RejectReason)
}

// OnVoteTimeout handles the vote timer expiring with no response:
// silent agreement.
func (f *FSM) OnVoteTimeout() []Output {
	result := "accept"
	if f.pendingNotificationType == "irrevocable" {
		result = "complete"
	}
	return f.completeVote(result, "")
}

func (f *FSM) completeVote(result, reason string) []Output {
	eventType := f.pendingEventType
	notificationType := f.pendingNotificationType
	f.VN = vnWaitingInit
	f.pendingEventType = ""
	f.pendingNotificationType = ""

	outs := []Output{
		{CancelVoteTimer: true},
		{Event: &OutEvent{
			Kind:             "vote_result",
			EventType:        eventType,
			NotificationType: notificationType,
			VoteResult:       result,
			Reason:           reason,
		}},
	}
	outs = append(outs, f.heartbeatSideEffects(eventType, result)...)
	return outs
}

// heartbeatSideEffects implements "Specific event combinations reset
// the heartbeat axis".
func (f *FSM) heartbeatSideEffects(eventType, result string) []Output {
	switch {
	case eventType == "suspend" && result == "complete":
		f.HB = hbWaitingInit
		f.heartbeating = false
		return []Output{{Event: &OutEvent{Kind: "heartbeat_stopped"}}}
	case eventType == "pause" || eventType == "reboot" ||
		eventType == "migrate_begin" || eventType == "live_migrate_begin" || eventType == "cold_migrate_begin":
		return []Output{{ScheduleHBReset: f.cfg.PostEventGracePeriod}}
	default:
		return nil
	}
}

// OnExit handles an `exit` message: the guest announced an orderly
// shutdown, so heartbeating stops without counting misses or raising a
// loss event.
func (f *FSM) OnExit() []Output {
	f.HB = hbWaitingInit
	f.hbMisses = 0
	if f.heartbeating {
		f.heartbeating = false
		return []Output{{Event: &OutEvent{Kind: "heartbeat_stopped"}}}
	}
	return nil
}

// ApplyHBReset returns hb_state to waiting_init after the grace period
// scheduled by heartbeatSideEffects.
func (f *FSM) ApplyHBReset() []Output {
	f.HB = hbWaitingInit
	if f.heartbeating {
		f.heartbeating = false
		return []Output{{Event: &OutEvent{Kind: "heartbeat_stopped"}}}
	}
	return nil
}

// DebugState renders the current state pair for log lines.
func (f *FSM) DebugState() string {
	return string(f.HB) + "/" + string(f.VN)
}
