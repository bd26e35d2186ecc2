// Package eventbus carries the output events that the link monitor,
// heartbeat engine, and guest channel engine emit toward the
// orchestrator adapter. It is a single-producer-per-component,
// single-consumer channel: HTTP event loops and the main loop never
// share state except through this bus.
package eventbus

// Kind identifies the shape of an Event's payload.
type Kind string

const (
	KindHeartbeatLoss         Kind = "heartbeat_loss" // host-level
	KindHeartbeatRunning      Kind = "heartbeat_running"
	KindHeartbeatStopped      Kind = "heartbeat_stopped"
	KindHeartbeatLossInstance Kind = "heartbeat_loss_instance"
	KindInstanceIllHealth     Kind = "instance_ill_health"
	KindVoteResult            Kind = "vote_result"
	KindLinkChanged           Kind = "link_changed"
)

// Event is the envelope delivered on the Bus. Only the fields relevant
// to Kind are populated; the rest are the zero value.
type Event struct {
	Kind Kind

	Hostname string
	Network  string // management | cluster-host | oam | data

	InstanceUUID     string
	NotificationType string // revocable | irrevocable
	EventType        string // stop, reboot, pause, ...
	VoteResult       string // accept | complete | reject | timeout | unknown | error
	Reason           string
	CorrectiveAction string

	LinkName string
	LinkUp   bool
}

// Bus is a bounded fan-in channel. Producers must not block the caller
// that detected the condition (pulse receive loop, fsnotify watch,
// netlink subscription): Publish drops the event and hands it to the
// optional onDrop callback rather than blocking, since a slow consumer
// must never stall a protocol state machine.
type Bus struct {
	ch      chan Event
	dropped func(Event)
}

// New creates a Bus with the given channel capacity. onDrop, if
// non-nil, is called (from the producer's goroutine) for every event
// dropped because the channel was full.
func New(capacity int, onDrop func(Event)) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{ch: make(chan Event, capacity), dropped: onDrop}
}

// Publish enqueues an event without blocking. Returns false if the
// bus was full and the event was dropped.
func (b *Bus) Publish(e Event) bool {
	select {
	case b.ch <- e:
		return true
	default:
		if b.dropped != nil {
			b.dropped(e)
		}
		return false
	}
}

// Events returns the receive side for the single consumer.
func (b *Bus) Events() <-chan Event {
	return b.ch
}
