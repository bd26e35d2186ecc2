package registry

import "time"

// Instance is the registry's view of one guest VM. The live channel
// connection, FSM, and timers for an instance are owned by the guest
// channel engine, which runs on the hypervisor host, not the
// controller where the registry lives; this struct is the
// inventory-side projection that the orchestrator adapter keeps
// current from engine events and from its own REST calls, without
// requiring cross-process shared memory.
type Instance struct {
	UUID        string
	Name        string
	Hostname    string // owning host
	ChannelPath string

	ChanOK    bool
	Connected bool

	HeartbeatIntervalMS int
	Heartbeating        bool
	Failed              bool

	HBState string // waiting_init | waiting_response | waiting_challenge
	VNState string // waiting_init | waiting_shutdown_response
	InvocationID uint32

	EventType        string
	NotificationType string
	// VoteExpiresAt bounds the bad-state window for overlapping votes:
	// a new vote is refused only while a prior one's advertised timeout
	// has not yet elapsed and no result has come back.
	VoteExpiresAt time.Time

	Health           string // healthy | unhealthy
	CorrectiveAction string

	ReportingEnabled bool
}

func newInstance(uuid, name, hostname, channelPath string) *Instance {
	return &Instance{
		UUID:             uuid,
		Name:             name,
		Hostname:         hostname,
		ChannelPath:      channelPath,
		HBState:          "waiting_init",
		VNState:          "waiting_init",
		Health:           "healthy",
		ReportingEnabled: true,
	}
}
