// Package registry implements the host registry: a keyed store of
// provisioned hosts, owning per-host liveness state, heartbeat failure
// state, and the Instances each host carries.
package registry

import "time"

// Personality is a host's provisioned role.
type Personality string

const (
	PersonalityController Personality = "controller"
	PersonalityWorker      Personality = "worker"
	PersonalityStorage     Personality = "storage"
)

// NetworkLiveness is the per-network heartbeat bookkeeping for one
// Host "Liveness".
type NetworkLiveness struct {
	MissCount        int
	LastSeenSequence uint32
	LastSeenTime     time.Time
	PmondAlive       bool
	ClusterHostProvisioned bool
	Failed           bool
}

// HeartbeatFailureState is the host-level failure summary, tracked
// separately from per-network liveness.
type HeartbeatFailureState struct {
	Failed           bool
	Failures         int
	ReportingEnabled bool
}

// Host represents one provisioned node.
type Host struct {
	Hostname    string
	UUID        string
	Personality Personality
	ManagementIP string
	ClusterHostIP string
	MAC         string

	Liveness map[string]*NetworkLiveness // keyed by network role
	HBFailure HeartbeatFailureState

	Instances map[string]*Instance // keyed by instance UUID

	// timerRefs counts outstanding timers owned on behalf of this host.
	// Invariant 3: Remove must drain this to zero first.
	timerRefs int
}

func newHost(hostname, uuid string, personality Personality) *Host {
	return &Host{
		Hostname:    hostname,
		UUID:        uuid,
		Personality: personality,
		Liveness:    make(map[string]*NetworkLiveness),
		Instances:   make(map[string]*Instance),
		HBFailure:   HeartbeatFailureState{ReportingEnabled: true},
	}
}

// livenessFor returns (creating if absent) the per-network liveness
// record. First pulse after a cold start must be accepted even though
// the miss counter is zero.
func (h *Host) livenessFor(network string) *NetworkLiveness {
	nl, ok := h.Liveness[network]
	if !ok {
		nl = &NetworkLiveness{}
		h.Liveness[network] = nl
	}
	return nl
}

// Heartbeating reports whether the host has seen a valid response on
// any network within missThreshold*interval.
// Since the registry does not itself track "now" against an interval
// (that is the Heartbeat Engine's job, which calls MarkSeen/MarkMissed
// explicitly), Heartbeating here reflects the last computed verdict:
// a host is heartbeating unless every monitored network is Failed.
func (h *Host) Heartbeating() bool {
	if len(h.Liveness) == 0 {
		return false
	}
	for _, nl := range h.Liveness {
		if !nl.Failed {
			return true
		}
	}
	return false
}

// MarkSeen records a valid pulse response on network, resetting that
// network's miss counter without touching other networks. It does not clear Failed: only an explicit Clear
// does.
func (h *Host) MarkSeen(network string, seq uint32, now time.Time, pmondAlive, clusterHostProvisioned bool) {
	nl := h.livenessFor(network)
	nl.MissCount = 0
	nl.LastSeenSequence = seq
	nl.LastSeenTime = now
	nl.PmondAlive = pmondAlive
	nl.ClusterHostProvisioned = clusterHostProvisioned
}

// MarkMissed increments the miss counter for network and reports
// whether this crossed missThreshold for the first time (the caller
// uses this to decide whether to emit HeartbeatLoss exactly once).
func (h *Host) MarkMissed(network string, missThreshold int) (justFailed bool) {
	nl := h.livenessFor(network)
	nl.MissCount++
	if nl.MissCount > missThreshold && !nl.Failed {
		nl.Failed = true
		return true
	}
	return false
}

// Clear resets the Failed/MissCount state for one network. This is the
// only path that un-fails a host: the heartbeat engine never does it
// on its own.
func (h *Host) Clear(network string) {
	nl := h.livenessFor(network)
	nl.Failed = false
	nl.MissCount = 0
}

// FailedOn reports a network's current Failed flag.
func (h *Host) FailedOn(network string) bool {
	nl, ok := h.Liveness[network]
	return ok && nl.Failed
}

// SetReportingEnabled turns host-level heartbeat-failure reporting on
// or off.
func (h *Host) SetReportingEnabled(enabled bool) {
	h.HBFailure.ReportingEnabled = enabled
}
