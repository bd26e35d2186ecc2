package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vigil/internal/check"
	"vigil/internal/clock"
	"vigil/internal/eventbus"
)

var (
	pulseMissTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_pulse_miss_total",
		Help: "Count of pulse periods a host failed to respond in.",
	}, []string{"host", "network"})

	heartbeatLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_heartbeat_loss_total",
		Help: "Count of HeartbeatLoss events emitted.",
	}, []string{"host", "network"})
)

// Transport is the per-network socket the Agent sends requests on and
// receives responses from. Production implementations join the
// multicast group with SO_REUSEADDR and are non-blocking; tests use an in-memory fake.
type Transport interface {
	Send(p Pulse) error
	// Recv returns the next response with a bounded wait, or
	// ok=false on timeout. It must never block past deadline.
	Recv(deadline time.Time) (p Pulse, ok bool, err error)
	Close() error
}

// hostTrack is per-(host,network) bookkeeping the Agent needs beyond
// what the Host Registry stores: the clue, the sequence of the last
// accepted response, and when and in which period it arrived.
type hostTrack struct {
	clue        uint32
	lastSeq     uint32
	respondedAt time.Time
	// respondedPeriod is the period (current request sequence) during
	// which the last accepted response arrived. A late response inside
	// the tolerance window still counts for the period it arrived in.
	respondedPeriod uint32
}

// AgentNetwork runs the Agent role for one physical
// network. One instance is constructed per configured network
// (management, optionally cluster-host).
type AgentNetwork struct {
	Network       string
	Transport     Transport
	Interval      time.Duration
	MissThreshold int
	Tolerance     uint32
	Clock         clock.Clock
	Bus           *eventbus.Bus

	// MarkSeen/MarkMissed are supplied by the Host Registry adapter so
	// the Agent never imports the registry package directly, keeping
	// the protocol engine testable in isolation.
	MarkSeen   func(hostname string, seq uint32, now time.Time, flags uint32)
	MarkMissed func(hostname string) (justFailed bool)
	// ExpectedHosts returns every hostname the Host Registry currently
	// expects pulses from on this network; a host absent from the
	// current period's responses counts as a miss.
	ExpectedHosts func() []string

	mu       sync.Mutex
	seq      uint32
	tracks   map[string]*hostTrack
	hostname string // this Agent's own hostname, for AcceptSelf
	acceptSelf bool
}

// NewAgentNetwork constructs an AgentNetwork. hostname/acceptSelf
// control whether responses from this agent's own node are accepted,
// which is how the local process-monitor flag gets observed.
func NewAgentNetwork(network string, t Transport, interval time.Duration, missThreshold int, tolerance uint32, c clock.Clock, bus *eventbus.Bus, hostname string, acceptSelf bool) *AgentNetwork {
	check.Assert(t != nil, "NewAgentNetwork: transport must not be nil")
	return &AgentNetwork{
		Network:       network,
		Transport:     t,
		Interval:      interval,
		MissThreshold: missThreshold,
		Tolerance:     tolerance,
		Clock:         c,
		Bus:           bus,
		tracks:        make(map[string]*hostTrack),
		hostname:      hostname,
		acceptSelf:    acceptSelf,
	}
}

// Run emits pulse requests at Interval and processes responses until
// ctx is cancelled.
func (a *AgentNetwork) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *AgentNetwork) tick() {
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	if err := a.Transport.Send(Pulse{Request: true, Sequence: seq, Version: WireVersion}); err != nil {
		slog.Warn("heartbeat agent: send error", "network", a.Network, "err", err)
		return
	}

	deadline := a.Clock.Now().Add(a.Interval)
	for {
		resp, ok, err := a.Transport.Recv(deadline)
		if err != nil {
			slog.Warn("heartbeat agent: recv error", "network", a.Network, "err", err)
			continue
		}
		if !ok {
			break // deadline reached: process misses for this period
		}
		a.handleResponse(resp, seq)
	}
	a.processMisses(seq)
}

func (a *AgentNetwork) handleResponse(resp Pulse, currentSeq uint32) {
	if !a.acceptSelf && resp.Hostname == a.hostname {
		return
	}

	a.mu.Lock()
	tr, ok := a.tracks[resp.Hostname]
	if !ok {
		tr = &hostTrack{}
		a.tracks[resp.Hostname] = tr
	}
	if resp.Clue != 0 && resp.Clue != tr.clue {
		tr.clue = resp.Clue
	}

	// Accept the current sequence or any of the last Tolerance
	// sequences.
	accepted := resp.Sequence == currentSeq || (currentSeq-resp.Sequence) <= a.Tolerance
	if accepted {
		tr.lastSeq = resp.Sequence
		tr.respondedAt = a.Clock.Now()
		tr.respondedPeriod = currentSeq
	}
	a.mu.Unlock()

	if accepted && a.MarkSeen != nil {
		a.MarkSeen(resp.Hostname, resp.Sequence, a.Clock.Now(), resp.Flags)
	}
}

// processMisses walks every host the registry expects a pulse from on
// this network and counts this period as a miss for anyone who didn't
// just respond.
func (a *AgentNetwork) processMisses(seq uint32) {
	if a.ExpectedHosts == nil {
		return
	}
	expected := a.ExpectedHosts()

	a.mu.Lock()
	misses := make([]string, 0, len(expected))
	for _, host := range expected {
		tr, ok := a.tracks[host]
		if !ok || tr.respondedPeriod != seq {
			misses = append(misses, host)
		}
	}
	a.mu.Unlock()

	for _, host := range misses {
		pulseMissTotal.WithLabelValues(host, a.Network).Inc()
		if a.MarkMissed == nil {
			continue
		}
		if a.MarkMissed(host) {
			heartbeatLossTotal.WithLabelValues(host, a.Network).Inc()
			slog.Warn("heartbeat agent: host declared lost", "host", host, "network", a.Network)
			if a.Bus != nil {
				a.Bus.Publish(eventbus.Event{Kind: eventbus.KindHeartbeatLoss, Hostname: host, Network: a.Network})
			}
		}
	}
}
