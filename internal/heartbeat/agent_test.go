package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/clock"
	"vigil/internal/eventbus"
)

func newTestAgent(t *testing.T, hosts []string) (*AgentNetwork, *fakeTransport, *eventbus.Bus, map[string]int) {
	t.Helper()
	tr := newFakeTransport()
	bus := eventbus.New(8, nil)
	missed := map[string]int{}

	a := NewAgentNetwork("mgmt", tr, 10*time.Millisecond, 3, 1, clock.Real{}, bus, "controller-0", false)
	a.ExpectedHosts = func() []string { return hosts }
	a.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) {}
	a.MarkMissed = func(hostname string) bool {
		missed[hostname]++
		return missed[hostname] == 3
	}
	return a, tr, bus, missed
}

func TestAgent_HandleResponse_AcceptsCurrentSequence(t *testing.T) {
	a, _, _, _ := newTestAgent(t, []string{"worker-1"})
	var seen string
	a.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) { seen = hostname }

	a.handleResponse(Pulse{Hostname: "worker-1", Sequence: 5}, 5)
	assert.Equal(t, "worker-1", seen)
}

func TestAgent_HandleResponse_RejectsSelfUnlessAccepted(t *testing.T) {
	a, _, _, _ := newTestAgent(t, nil)
	var called bool
	a.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) { called = true }

	a.handleResponse(Pulse{Hostname: "controller-0", Sequence: 1}, 1)
	assert.False(t, called, "a response from self must be rejected when acceptSelf is false")
}

func TestAgent_HandleResponse_AcceptsWithinTolerance(t *testing.T) {
	a, _, _, _ := newTestAgent(t, []string{"worker-1"})
	var seen uint32
	a.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) { seen = seq }

	// Tolerance is 1, so a response one sequence behind current still counts.
	a.handleResponse(Pulse{Hostname: "worker-1", Sequence: 9}, 10)
	assert.Equal(t, uint32(9), seen)
}

func TestAgent_HandleResponse_RejectsOutsideTolerance(t *testing.T) {
	a, _, _, _ := newTestAgent(t, []string{"worker-1"})
	var called bool
	a.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) { called = true }

	a.handleResponse(Pulse{Hostname: "worker-1", Sequence: 2}, 10)
	assert.False(t, called)
}

func TestAgent_ProcessMisses_CountsHostThatNeverResponded(t *testing.T) {
	a, _, bus, missed := newTestAgent(t, []string{"worker-1", "worker-2"})

	// worker-1 responds to every period; worker-2 never responds at all.
	for seq := uint32(1); seq <= 3; seq++ {
		a.handleResponse(Pulse{Hostname: "worker-1", Sequence: seq}, seq)
		a.processMisses(seq)
	}

	require.Equal(t, 0, missed["worker-1"])
	require.Equal(t, 3, missed["worker-2"])

	ev := <-bus.Events()
	assert.Equal(t, eventbus.KindHeartbeatLoss, ev.Kind)
	assert.Equal(t, "worker-2", ev.Hostname)
}

func TestAgent_HandleResponse_ToleratesSequenceWraparound(t *testing.T) {
	a, _, _, _ := newTestAgent(t, []string{"worker-1"})
	var seen bool
	a.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) { seen = true }

	// A late response from just before the u32 wrap still falls inside
	// the tolerance window thanks to modular subtraction.
	a.handleResponse(Pulse{Hostname: "worker-1", Sequence: 0xFFFFFFFF}, 0)
	assert.True(t, seen, "wraparound must not read as a huge sequence gap")
}

func TestAgent_ProcessMisses_ToleratedLateResponseCountsForPeriod(t *testing.T) {
	a, _, _, missed := newTestAgent(t, []string{"worker-1"})

	// A response one sequence behind (inside tolerance 1) arrives during
	// period 10: the host responded this period and must not be counted
	// as a miss.
	a.handleResponse(Pulse{Hostname: "worker-1", Sequence: 9}, 10)
	a.processMisses(10)
	assert.Equal(t, 0, missed["worker-1"])

	// The next period with no response at all is a miss again.
	a.processMisses(11)
	assert.Equal(t, 1, missed["worker-1"])
}

func TestAgent_ProcessMisses_NoExpectedHostsIsNoop(t *testing.T) {
	a, _, _, missed := newTestAgent(t, nil)
	a.ExpectedHosts = nil
	a.processMisses(1)
	assert.Empty(t, missed)
}

func TestAgent_PulseLossOnOneNetworkOnly(t *testing.T) {
	// worker-1 responds on cluster-host but not on management for 16
	// consecutive periods with a miss threshold of 10: exactly one loss
	// event on management, none on cluster-host.
	bus := eventbus.New(8, nil)
	newNet := func(name string) (*AgentNetwork, map[string]int) {
		misses := map[string]int{}
		a := NewAgentNetwork(name, newFakeTransport(), 10*time.Millisecond, 10, 1, clock.Real{}, bus, "controller-0", false)
		a.ExpectedHosts = func() []string { return []string{"worker-1"} }
		a.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) {}
		a.MarkMissed = func(hostname string) bool {
			misses[hostname]++
			return misses[hostname] == 11 // threshold crossed exactly once
		}
		return a, misses
	}

	mgmt, mgmtMisses := newNet("management")
	cluster, clusterMisses := newNet("cluster-host")

	for seq := uint32(1); seq <= 16; seq++ {
		cluster.handleResponse(Pulse{Hostname: "worker-1", Sequence: seq}, seq)
		cluster.processMisses(seq)
		mgmt.processMisses(seq)
	}

	assert.Equal(t, 16, mgmtMisses["worker-1"])
	assert.Equal(t, 0, clusterMisses["worker-1"])

	var losses []eventbus.Event
drain:
	for {
		select {
		case ev := <-bus.Events():
			losses = append(losses, ev)
		default:
			break drain
		}
	}
	require.Len(t, losses, 1)
	assert.Equal(t, eventbus.KindHeartbeatLoss, losses[0].Kind)
	assert.Equal(t, "management", losses[0].Network)
	assert.Equal(t, "worker-1", losses[0].Hostname)
}

func TestAgent_Tick_SendsRequestAndAdvancesSequence(t *testing.T) {
	a, tr, _, _ := newTestAgent(t, nil)
	a.tick()
	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Request)
	assert.Equal(t, uint32(1), sent[0].Sequence)
}
