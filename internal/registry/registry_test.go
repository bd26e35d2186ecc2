package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/registry"
)

type fakeChannels struct{ closed []string }

func (f *fakeChannels) CloseChannel(uuid string) { f.closed = append(f.closed, uuid) }

type fakeTimers struct{ cancelled []string }

func (f *fakeTimers) CancelHostTimers(hostname string) { f.cancelled = append(f.cancelled, hostname) }

func TestAdd_RejectsReservedAndEmptyHostname(t *testing.T) {
	r := registry.New(nil, nil)

	assert.Equal(t, registry.InvalidName, r.Add(registry.Inventory{Hostname: ""}))
	assert.Equal(t, registry.InvalidName, r.Add(registry.Inventory{Hostname: "none"}))
}

func TestAdd_DuplicateRequiresRemoveFirst(t *testing.T) {
	r := registry.New(nil, nil)

	require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: "worker-1", UUID: "u1"}))
	assert.Equal(t, registry.AlreadyPresent, r.Add(registry.Inventory{Hostname: "worker-1", UUID: "u1"}))
}

func TestGet_ByHostnameOrUUIDReturnSameObject(t *testing.T) {
	r := registry.New(nil, nil)
	require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: "worker-1", UUID: "u1"}))

	byName, ok := r.Get("worker-1")
	require.True(t, ok)
	byUUID, ok := r.Get("u1")
	require.True(t, ok)
	assert.Same(t, byName, byUUID)
}

func TestGet_UnknownReturnsFalseNotPanic(t *testing.T) {
	r := registry.New(nil, nil)
	h, ok := r.Get("ghost")
	assert.False(t, ok)
	assert.Nil(t, h)
}

func TestRemove_CancelsTimersAndClosesInstanceChannels(t *testing.T) {
	channels := &fakeChannels{}
	timers := &fakeTimers{}
	r := registry.New(channels, timers)

	require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: "worker-1", UUID: "u1"}))
	require.Equal(t, registry.Added, r.AddInstance("worker-1", "inst-1", "vm1", "/chan/inst-1.sock"))

	assert.Equal(t, registry.Ok, r.Remove("worker-1"))
	assert.Contains(t, timers.cancelled, "worker-1")
	assert.Contains(t, channels.closed, "inst-1")

	_, ok := r.Get("worker-1")
	assert.False(t, ok)
	_, ok = r.Get("u1")
	assert.False(t, ok)
}

func TestRemove_UnknownHostnameIsIdempotentNotFound(t *testing.T) {
	r := registry.New(nil, nil)
	assert.Equal(t, registry.NotFound, r.Remove("ghost"))
	assert.Equal(t, registry.NotFound, r.Remove("ghost"))
}

// AddThenRemoveThenAdd must behave like a single Add.
func TestAddRemoveAdd_MatchesSingleAdd(t *testing.T) {
	r := registry.New(nil, nil)

	require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: "worker-1", UUID: "u1", ManagementIP: "10.0.0.5"}))
	require.Equal(t, registry.Ok, r.Remove("worker-1"))
	require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: "worker-1", UUID: "u1", ManagementIP: "10.0.0.5"}))

	h, ok := r.Get("worker-1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", h.ManagementIP)
	assert.Empty(t, h.Instances)
}

func TestForEach_StableOrderToleratesRemovalDuringIteration(t *testing.T) {
	r := registry.New(nil, nil)
	for _, name := range []string{"a", "b", "c"} {
		require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: name, UUID: name + "-uuid"}))
	}

	var seen []string
	r.ForEach(func(h *registry.Host) {
		seen = append(seen, h.Hostname)
		if h.Hostname == "a" {
			r.Remove("b") // removing a not-yet-visited host must not panic or skip c
		}
	})

	assert.Equal(t, []string{"a", "c"}, seen)
}

func TestHost_MarkMissed_ReportsJustFailedOnlyOnce(t *testing.T) {
	h := &registry.Host{Liveness: map[string]*registry.NetworkLiveness{}}

	var transitions int
	for i := 0; i < 16; i++ {
		if h.MarkMissed("management", 10) {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions, "must declare loss exactly once across repeated misses")
	assert.True(t, h.FailedOn("management"))
	assert.False(t, h.FailedOn("cluster-host"))
}

func TestHost_MarkSeen_ResetsOnlyThatNetwork(t *testing.T) {
	h := &registry.Host{Liveness: map[string]*registry.NetworkLiveness{}}
	h.MarkMissed("management", 0) // miss_count=1 > 0 -> failed
	require.True(t, h.FailedOn("management"))

	h.MarkSeen("cluster-host", 5, time.Now(), true, false)
	assert.True(t, h.FailedOn("management"), "unrelated network must stay failed")
	assert.False(t, h.FailedOn("cluster-host"))
}

func TestHost_Clear_OnlyExplicitClearUnfails(t *testing.T) {
	h := &registry.Host{Liveness: map[string]*registry.NetworkLiveness{}}
	h.MarkMissed("management", 0)
	require.True(t, h.FailedOn("management"))

	// Further missed pulses never self-reset.
	h.MarkMissed("management", 0)
	assert.True(t, h.FailedOn("management"))

	h.Clear("management")
	assert.False(t, h.FailedOn("management"))
}

func TestRegistry_Clear_ResolvesByHostnameOrUUID(t *testing.T) {
	r := registry.New(nil, nil)
	require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: "worker-1", UUID: "u1"}))

	h, _ := r.Get("worker-1")
	h.MarkMissed("management", 0)
	require.True(t, h.FailedOn("management"))

	assert.Equal(t, registry.Ok, r.Clear("u1", "management"))
	assert.False(t, h.FailedOn("management"))

	assert.Equal(t, registry.NotFound, r.Clear("ghost", "management"))
}

func TestInstanceLifecycle_OwnedByExactlyOneHost(t *testing.T) {
	r := registry.New(nil, nil)
	require.Equal(t, registry.Added, r.Add(registry.Inventory{Hostname: "worker-1"}))

	assert.Equal(t, registry.NotFound, r.AddInstance("ghost-host", "inst-1", "vm1", "/p"))
	assert.Equal(t, registry.Added, r.AddInstance("worker-1", "inst-1", "vm1", "/p"))
	assert.Equal(t, registry.AlreadyPresent, r.AddInstance("worker-1", "inst-1", "vm1", "/p"))

	inst, ok := r.GetInstance("inst-1")
	require.True(t, ok)
	assert.Equal(t, "worker-1", inst.Hostname)
}
