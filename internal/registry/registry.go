package registry

import (
	"log/slog"
	"sync"
)

// Result is the outcome of a registry mutation
type Result int

const (
	Ok Result = iota
	Added
	AlreadyPresent
	InvalidName
	NotFound
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Added:
		return "added"
	case AlreadyPresent:
		return "already_present"
	case InvalidName:
		return "invalid_name"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// reservedHostname is the sentinel hostname reserved by the registry
// and refused on Add.
const reservedHostname = "none"

// Inventory is the add/modify input: identity plus the mutable fields
// a "modify" call updates.
type Inventory struct {
	Hostname      string
	UUID          string
	Personality   Personality
	ManagementIP  string
	ClusterHostIP string
	MAC           string
}

// ChannelCloser closes an instance's live channel connection. The
// registry calls this on Remove so that a host's Instances never
// outlive their channels. The Guest Channel
// Engine supplies the real implementation; tests use a no-op fake.
type ChannelCloser interface {
	CloseChannel(instanceUUID string)
}

// TimerCanceller cancels every timer the registry knows it has armed
// on behalf of a host, satisfying invariant 3 ("No timer entry exists
// without a live owner: cancellation precedes destruction").
type TimerCanceller interface {
	CancelHostTimers(hostname string)
}

// Registry is the host registry: two maps over one owned value
// per hostname/uuid, guarded by a single mutex since it
// is accessed only from the owning main loop plus occasional reads
// from HTTP handlers.
type Registry struct {
	mu  sync.RWMutex
	byHostname map[string]*Host
	byUUID     map[string]*Host
	order      []string // hostnames, for stable iteration

	channels ChannelCloser
	timers   TimerCanceller
}

// New creates an empty Registry. channels/timers may be nil in tests
// that only exercise pure bookkeeping.
func New(channels ChannelCloser, timers TimerCanceller) *Registry {
	return &Registry{
		byHostname: make(map[string]*Host),
		byUUID:     make(map[string]*Host),
		channels:   channels,
		timers:     timers,
	}
}

// Add provisions a new host.
func (r *Registry) Add(inv Inventory) Result {
	if inv.Hostname == "" || inv.Hostname == reservedHostname {
		slog.Warn("registry.add: invalid hostname", "hostname", inv.Hostname)
		return InvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHostname[inv.Hostname]; exists {
		return AlreadyPresent
	}

	h := newHost(inv.Hostname, inv.UUID, inv.Personality)
	h.ManagementIP = inv.ManagementIP
	h.ClusterHostIP = inv.ClusterHostIP
	h.MAC = inv.MAC

	r.byHostname[h.Hostname] = h
	if h.UUID != "" {
		r.byUUID[h.UUID] = h
	}
	r.order = append(r.order, h.Hostname)
	return Added
}

// Modify updates IPs, MAC, and personality for an existing host.
func (r *Registry) Modify(inv Inventory) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byHostname[inv.Hostname]
	if !ok {
		slog.Warn("registry.modify: not found", "hostname", inv.Hostname)
		return NotFound
	}
	if inv.Personality != "" {
		h.Personality = inv.Personality
	}
	if inv.ManagementIP != "" {
		h.ManagementIP = inv.ManagementIP
	}
	if inv.ClusterHostIP != "" {
		h.ClusterHostIP = inv.ClusterHostIP
	}
	if inv.MAC != "" {
		h.MAC = inv.MAC
	}
	if inv.UUID != "" && inv.UUID != h.UUID {
		delete(r.byUUID, h.UUID)
		h.UUID = inv.UUID
		r.byUUID[h.UUID] = h
	}
	return Ok
}

// Remove cancels every per-host timer, closes owned instance channels,
// and frees the host. Idempotent at the caller: removing an unknown
// hostname is NotFound, not an error condition that must be handled
// specially.
func (r *Registry) Remove(hostname string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byHostname[hostname]
	if !ok {
		return NotFound
	}

	if r.timers != nil {
		r.timers.CancelHostTimers(hostname)
	}
	h.timerRefs = 0

	if r.channels != nil {
		for uuid := range h.Instances {
			r.channels.CloseChannel(uuid)
		}
	}

	delete(r.byHostname, hostname)
	if h.UUID != "" {
		delete(r.byUUID, h.UUID)
	}
	for i, name := range r.order {
		if name == hostname {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return Ok
}

// Get looks up a host by hostname or uuid. Returns (nil, false) on a
// miss; never panics.
func (r *Registry) Get(hostnameOrUUID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.byHostname[hostnameOrUUID]; ok {
		return h, true
	}
	if h, ok := r.byUUID[hostnameOrUUID]; ok {
		return h, true
	}
	return nil, false
}

// ForEach iterates hosts in stable (insertion) order. The callback may
// remove the current host from the registry; ForEach snapshots the
// hostname list up front so that is safe (the safe-erase pattern).
func (r *Registry) ForEach(fn func(*Host)) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()

	for _, name := range names {
		r.mu.RLock()
		h, ok := r.byHostname[name]
		r.mu.RUnlock()
		if !ok {
			continue // removed by a previous callback invocation
		}
		fn(h)
	}
}

// Clear resets one network's heartbeat failure state for a host. This
// is the only path back to responsive once a host has been declared
// lost.
func (r *Registry) Clear(hostnameOrUUID, network string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byHostname[hostnameOrUUID]
	if !ok {
		h, ok = r.byUUID[hostnameOrUUID]
	}
	if !ok {
		slog.Warn("registry.clear: not found", "host", hostnameOrUUID)
		return NotFound
	}
	h.Clear(network)
	return Ok
}

// AddInstance attaches an Instance to its owning host.
func (r *Registry) AddInstance(hostname, uuid, name, channelPath string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byHostname[hostname]
	if !ok {
		return NotFound
	}
	if _, exists := h.Instances[uuid]; exists {
		return AlreadyPresent
	}
	h.Instances[uuid] = newInstance(uuid, name, hostname, channelPath)
	return Added
}

// RemoveInstance detaches and closes the channel for one instance.
func (r *Registry) RemoveInstance(hostname, uuid string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byHostname[hostname]
	if !ok {
		return NotFound
	}
	if _, exists := h.Instances[uuid]; !exists {
		return NotFound
	}
	if r.channels != nil {
		r.channels.CloseChannel(uuid)
	}
	delete(h.Instances, uuid)
	return Ok
}

// GetInstance finds an instance by uuid across all hosts.
func (r *Registry) GetInstance(uuid string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.byHostname {
		if inst, ok := h.Instances[uuid]; ok {
			return inst, true
		}
	}
	return nil, false
}

// AcquireTimer and ReleaseTimer count outstanding timers per host.
// Remove resets the count; it does not check that it was zero.
func (r *Registry) AcquireTimer(hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byHostname[hostname]; ok {
		h.timerRefs++
	}
}

func (r *Registry) ReleaseTimer(hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byHostname[hostname]; ok && h.timerRefs > 0 {
		h.timerRefs--
	}
}
