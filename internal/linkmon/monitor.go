// Package linkmon implements the link monitor: it learns which kernel
// interfaces back which platform network roles, watches their up/down
// state via netlink with a periodic ioctl-backed audit, and answers
// link-status queries over a local HTTP endpoint.
package linkmon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"vigil/internal/check"
	"vigil/internal/clock"
	"vigil/internal/config"
	"vigil/internal/eventbus"
)

// Monitor owns the learned link set and its event loop.
type Monitor struct {
	mu    sync.RWMutex
	links map[string]*Link // keyed by link name
	byRole map[config.Role][]string

	clock   clock.Clock
	bus     *eventbus.Bus
	audit   time.Duration

	// subscribe is netlink.LinkSubscribe by default; overridden in
	// tests since a real netlink socket cannot be opened in CI.
	subscribe func(ch chan<- netlink.LinkUpdate, done <-chan struct{}) error
	// runningQuery reports IFF_RUNNING for one interface; overridden in
	// tests. Production uses net.InterfaceByName.
	runningQuery func(name string) (bool, error)
}

// New learns the role→interface mapping from platform and constructs
// a Monitor ready to Run.
func New(platform config.Platform, audit time.Duration, c clock.Clock, bus *eventbus.Bus) (*Monitor, error) {
	check.Assert(c != nil, "linkmon.New: clock must not be nil")
	check.Assert(bus != nil, "linkmon.New: bus must not be nil")

	m := &Monitor{
		links:        make(map[string]*Link),
		byRole:       make(map[config.Role][]string),
		clock:        c,
		bus:          bus,
		audit:        audit,
		subscribe:    netlink.LinkSubscribe,
		runningQuery: defaultRunningQuery,
	}

	for _, iface := range platform.Interfaces() {
		if err := m.learn(iface.Role, iface.Name); err != nil {
			return nil, fmt.Errorf("learn %s (%s): %w", iface.Name, iface.Role, err)
		}
	}
	return m, nil
}

func defaultRunningQuery(name string) (bool, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return false, err
	}
	return ifi.Flags&net.FlagRunning != 0, nil
}

func (m *Monitor) learn(role config.Role, name string) error {
	kind, err := learnKind(name)
	if err != nil {
		return err
	}

	resolved := name
	if kind == KindVLAN {
		parent, err := vlanParent(name)
		if err != nil {
			return err
		}
		parentKind, err := learnKind(parent)
		if err == nil && parentKind == KindBond {
			kind = KindBond
			resolved = parent
		}
	}

	link := &Link{Name: name, Role: role, Kind: kind}
	if kind == KindBond {
		slaveNames, err := bondSlaves(resolved)
		if err != nil {
			return err
		}
		for i, sn := range slaveNames {
			if sn != "" {
				link.Slaves[i] = &SlaveLink{Name: sn}
			}
		}
	}

	up, _ := m.runningQuery(name)
	link.Up = up
	link.LastChangeUs = clock.NowMicro(m.clock)

	m.mu.Lock()
	m.links[name] = link
	m.byRole[role] = append(m.byRole[role], name)
	m.mu.Unlock()
	return nil
}

// Run drives the netlink subscription and the periodic audit until ctx
// is cancelled, blocking the caller until then. It returns early only
// if the subscription cannot be set up.
func (m *Monitor) Run(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	if err := m.subscribe(updates, done); err != nil {
		return fmt.Errorf("subscribe link events: %w", err)
	}
	defer close(done)

	ticker := time.NewTicker(m.audit)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd := <-updates:
			m.handleUpdate(upd)
		case <-ticker.C:
			m.runAudit()
		}
	}
}

func (m *Monitor) handleUpdate(upd netlink.LinkUpdate) {
	name := upd.Link.Attrs().Name
	up := upd.Link.Attrs().Flags&net.FlagRunning != 0

	m.mu.Lock()
	link, known := m.findLinkOrSlaveLocked(name)
	m.mu.Unlock()
	if !known {
		slog.Warn("linkmon: unknown link in netlink event", "name", name)
		return
	}

	// Cross-check against an ioctl query to guard against missed or
	// reordered events.
	actual, err := m.runningQuery(name)
	if err == nil {
		up = actual
	}
	m.applyTransition(link, name, up)
}

// findLinkOrSlaveLocked returns a *Link for name, whether it is a
// top-level link or a bond slave, and whether it is known at all.
func (m *Monitor) findLinkOrSlaveLocked(name string) (*Link, bool) {
	if l, ok := m.links[name]; ok {
		return l, true
	}
	for _, l := range m.links {
		for _, s := range l.Slaves {
			if s != nil && s.Name == name {
				return l, true
			}
		}
	}
	return nil, false
}

func (m *Monitor) applyTransition(link *Link, name string, up bool) {
	m.mu.Lock()
	now := clock.NowMicro(m.clock)
	changed := false
	if link.Name == name {
		if link.Up != up {
			link.Up = up
			changed = true
		}
		link.LastChangeUs = now
	} else {
		for _, s := range link.Slaves {
			if s != nil && s.Name == name {
				if s.Up != up {
					s.Up = up
					changed = true
				}
				s.LastChangeUs = now
			}
		}
		link.LastChangeUs = now
	}
	roleUp := link.Severity() != SeverityDown
	m.mu.Unlock()

	if changed {
		linkFlapTotal.WithLabelValues(name).Inc()
		m.bus.Publish(eventbus.Event{Kind: eventbus.KindLinkChanged, LinkName: name, LinkUp: roleUp})
	}
}

// runAudit re-queries IFF_RUNNING for every monitored link (top-level
// and slaves) and reconciles drift missed by netlink.
func (m *Monitor) runAudit() {
	m.mu.RLock()
	names := make([]string, 0, len(m.links))
	for n := range m.links {
		names = append(names, n)
	}
	m.mu.RUnlock()

	for _, n := range names {
		actual, err := m.runningQuery(n)
		if err != nil {
			continue
		}
		m.mu.RLock()
		link := m.links[n]
		mismatch := link.Up != actual
		m.mu.RUnlock()
		if mismatch {
			slog.Warn("linkmon: audit found drift", "link", n, "was_up", link.Up, "now_up", actual)
		}
		m.applyTransition(link, n, actual)

		for _, s := range link.Slaves {
			if s == nil {
				continue
			}
			sActual, err := m.runningQuery(s.Name)
			if err != nil {
				continue
			}
			if s.Up != sActual {
				slog.Warn("linkmon: audit found slave drift", "slave", s.Name, "was_up", s.Up, "now_up", sActual)
			}
			m.applyTransition(link, s.Name, sActual)
		}
	}
}

// Snapshot returns links grouped by role, for the query API.
func (m *Monitor) Snapshot() map[config.Role][]Link {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[config.Role][]Link, len(m.byRole))
	for role, names := range m.byRole {
		for _, n := range names {
			out[role] = append(out[role], *m.links[n])
		}
	}
	return out
}
