// Package config holds the two configuration documents the core reads
// at startup: platform config (role → interface mapping) and daemon
// config (ports, multicast group, intervals, thresholds, retry counts).
// Both are loaded once, validated, and passed explicitly into each
// component at construction; there is no package-level global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role is a platform network role "Link".
type Role string

const (
	RoleManagement  Role = "management"
	RoleClusterHost Role = "cluster-host"
	RoleOAM         Role = "oam"
	RoleData        Role = "data"
)

// Platform is the role-to-interface mapping parsed from the platform
// configuration file.
type Platform struct {
	ManagementInterface  string `yaml:"management_interface"`
	ClusterHostInterface string `yaml:"cluster_host_interface,omitempty"`
	OAMInterface         string `yaml:"oam_interface,omitempty"`
	DataNetworkInterface string `yaml:"data_network_interface,omitempty"`
}

// Interfaces returns the non-empty role → interface pairs, in the
// fixed iteration order management, cluster-host, oam, data.
func (p Platform) Interfaces() []struct {
	Role Role
	Name string
} {
	out := make([]struct {
		Role Role
		Name string
	}, 0, 4)
	add := func(r Role, name string) {
		if name != "" {
			out = append(out, struct {
				Role Role
				Name string
			}{r, name})
		}
	}
	add(RoleManagement, p.ManagementInterface)
	add(RoleClusterHost, p.ClusterHostInterface)
	add(RoleOAM, p.OAMInterface)
	add(RoleData, p.DataNetworkInterface)
	return out
}

// LoadPlatform reads and validates the platform configuration file.
func LoadPlatform(path string) (Platform, error) {
	var p Platform
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read platform config: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse platform config: %w", err)
	}
	if p.ManagementInterface == "" {
		return p, fmt.Errorf("platform config: management_interface is required")
	}
	return p, nil
}

// Daemon is the closed set of recognized daemon options, enumerated in
// one place and validated at startup.
type Daemon struct {
	// Heartbeat engine
	PulsePort          int           `yaml:"pulse_port"`
	MulticastGroup     string        `yaml:"multicast_group"`
	PulseInterval      time.Duration `yaml:"pulse_interval"`
	MissThreshold      int           `yaml:"miss_threshold"`
	SequenceTolerance  uint32        `yaml:"sequence_tolerance"`
	AcceptSelfPulse    bool          `yaml:"accept_self_pulse"`
	ReadyEventInterval time.Duration `yaml:"ready_event_interval"`
	SelectTimeout      time.Duration `yaml:"select_timeout"`

	// Link monitor
	LinkAuditInterval time.Duration `yaml:"link_audit_interval"`
	LinkHTTPAddr      string        `yaml:"link_http_addr"`

	// Guest channel engine
	ChannelDir            string        `yaml:"channel_dir"`
	ConnectBackoffMin      time.Duration `yaml:"connect_backoff_min"`
	ConnectBackoffMax      time.Duration `yaml:"connect_backoff_max"`
	ChannelAuditInterval   time.Duration `yaml:"channel_audit_interval"`
	ParseFailureThreshold  int           `yaml:"parse_failure_threshold"`
	HBSFailureThreshold    int           `yaml:"hbs_failure_threshold"`
	MismatchBound          int           `yaml:"mismatch_bound"`
	PostEventGracePeriod   time.Duration `yaml:"post_event_grace_period"`
	InitChallengeTimeout   time.Duration `yaml:"init_challenge_timeout"`
	HeartbeatIntervalMS    int           `yaml:"heartbeat_interval_ms"`

	// Voting durations, carried per-instance from init-time values
	// and converted to notify timeout_ms
	VoteSecs            int `yaml:"vote_secs"`
	ShutdownNoticeSecs  int `yaml:"shutdown_notice_secs"`
	SuspendNoticeSecs   int `yaml:"suspend_notice_secs"`
	ResumeNoticeSecs    int `yaml:"resume_notice_secs"`

	// Guest channel control surface: where vigil-guestd listens for
	// forwarded vote/notify intents, and the port vigild dials on each
	// hypervisor host to reach it.
	GuestdControlAddr string `yaml:"guestd_control_addr"`
	GuestdPort        int    `yaml:"guestd_port"`

	// Orchestrator adapter
	OrchestratorAddr string        `yaml:"orchestrator_addr"`
	NorthboundAddr   string        `yaml:"northbound_addr"`
	UserAgent        string        `yaml:"user_agent"`
	SouthboundRetries int          `yaml:"southbound_retries"`
	TestMode         bool          `yaml:"test_mode"`
}

// Default returns the shipped defaults, overridable by whatever a
// loaded Daemon document sets explicitly.
func Default() Daemon {
	return Daemon{
		PulsePort:            2222,
		MulticastGroup:       "239.1.1.1",
		PulseInterval:        100 * time.Millisecond,
		MissThreshold:        10,
		SequenceTolerance:    2,
		ReadyEventInterval:   5 * time.Second,
		SelectTimeout:        50 * time.Millisecond,
		LinkAuditInterval:    60 * time.Second,
		LinkHTTPAddr:         "127.0.0.1:2161",
		ChannelDir:           "/var/lib/libvirt/qemu/channel",
		ConnectBackoffMin:    1 * time.Second,
		ConnectBackoffMax:    60 * time.Second,
		ChannelAuditInterval: 30 * time.Second,
		ParseFailureThreshold: 5,
		HBSFailureThreshold:  3,
		MismatchBound:        3,
		PostEventGracePeriod: 10 * time.Second,
		InitChallengeTimeout: 5 * time.Second,
		HeartbeatIntervalMS:  1000,
		VoteSecs:             10,
		ShutdownNoticeSecs:   30,
		SuspendNoticeSecs:    15,
		ResumeNoticeSecs:     15,
		GuestdControlAddr:    "127.0.0.1:2113",
		GuestdPort:           2113,
		NorthboundAddr:       "127.0.0.1:2112",
		UserAgent:            "vigil/1.0",
		SouthboundRetries:    3,
	}
}

// LoadDaemon reads the daemon configuration file, starting from
// Default() so unset fields keep their documented defaults, then
// validates the closed option set.
func LoadDaemon(path string) (Daemon, error) {
	d := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("read daemon config: %w", err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse daemon config: %w", err)
	}
	return d, d.Validate()
}

// Validate enforces the invariants the rest of the system assumes hold.
func (d Daemon) Validate() error {
	if d.MissThreshold <= 0 {
		return fmt.Errorf("miss_threshold must be positive, got %d", d.MissThreshold)
	}
	if d.PulseInterval <= 0 {
		return fmt.Errorf("pulse_interval must be positive")
	}
	if d.ConnectBackoffMin <= 0 || d.ConnectBackoffMax < d.ConnectBackoffMin {
		return fmt.Errorf("connect_backoff_min/max misconfigured: min=%s max=%s", d.ConnectBackoffMin, d.ConnectBackoffMax)
	}
	if d.SouthboundRetries < 0 {
		return fmt.Errorf("southbound_retries must be >= 0")
	}
	if d.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
