// Command vigild is the controller daemon: host registry, link
// monitor, the heartbeat engine's Agent role, and the orchestrator
// adapter. It runs on the controller node; guest channel supervision
// runs separately, on each hypervisor host, as vigil-guestd.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"vigil/internal/buildinfo"
	"vigil/internal/clock"
	"vigil/internal/config"
	"vigil/internal/eventbus"
	"vigil/internal/heartbeat"
	"vigil/internal/linkmon"
	"vigil/internal/logging"
	"vigil/internal/orchestrator"
	"vigil/internal/registry"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var platformPath, daemonPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "vigild",
		Short:   "Node maintenance controller daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, platformPath, daemonPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&platformPath, "platform-config", "/etc/vigil/platform.yaml", "Platform (role-to-interface) config path")
	cmd.Flags().StringVar(&daemonPath, "daemon-config", "/etc/vigil/daemon.yaml", "Daemon config path")
	return cmd
}

func run(ctx context.Context, platformPath, daemonPath string) error {
	platform, err := config.LoadPlatform(platformPath)
	if err != nil {
		return err
	}
	daemon, err := config.LoadDaemon(daemonPath)
	if err != nil {
		return err
	}

	log := logging.Component("vigild")

	bus := eventbus.New(256, func(e eventbus.Event) {
		log.Warn("event bus: dropped event", "kind", e.Kind, "hostname", e.Hostname)
	})

	mon, err := linkmon.New(platform, daemon.LinkAuditInterval, clock.Real{}, bus)
	if err != nil {
		return err
	}

	reg := registry.New(nil, nil)

	agents := newAgentNetworks(platform, daemon, reg, bus)

	tokens := &orchestrator.KeystoneTokenSource{
		AuthURL:  daemon.OrchestratorAddr,
		Username: "vigil",
		Project:  "platform",
		Domain:   "default",
	}
	client := orchestrator.NewClient(tokens, daemon.SouthboundRetries)
	adapter := orchestrator.NewAdapter(reg, bus, client)
	forwarder := orchestrator.NewGuestdForwarder(reg, daemon.GuestdPort)
	server := orchestrator.NewServer(daemon, reg, forwarder)

	errc := make(chan error, 8)
	go func() { errc <- mon.Run(ctx) }()
	go func() { errc <- adapter.Run(ctx) }()
	for _, agent := range agents {
		go func(a *heartbeat.AgentNetwork) { errc <- a.Run(ctx) }(agent)
	}
	go func() {
		log.Info("orchestrator server listening", "addr", daemon.NorthboundAddr)
		errc <- runHTTP(ctx, daemon.NorthboundAddr, server.Router())
	}()
	go func() {
		log.Info("link status endpoint listening", "addr", daemon.LinkHTTPAddr)
		errc <- runHTTP(ctx, daemon.LinkHTTPAddr, linkmon.LocalOnly(mon.Router()))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// newAgentNetworks builds a pulse Agent per heartbeat-bearing network
// (management, plus cluster-host when provisioned) and wires its
// callbacks into the Host Registry, keeping the heartbeat engine
// itself free of a registry import (internal/heartbeat's
// Transport-decoupling pattern). A network whose transport cannot be
// opened is skipped with a warning rather than failing the daemon.
func newAgentNetworks(platform config.Platform, daemon config.Daemon, reg *registry.Registry, bus *eventbus.Bus) []*heartbeat.AgentNetwork {
	candidates := []struct {
		network string
		ifname  string
	}{
		{"management", platform.ManagementInterface},
		{"cluster-host", platform.ClusterHostInterface},
	}

	hostname, _ := os.Hostname()
	var agents []*heartbeat.AgentNetwork
	for _, cand := range candidates {
		if cand.ifname == "" {
			continue
		}
		iface, err := net.InterfaceByName(cand.ifname)
		if err != nil {
			slog.Warn("heartbeat agent: interface not found, skipping network", "network", cand.network, "interface", cand.ifname, "err", err)
			continue
		}
		group := net.ParseIP(daemon.MulticastGroup)
		transport, err := heartbeat.NewUDPTransport(iface, group, daemon.PulsePort)
		if err != nil {
			slog.Warn("heartbeat agent: pulse transport unavailable, skipping network", "network", cand.network, "err", err)
			continue
		}

		network := cand.network
		agent := heartbeat.NewAgentNetwork(network, transport, daemon.PulseInterval, daemon.MissThreshold, daemon.SequenceTolerance, clock.Real{}, bus, hostname, daemon.AcceptSelfPulse)

		agent.ExpectedHosts = func() []string {
			var names []string
			reg.ForEach(func(h *registry.Host) { names = append(names, h.Hostname) })
			return names
		}
		agent.MarkSeen = func(hostname string, seq uint32, now time.Time, flags uint32) {
			h, ok := reg.Get(hostname)
			if !ok {
				return
			}
			h.MarkSeen(network, seq, now, flags&heartbeat.FlagPmondAlive != 0, flags&heartbeat.FlagClusterHostProvisioned != 0)
		}
		agent.MarkMissed = func(hostname string) bool {
			h, ok := reg.Get(hostname)
			if !ok {
				return false
			}
			return h.MarkMissed(network, daemon.MissThreshold)
		}
		agents = append(agents, agent)
	}
	return agents
}

func runHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
