// Command vigil-hbeatclient runs the heartbeat engine's Client role on
// one node: it answers pulse requests on each configured network and
// emits the Ready Event.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"vigil/internal/buildinfo"
	"vigil/internal/clock"
	"vigil/internal/config"
	"vigil/internal/eventbus"
	"vigil/internal/heartbeat"
	"vigil/internal/linkmon"
	"vigil/internal/logging"
)

func main() {
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
		Use:     "vigil-hbeatclient",
		Short:   "Heartbeat Engine client daemon",
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

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}

	log := logging.Component("vigil-hbeatclient")

	bus := eventbus.New(64, nil)
	mon, err := linkmon.New(platform, daemon.LinkAuditInterval, clock.Real{}, bus)
	if err != nil {
		log.Warn("link monitor unavailable, running without link-state suppression", "err", err)
		mon = nil
	}

	clientsByIface := make(map[string]*heartbeat.Client)

	var wg sync.WaitGroup
	for _, role := range platform.Interfaces() {
		iface, err := net.InterfaceByName(role.Name)
		if err != nil {
			slog.Warn("skipping network: interface not found", "role", role.Role, "interface", role.Name, "err", err)
			continue
		}
		group := net.ParseIP(daemon.MulticastGroup)
		transport, err := heartbeat.NewUDPTransport(iface, group, daemon.PulsePort)
		if err != nil {
			slog.Warn("skipping network: pulse transport unavailable", "role", role.Role, "err", err)
			continue
		}

		client := &heartbeat.Client{
			Network:       string(role.Role),
			Hostname:      hostname,
			Transport:     transport,
			Ready:         transport,
			Clock:         clock.Real{},
			SelectTimeout: daemon.SelectTimeout,
			Flags:         func() uint32 { return heartbeat.FlagPmondAlive },
		}

		clientsByIface[role.Name] = client

		wg.Add(1)
		go func(c *heartbeat.Client) {
			defer wg.Done()
			if err := c.Run(ctx, daemon.ReadyEventInterval); err != nil {
				slog.Info("heartbeat client network stopped", "network", c.Network, "err", err)
			}
		}(client)
	}

	if mon != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := mon.Run(ctx); err != nil {
				slog.Info("link monitor stopped", "err", err)
			}
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-bus.Events():
					if ev.Kind != eventbus.KindLinkChanged {
						continue
					}
					if c, ok := clientsByIface[ev.LinkName]; ok {
						c.SetLinkUp(ev.LinkUp)
					}
				}
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}
