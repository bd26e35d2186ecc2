// Command vigil-guestd runs the guest channel engine on one hypervisor
// host: one task per instance, talking to the guest over its
// per-instance UNIX domain channel socket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/buildinfo"
	"vigil/internal/config"
	"vigil/internal/eventbus"
	"vigil/internal/guestchannel"
	"vigil/internal/logging"
	"vigil/internal/orchestrator"
	"vigil/internal/registry"
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
	var daemonPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "vigil-guestd",
		Short:   "Guest Channel Engine daemon",
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
			return run(ctx, daemonPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&daemonPath, "daemon-config", "/etc/vigil/daemon.yaml", "Daemon config path")
	return cmd
}

// localRegistryAdapter is the inventory-side projection this process
// keeps on its own: vigil-guestd runs on one hypervisor, so every
// instance resolves to this process's own hostname. SetConnected
// records nothing.
type localRegistryAdapter struct {
	hostname string
}

func (a *localRegistryAdapter) HostnameForInstance(uuid string) (string, bool) {
	return a.hostname, a.hostname != ""
}

func (a *localRegistryAdapter) SetConnected(uuid string, connected bool) {}

func run(ctx context.Context, daemonPath string) error {
	daemon, err := config.LoadDaemon(daemonPath)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}

	log := logging.Component("vigil-guestd")

	bus := eventbus.New(256, func(e eventbus.Event) {
		log.Warn("event bus: dropped event", "kind", e.Kind)
	})

	engine := guestchannel.NewEngine(daemon, bus, &localRegistryAdapter{hostname: hostname})
	control := guestchannel.NewControlServer(engine)

	// Engine events are reported southbound from this process directly;
	// the registry here is empty, which the adapter tolerates (instance
	// projections live on the controller).
	tokens := &orchestrator.KeystoneTokenSource{
		AuthURL:  daemon.OrchestratorAddr,
		Username: "vigil",
		Project:  "platform",
		Domain:   "default",
	}
	client := orchestrator.NewClient(tokens, daemon.SouthboundRetries)
	adapter := orchestrator.NewAdapter(registry.New(nil, nil), bus, client)

	errc := make(chan error, 3)
	go func() { errc <- engine.Run(ctx) }()
	go func() { errc <- adapter.Run(ctx) }()
	go func() {
		log.Info("control surface listening", "addr", daemon.GuestdControlAddr)
		errc <- runHTTP(ctx, daemon.GuestdControlAddr, control.Router())
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
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
