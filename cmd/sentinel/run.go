package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sentinel/pkg/api"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/recovery"
	"github.com/cuemby/sentinel/pkg/simulator"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the recovery stack against an in-memory session",
	Long: `Run starts the recovery stack against the in-memory simulator session
and serves the admin endpoints (/metrics, /health, /ready, /live and /v1/*).

Manual requests can be submitted with POST /v1/requests. The session starts
bound to a validated Wi-Fi network.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := log.WithComponent("cli")

		sess := simulator.NewSession()
		stack, err := recovery.New(cfg, sess, sess.Platform())
		if err != nil {
			return fmt.Errorf("failed to create recovery stack: %w", err)
		}

		critical := []string{"coordinator"}
		if cfg.Monitor.Enabled {
			critical = append(critical, "monitor")
		}
		if cfg.Engine.Enabled {
			critical = append(critical, "engine")
		}
		if cfg.NetSwitch.Enabled {
			critical = append(critical, "netswitch")
		}
		metrics.Default().SetCriticalComponents(critical...)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sess.Start()
		if err := stack.Start(ctx); err != nil {
			return fmt.Errorf("failed to start recovery stack: %w", err)
		}
		sess.SetNetwork("wlan0", types.NetworkCapabilities{
			Transport:     types.NetworkWiFi,
			HasInternet:   true,
			NotVPN:        true,
			Validated:     true,
			NotMetered:    true,
			InterfaceName: "wlan0",
		})
		stack.HandleNetworkUpdate("wlan0")

		server := api.NewServer(stack, metrics.Default())
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.Metrics.Addr); err != nil {
				errCh <- err
			}
		}()

		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Sentinel is running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case runErr = <-errCh:
			logger.Error().Err(runErr).Msg("Admin server failed, shutting down")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
		if err := stack.Stop(); err != nil {
			return fmt.Errorf("failed to stop recovery stack: %w", err)
		}
		sess.Stop()
		return runErr
	},
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Admin and metrics listen address (overrides config)")
	runCmd.Flags().String("data-dir", "", "Directory for the behaviour store (overrides config)")
}
