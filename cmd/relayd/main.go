package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GiGaSoftwareDevelopment/openclaw/internal/config"
	"github.com/GiGaSoftwareDevelopment/openclaw/internal/relay"
)

var (
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Chrome extension <-> CDP relay daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		relay.SetLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve --cdp-url=http://127.0.0.1:9222",
		Short: "Start a relay instance and block until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cdpURL, _ := cmd.Flags().GetString("cdp-url")
			if cdpURL == "" {
				return fmt.Errorf("--cdp-url is required")
			}

			cfg := relay.DefaultConfig()
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}
			cfg.PingInterval = config.EnvOrDuration("RELAYD_PING_INTERVAL", cfg.PingInterval)
			cfg.AttachTimeout = config.EnvOrDuration("RELAYD_ATTACH_TIMEOUT", cfg.AttachTimeout)
			cfg.CallTimeout = config.EnvOrDuration("RELAYD_CALL_TIMEOUT", cfg.CallTimeout)

			inst, err := relay.EnsureRelay(cdpURL, cfg)
			if err != nil {
				return fmt.Errorf("start relay: %w", err)
			}

			fmt.Printf("relay listening on %s:%d\n", inst.Host, inst.Port)
			fmt.Printf("token: %s\n", inst.Token)
			fmt.Println("press Ctrl+C to stop")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logger.Info("received signal, stopping relay", zap.String("signal", sig.String()))
			case <-ctx.Done():
			}

			return relay.StopRelay(cdpURL)
		},
	}

	cmd.Flags().String("cdp-url", config.EnvOr("RELAYD_CDP_URL", ""), "address this relay binds to, e.g. http://127.0.0.1:9222")
	cmd.Flags().StringVar(&host, "host", "", "bind host used only when --cdp-url names no host; a host in --cdp-url takes precedence")
	cmd.Flags().IntVar(&port, "port", 0, "bind port used only when --cdp-url names no port (0 = ephemeral); a port in --cdp-url takes precedence")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token --cdp-url=http://127.0.0.1:9222",
		Short: "Print the Authorization header for a relay running in this process",
		Long: `Only meaningful when called from the same process as a prior
"serve" invocation (e.g. embedded in a larger app that calls ensureRelay
directly) — relayd itself is single-shot, so running "token" as a separate
process will simply report no relay running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cdpURL, _ := cmd.Flags().GetString("cdp-url")
			if cdpURL == "" {
				return fmt.Errorf("--cdp-url is required")
			}

			headers := relay.GetRelayAuthHeaders(cdpURL)
			if headers == nil {
				return fmt.Errorf("no relay running for %s in this process", cdpURL)
			}
			fmt.Println(headers["Authorization"])
			return nil
		},
	}
	cmd.Flags().String("cdp-url", config.EnvOr("RELAYD_CDP_URL", ""), "relay instance to query")
	return cmd
}
