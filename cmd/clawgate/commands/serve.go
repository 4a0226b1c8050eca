package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels/whatsapp"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
)

// newServeCmd creates the `clawgate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway with messaging channels",
		Long: `Start ClawGate as a daemon, connecting the enabled channels and
routing messages through the provider failover chain.

Examples:
  clawgate serve
  clawgate serve --channel webchat --channel telegram
  clawgate serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (webchat, telegram, discord, whatsapp)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)

	config.ResolveAPIKey(cfg, logger)

	// An explicit --channel list overrides the config's enabled flags.
	if filter, _ := cmd.Flags().GetStringSlice("channel"); len(filter) > 0 {
		applyChannelFilter(cfg, filter)
	}

	g, err := gateway.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	if qrCh, qrCancel := g.WhatsAppQR(); qrCh != nil {
		defer qrCancel()
		go func() {
			for ev := range qrCh {
				printQREvent(ev)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := g.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("ClawGate running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"provider", cfg.Provider.Driver,
		"preset", cfg.Failover.Preset)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// buildLogger configures the process logger from config and the
// --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// applyChannelFilter enables exactly the listed channels.
func applyChannelFilter(cfg *config.Config, filter []string) {
	enabled := func(name string) bool {
		for _, f := range filter {
			if f == name {
				return true
			}
		}
		return false
	}
	cfg.Channels.Webchat.Enabled = enabled("webchat")
	cfg.Channels.Telegram.Enabled = enabled("telegram")
	cfg.Channels.Discord.Enabled = enabled("discord")
	cfg.Channels.WhatsApp.Enabled = enabled("whatsapp")
}

// printQREvent surfaces WhatsApp pairing progress on the terminal.
func printQREvent(ev whatsapp.QREvent) {
	switch ev.Type {
	case "code":
		fmt.Println()
		fmt.Println("WhatsApp pairing required. Scan this code in")
		fmt.Println("WhatsApp > Linked Devices > Link a Device:")
		fmt.Println()
		fmt.Println("  " + ev.Code)
		fmt.Println()
	case "success":
		fmt.Println("WhatsApp paired successfully.")
	case "timeout":
		fmt.Println("WhatsApp pairing timed out. Restart to try again.")
	case "error":
		fmt.Printf("WhatsApp pairing failed: %s\n", ev.Message)
	}
}

// resolveConfig loads the config from the --config flag or auto-discovery,
// offering interactive setup when no file exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	fmt.Println()
	fmt.Println("No configuration file found.")
	fmt.Println("Run 'clawgate setup' to create one, or pass --config.")
	return nil, fmt.Errorf("configuration required before starting")
}

