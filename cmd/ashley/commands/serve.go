package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/ashley/pkg/ashley/assistant"
	"github.com/jholhewres/ashley/pkg/ashley/channels/onebot"
)

// newServeCmd creates the `ashley serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: `Start Ashley as a daemon, connecting the configured messaging
channels and processing group messages.

Examples:
  ashley serve
  ashley serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	cfg, err := assistant.LoadConfigFromFile(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose)

	bot, err := assistant.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OneBot (core channel). Without any adapter the daemon runs idle,
	// which is useful for smoke testing config.
	if cfg.Channels.OneBot.URL != "" {
		ob := onebot.New(cfg.Channels.OneBot, logger)
		if err := bot.ChannelManager().Register(ob); err != nil {
			logger.Error("failed to register OneBot channel", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	err = bot.Start(ctx)
	bot.Stop()
	return err
}

// newLogger builds the process logger from config.
func newLogger(cfg assistant.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
