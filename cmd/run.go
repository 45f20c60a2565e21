package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davisyoshida/asyncbots/pkg/bot"
	"github.com/davisyoshida/asyncbots/pkg/bots"
	"github.com/davisyoshida/asyncbots/pkg/config"
	"github.com/davisyoshida/asyncbots/pkg/history"
	"github.com/davisyoshida/asyncbots/pkg/logger"
	"github.com/davisyoshida/asyncbots/pkg/service"
	"github.com/davisyoshida/asyncbots/pkg/transport"
	slacktransport "github.com/davisyoshida/asyncbots/pkg/transport/slack"
	telegramtransport "github.com/davisyoshida/asyncbots/pkg/transport/telegram"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bundled bots on the configured chat connection",
	Long:  "Loads configuration, registers the bundled example bots, and supervises the chat connection until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.run")

		recorder, err := buildRecorder(cfg, appLogger)
		if err != nil {
			log.Error("Failed to open history store", "error", err)
			return
		}

		registry := bot.NewRegistry()
		if err := registerBundledBots(registry, recorder); err != nil {
			// Registration failures are bot-definition bugs; refuse
			// to start rather than run with a partial registry.
			log.Error("Bot registration failed", "error", err)
			return
		}

		adapter, err := configuredAdapter(cfg, appLogger)
		if err != nil {
			log.Error("Transport configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(cfg, registry, adapter.connector, adapter.sender, recorder, appLogger)
		if err != nil {
			log.Error("Failed to initialize service", "error", err)
			return
		}

		log.Info("Service started", "connector", adapter.connector.Name(), "registrations", registry.Len(), "history", cfg.History.Enabled)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Service runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// adapterPair bundles the two sides one transport adapter implements.
type adapterPair struct {
	connector transport.Connector
	sender    transport.Transport
}

// configuredAdapter picks the enabled chat connection. Exactly one connector
// may own the process's connection.
func configuredAdapter(cfg *config.Config, log *slog.Logger) (adapterPair, error) {
	if cfg.Slack.Enabled && cfg.Telegram.Enabled {
		return adapterPair{}, errors.New("enable only one of slack and telegram")
	}

	if cfg.Slack.Enabled {
		adapter, err := slacktransport.NewAdapter(cfg.Slack, log)
		if err != nil {
			return adapterPair{}, fmt.Errorf("configure slack transport: %w", err)
		}
		return adapterPair{connector: adapter, sender: adapter}, nil
	}

	if cfg.Telegram.Enabled {
		adapter, err := telegramtransport.NewAdapter(cfg.Telegram, log)
		if err != nil {
			return adapterPair{}, fmt.Errorf("configure telegram transport: %w", err)
		}
		return adapterPair{connector: adapter, sender: adapter}, nil
	}

	return adapterPair{}, errors.New("no transport is enabled")
}

func buildRecorder(cfg *config.Config, log *slog.Logger) (history.Recorder, error) {
	if !cfg.History.Enabled {
		return history.NopRecorder{}, nil
	}

	path := cfg.History.Path
	if path == "" {
		path = "data/history.db"
	}
	return history.NewSQLiteRecorder(path, log)
}

func registerBundledBots(registry *bot.Registry, recorder history.Recorder) error {
	builders := []func() ([]bot.Registration, error){
		bots.Greeter,
		bots.Ping,
		func() ([]bot.Registration, error) { return bots.Seen(recorder) },
	}

	for _, build := range builders {
		regs, err := build()
		if err != nil {
			return err
		}
		if err := registry.RegisterAll(regs); err != nil {
			return err
		}
	}
	return nil
}
