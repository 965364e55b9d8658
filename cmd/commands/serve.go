package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/internal/config"
	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/engine"
	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/gateway"
	"github.com/dohr-michael/mal/internal/heartbeat"
	"github.com/dohr-michael/mal/internal/secrets"
	"github.com/dohr-michael/mal/internal/supervisor"
)

const (
	shutdownTimeout = 5 * time.Second
	// closeTimeout bounds stopping environments and draining workers on exit.
	closeTimeout = 30 * time.Second
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the MAL daemon (gateway, downloads and environments)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func engineConfig(cfg *config.Config, token string) engine.Config {
	return engine.Config{
		Supervisor: supervisor.Config{
			Root:            cfg.Environments.Root,
			StopGracePeriod: cfg.Supervisor.StopGracePeriod.Duration(),
			Tools: supervisor.Tools{
				Git:    cfg.Supervisor.Tools.Git,
				UV:     cfg.Supervisor.Tools.UV,
				Python: cfg.Supervisor.Tools.Python,
				NoUV:   cfg.Supervisor.Tools.NoUV,
			},
		},
		Downloads: downloads.Config{
			BaseURL:          cfg.Models.HubURL,
			Token:            token,
			ModelsDir:        cfg.Models.Dir,
			ProgressInterval: cfg.Models.ProgressInterval.Duration(),
		},
		StatusSchedule: cfg.Supervisor.StatusSchedule,
		HubBufferSize:  cfg.Events.BufferSize,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}

	if err := os.MkdirAll(config.MALPath(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	keyring := secrets.NewKeyring(secrets.KeyPath(config.MALPath()))
	token, err := keyring.Open(cfg.Models.Token)
	if err != nil {
		return fmt.Errorf("open hub token: %w", err)
	}

	dir, err := environments.Load(cfg.Environments.File)
	if err != nil {
		return err
	}
	slog.Info("environments loaded", "count", len(dir.Names()), "file", cfg.Environments.File)

	eng, err := engine.New(engineConfig(cfg, token), dir)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			slog.Error("engine shutdown", "error", err)
		}
	}()

	server := gateway.NewServer(eng, gateway.Options{
		Host:        cfg.Gateway.Host,
		Port:        cfg.Gateway.Port,
		CORSOrigins: cfg.Gateway.CORSOrigins,
	})

	// Only the hub token is re-read at use time; other settings need a restart.
	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) {
		tok, err := keyring.Open(c.Models.Token)
		if err != nil {
			slog.Error("open reloaded hub token", "error", err)
			return
		}
		eng.SetHubToken(tok)
	})

	beat := heartbeat.NewWriter(config.HeartbeatPath(), listenURL(cfg.Gateway.Host, cfg.Gateway.Port),
		func() (int, int) {
			running := 0
			for _, e := range eng.Statuses() {
				if e.IsRunning {
					running++
				}
			}
			return len(eng.ListActive()), running
		})

	var g run.Group

	// Gateway server.
	{
		g.Add(
			server.Start,
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Warn("gateway shutdown", "error", err)
				}
			},
		)
	}

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				slog.Info("shutting down...")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Config reload on SIGHUP.
	{
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		reloadCtx, cancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				return reloader.Run(reloadCtx, hup)
			},
			func(_ error) {
				signal.Stop(hup)
				cancel()
			},
		)
	}

	// Heartbeat.
	{
		beatCtx, cancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				return beat.Run(beatCtx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}
