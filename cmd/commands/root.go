package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "mal",
		Usage: "Download models and run local UI environments",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Gateway URL (default: running daemon, then config)",
				Sources: cli.EnvVars("MAL_ADDR"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return ctx, err
			}
			setupLogging(cfg.Log, cmd.Bool("debug"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewTasksCommand(),
			NewEnvsCommand(),
			NewDownloadCommand(),
			NewWatchCommand(),
			NewTokenCommand(),
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	return config.LoadOrDefault(cmd.String("config"))
}
