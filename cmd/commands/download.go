package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/environments"
)

// NewDownloadCommand returns the download subcommand.
func NewDownloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download a model file from the hub",
		ArgsUsage: "<repo_id> <filename>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   fmt.Sprintf("Model type %v", environments.ModelTypes),
				Value:   string(environments.ModelCheckpoints),
			},
			&cli.StringFlag{
				Name:  "profile",
				Usage: "UI folder layout (ComfyUI, A1111, ForgeUI)",
			},
			&cli.StringFlag{
				Name:  "revision",
				Usage: "Repository revision",
			},
			&cli.StringFlag{
				Name:  "custom-path",
				Usage: "Destination folder under the models directory (type custom)",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Follow progress until the download finishes",
			},
		},
		Action: runDownload,
	}
}

func runDownload(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: mal download <repo_id> <filename>")
	}
	req := downloads.Request{
		RepoID:     cmd.Args().Get(0),
		Filename:   cmd.Args().Get(1),
		Revision:   cmd.String("revision"),
		ModelType:  environments.ModelType(cmd.String("type")),
		Profile:    cmd.String("profile"),
		CustomPath: cmd.String("custom-path"),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	id, err := c.StartDownload(ctx, req)
	if err != nil {
		return fmt.Errorf("start download: %w", err)
	}
	fmt.Printf("Download %s started (%s).\n", id, req.Subject())

	if cmd.Bool("wait") {
		return follow(ctx, c.BaseURL(), id)
	}
	return nil
}
