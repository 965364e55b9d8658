package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/internal/gateway"
)

// NewEnvsCommand returns the envs subcommand.
func NewEnvsCommand() *cli.Command {
	pathFlag := &cli.StringFlag{
		Name:  "path",
		Usage: "Install directory (default: last used, then the environments root)",
	}
	waitFlag := &cli.BoolFlag{
		Name:  "wait",
		Usage: "Follow progress until the task finishes",
	}

	return &cli.Command{
		Name:    "envs",
		Aliases: []string{"env"},
		Usage:   "Install, run and stop UI environments",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List available environments",
				Action: runEnvsList,
			},
			{
				Name:   "status",
				Usage:  "Show install and run status",
				Action: runEnvsStatus,
			},
			{
				Name:      "install",
				Usage:     "Install an environment",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					pathFlag,
					waitFlag,
					&cli.BoolFlag{
						Name:  "activate",
						Usage: "Ask clients to make it the active environment once installed",
					},
				},
				Action: runEnvsInstall,
			},
			{
				Name:      "run",
				Usage:     "Start an installed environment",
				ArgsUsage: "<name>",
				Flags:     []cli.Flag{pathFlag},
				Action:    runEnvsRun,
			},
			{
				Name:      "stop",
				Usage:     "Stop a running environment",
				ArgsUsage: "<name|task_id>",
				Action:    runEnvsStop,
			},
			{
				Name:      "rm",
				Usage:     "Delete an installed environment",
				ArgsUsage: "<name>",
				Flags:     []cli.Flag{pathFlag},
				Action:    runEnvsRemove,
			},
		},
		DefaultCommand: "status",
	}
}

func runEnvsList(ctx context.Context, cmd *cli.Command) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	list, err := c.Environments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPYTHON\tPROFILE\tREPOSITORY")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Python, e.Profile, e.Repository)
	}
	return w.Flush()
}

func runEnvsStatus(ctx context.Context, cmd *cli.Command) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	list, err := c.Statuses(ctx)
	if err != nil {
		return fmt.Errorf("environment status: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tINSTALLED\tRUNNING\tTASK\tPATH")
	for _, e := range list {
		task := e.RunningTaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\n", e.Name, e.IsInstalled, e.IsRunning, task, e.InstallPath)
	}
	return w.Flush()
}

func runEnvsInstall(ctx context.Context, cmd *cli.Command) error {
	name, err := requireArg(cmd, "envs install <name>")
	if err != nil {
		return err
	}
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Install(ctx, gateway.InstallRequest{
		Name:                    name,
		Path:                    cmd.String("path"),
		SetAsActiveOnCompletion: cmd.Bool("activate"),
	})
	if err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}
	fmt.Printf("Install of %s started (task %s).\n", name, res.TaskID)

	if cmd.Bool("wait") {
		return follow(ctx, c.BaseURL(), res.TaskID)
	}
	return nil
}

func runEnvsRun(ctx context.Context, cmd *cli.Command) error {
	name, err := requireArg(cmd, "envs run <name>")
	if err != nil {
		return err
	}
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	id, err := c.Run(ctx, name, cmd.String("path"))
	if err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	fmt.Printf("%s started (task %s).\n", name, id)
	return nil
}

func runEnvsStop(ctx context.Context, cmd *cli.Command) error {
	target, err := requireArg(cmd, "envs stop <name|task_id>")
	if err != nil {
		return err
	}
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}

	// Accept an environment name for convenience.
	taskID := target
	if statuses, err := c.Statuses(ctx); err == nil {
		for _, e := range statuses {
			if e.Name == target && e.RunningTaskID != "" {
				taskID = e.RunningTaskID
				break
			}
		}
	}

	if err := c.Stop(ctx, taskID); err != nil {
		return fmt.Errorf("stop %s: %w", target, err)
	}
	fmt.Printf("%s stopped.\n", target)
	return nil
}

func runEnvsRemove(ctx context.Context, cmd *cli.Command) error {
	name, err := requireArg(cmd, "envs rm <name>")
	if err != nil {
		return err
	}
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	if err := c.DeleteEnvironment(ctx, name, cmd.String("path")); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	fmt.Printf("%s deleted.\n", name)
	return nil
}
