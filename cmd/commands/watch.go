package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/clients/tui"
	wsclient "github.com/dohr-michael/mal/clients/ws"
	"github.com/dohr-michael/mal/internal/tasks"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Watch tasks and environments live",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "plain",
				Usage: "Print events line by line instead of the dashboard",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			base, err := gatewayURL(cmd)
			if err != nil {
				return err
			}
			if cmd.Bool("plain") {
				return watchPlain(ctx, base)
			}
			return tui.Run(ctx, base)
		},
	}
}

func taskLine(t tasks.Task) string {
	line := fmt.Sprintf("%s  %-8s %-20s %-10s %s", time.Now().Format("15:04:05"), t.ID[:min(8, len(t.ID))], t.Kind, t.Status, t.Subject)
	if p := progressText(t); p != "-" {
		line += "  " + p
	}
	if t.Error != "" {
		line += "  error: " + t.Error
	}
	return line
}

func watchPlain(ctx context.Context, base string) error {
	client, err := wsclient.Dial(ctx, base)
	if err != nil {
		return err
	}
	defer client.Close()

	for {
		f, err := client.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		switch msg := tui.Project(f).(type) {
		case tui.SnapshotMsg:
			fmt.Printf("connected, %d active task(s)\n", len(msg.Tasks))
			for _, t := range msg.Tasks {
				fmt.Println(taskLine(t))
			}
		case tui.TaskMsg:
			fmt.Println(taskLine(msg.Task))
		case tui.TaskDismissedMsg:
			fmt.Printf("%s  %s dismissed\n", time.Now().Format("15:04:05"), msg.ID)
		}
	}
}

// follow prints the progress of task id until it reaches a terminal status,
// and returns an error if it did not complete.
func follow(ctx context.Context, base, id string) error {
	client, err := wsclient.Dial(ctx, base)
	if err != nil {
		return err
	}
	defer client.Close()

	check := func(t tasks.Task) (bool, error) {
		if t.ID != id {
			return false, nil
		}
		fmt.Println(taskLine(t))
		switch t.Status {
		case tasks.StatusCompleted:
			return true, nil
		case tasks.StatusFailed:
			return true, fmt.Errorf("task %s failed: %s", id, t.Error)
		case tasks.StatusCancelled:
			return true, fmt.Errorf("task %s cancelled", id)
		}
		return false, nil
	}

	for {
		f, err := client.ReadFrame()
		if err != nil {
			return fmt.Errorf("event stream: %w", err)
		}
		switch msg := tui.Project(f).(type) {
		case tui.SnapshotMsg:
			for _, t := range msg.Tasks {
				if done, err := check(t); done {
					return err
				}
			}
		case tui.TaskMsg:
			if done, err := check(msg.Task); done {
				return err
			}
		case tui.TaskDismissedMsg:
			if msg.ID == id {
				return fmt.Errorf("task %s dismissed", id)
			}
		}
	}
}
